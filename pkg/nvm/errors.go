package nvm

import "errors"

var (
	// ErrNotLinked 在后备存储尚未挂接时发起操作
	ErrNotLinked = errors.New("nvm: no memory region linked")
	// ErrAddressOutOfRange 访问或故障目标落在映射区域之外
	ErrAddressOutOfRange = errors.New("nvm: address out of range")
	// ErrInvalidConfiguration 字长/扇区大小非法 (非 2 的幂或互不对齐)
	ErrInvalidConfiguration = errors.New("nvm: invalid configuration")
	// ErrInvalidControlValue 写入控制寄存器的值不在 {0,1,2} 内
	ErrInvalidControlValue = errors.New("nvm: invalid control register value")
	// ErrUnalignedAccess 字访问未按字长对齐
	ErrUnalignedAccess = errors.New("nvm: unaligned word access")
)
