package nvm

import (
	"encoding/binary"
	"fmt"
)

// RegionConfig 描述一块 NVM 后备存储的几何参数
type RegionConfig struct {
	Size       uint32 // 总字节数
	WordSize   uint32 // 最小编程粒度, 2 的幂
	SectorSize uint32 // 最小擦除粒度, 2 的幂
	PageSize   uint32 // 启发式/磨损模型使用的页大小, 0 表示与扇区相同
	EraseFill  byte   // 擦除后的填充字节, 默认 0xFF
}

func (c *RegionConfig) normalize() error {
	if c.EraseFill == 0 {
		c.EraseFill = 0xFF
	}
	if c.PageSize == 0 {
		c.PageSize = c.SectorSize
	}
	if c.Size == 0 || c.WordSize == 0 || c.SectorSize == 0 {
		return fmt.Errorf("%w: zero size/word/sector", ErrInvalidConfiguration)
	}
	for _, v := range []uint32{c.Size, c.WordSize, c.SectorSize, c.PageSize} {
		if v&(v-1) != 0 {
			return fmt.Errorf("%w: %#x is not a power of two", ErrInvalidConfiguration, v)
		}
	}
	// diff 与故障变换都按 32 位字工作
	if c.WordSize != 4 {
		return fmt.Errorf("%w: word size must be 4, got %d", ErrInvalidConfiguration, c.WordSize)
	}
	if c.WordSize > c.SectorSize || c.SectorSize > c.Size || c.PageSize > c.Size {
		return fmt.Errorf("%w: word(%d) <= sector(%d) <= size(%d) violated",
			ErrInvalidConfiguration, c.WordSize, c.SectorSize, c.Size)
	}
	return nil
}

// Region 是按字节寻址的 NVM 后备存储。
// 它只保存字节与几何参数; 控制状态与计数器属于 Controller,
// 二者的复位语义不同 (非易失 vs 易失)。
type Region struct {
	cfg  RegionConfig
	data []byte
}

// NewRegion 创建一块处于全擦除状态的存储
func NewRegion(cfg RegionConfig) (*Region, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	r := &Region{cfg: cfg, data: make([]byte, cfg.Size)}
	r.FillAll()
	return r, nil
}

func (r *Region) Size() uint32       { return r.cfg.Size }
func (r *Region) WordSize() uint32   { return r.cfg.WordSize }
func (r *Region) SectorSize() uint32 { return r.cfg.SectorSize }
func (r *Region) PageSize() uint32   { return r.cfg.PageSize }
func (r *Region) EraseFill() byte    { return r.cfg.EraseFill }
func (r *Region) Config() RegionConfig { return r.cfg }

// FillAll 将整块存储置为擦除态
func (r *Region) FillAll() {
	for i := range r.data {
		r.data[i] = r.cfg.EraseFill
	}
}

func (r *Region) checkWord(offset uint32) error {
	if offset%r.cfg.WordSize != 0 {
		return fmt.Errorf("%w: offset %#x", ErrUnalignedAccess, offset)
	}
	if offset+r.cfg.WordSize > r.cfg.Size {
		return fmt.Errorf("%w: offset %#x size %#x", ErrAddressOutOfRange, offset, r.cfg.Size)
	}
	return nil
}

// ReadWord 读取一个对齐的 32 位字 (小端)
func (r *Region) ReadWord(offset uint32) (uint32, error) {
	if err := r.checkWord(offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.data[offset:]), nil
}

// storeWord 原样存入一个字, 不经过 NOR 编程语义。
// 故障物理 (如静默写入图样) 与擦除填充走这条路径。
func (r *Region) storeWord(offset uint32, value uint32) error {
	if err := r.checkWord(offset); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(r.data[offset:], value)
	return nil
}

// programWord 按 NOR 物理编程一个字: 只能清 0, 实际落盘值为 old & value
func (r *Region) programWord(offset uint32, value uint32) error {
	old, err := r.ReadWord(offset)
	if err != nil {
		return err
	}
	return r.storeWord(offset, old&value)
}

// fillRange 将一段区间置为擦除值 (故障擦除的部分填充也走这里)
func (r *Region) fillRange(offset, length uint32) error {
	if offset+length > r.cfg.Size {
		return fmt.Errorf("%w: fill [%#x,%#x)", ErrAddressOutOfRange, offset, offset+length)
	}
	for i := offset; i < offset+length; i++ {
		r.data[i] = r.cfg.EraseFill
	}
	return nil
}

// LoadBytes 直接写入镜像内容 (加载固件镜像、恢复快照)
func (r *Region) LoadBytes(offset uint32, data []byte) error {
	if uint64(offset)+uint64(len(data)) > uint64(r.cfg.Size) {
		return fmt.Errorf("%w: load [%#x,%#x)", ErrAddressOutOfRange, offset, int(offset)+len(data))
	}
	copy(r.data[offset:], data)
	return nil
}

// Bytes 返回镜像内容的拷贝
func (r *Region) Bytes() []byte {
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

// ViewBytes 返回指定区间的只读视图, 调用方不得修改
func (r *Region) ViewBytes(offset, length uint32) ([]byte, error) {
	if offset+length > r.cfg.Size {
		return nil, fmt.Errorf("%w: view [%#x,%#x)", ErrAddressOutOfRange, offset, offset+length)
	}
	return r.data[offset : offset+length], nil
}
