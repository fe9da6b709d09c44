package nvm

import "github.com/cespare/xxhash/v2"

// Snapshot 是某一时刻完整的 NVM 字节镜像
type Snapshot struct {
	Data []byte
	// FaultFired 标记镜像中是否已包含一次注入故障的效果
	FaultFired bool
}

// Digest 计算镜像指纹, 用于快照等价断言与报告中的 nvm_state_digest
func (s *Snapshot) Digest() uint64 {
	return xxhash.Sum64(s.Data)
}
