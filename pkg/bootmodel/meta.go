// Package bootmodel 提供确定性的参考引导程序行为, 作为审计引擎的测试对象:
// 朴素单槽拷贝更新器 (脆弱)、A/B 双副本交错提交引导 (健壮)、
// 以及一次窗口内无序写双副本的已知缺陷变体。
package bootmodel

import (
	"encoding/binary"

	"otaaudit/pkg/nvm"
)

// 引导元数据魔数 "OTAM"
const MetaMagic = 0x4F54414D

// Meta 是闪存中的一份引导元数据副本: [magic, seq, crc] 三个字。
// 活动槽位由 seq 的奇偶决定 (偶=A, 奇=B), 副本提交因此恰好 3 次写。
type Meta struct {
	Magic uint32
	Seq   uint32
	CRC   uint32
}

// MetaCRC 与参考实现一致的混合校验
func MetaCRC(magic, seq uint32) uint32 {
	crc := uint32(0x1EDC6F41)
	for _, w := range []uint32{magic, seq} {
		crc ^= w + 0x9E3779B9 + crc<<6 + crc>>2
	}
	return crc
}

// NewMeta 构造一份自洽的副本
func NewMeta(seq uint32) Meta {
	return Meta{Magic: MetaMagic, Seq: seq, CRC: MetaCRC(MetaMagic, seq)}
}

// Valid 魔数与校验同时成立
func (m Meta) Valid() bool {
	return m.Magic == MetaMagic && m.CRC == MetaCRC(m.Magic, m.Seq)
}

// Slot 活动槽位编号 (0=A, 1=B)
func (m Meta) Slot() int {
	return int(m.Seq & 1)
}

// Layout 描述测试对象的总线布局。两份元数据副本各占一个扇区,
// 这样擦除一份不会波及另一份。
type Layout struct {
	FlashBase uint32
	SlotBase  [2]uint32 // 总线地址
	SlotSize  uint32
	MetaBase  uint32 // 副本 0 的总线地址; 副本 1 紧随其后一个扇区
	SectorSize uint32

	SRAMStart   uint32
	SRAMEnd     uint32
	MarkerAddr  uint32 // SRAM 中的引导成功标记
	MarkerValue uint32
}

// ReplicaBase 第 i 份副本的总线地址
func (l Layout) ReplicaBase(i int) uint32 {
	return l.MetaBase + uint32(i)*l.SectorSize
}

// SlotOf 判断总线地址属于哪个槽位, 不属于任何槽位返回 -1
func (l Layout) SlotOf(busAddr uint32) int {
	for i, base := range l.SlotBase {
		if base <= busAddr && busAddr < base+l.SlotSize {
			return i
		}
	}
	return -1
}

// SeedMeta 不经编程路径直接预置一份副本 (出厂状态)
func SeedMeta(r *nvm.Region, l Layout, replica int, m Meta) error {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], m.Magic)
	binary.LittleEndian.PutUint32(buf[4:], m.Seq)
	binary.LittleEndian.PutUint32(buf[8:], m.CRC)
	return r.LoadBytes(l.ReplicaBase(replica)-l.FlashBase, buf)
}

// MakeImage 生成一个可引导的合成镜像: 向量表 (SP 指向 SRAM 内,
// 复位向量带 thumb 位且落在槽内) 加确定性填充负载。
func MakeImage(l Layout, slot int, fill byte, size uint32) []byte {
	img := make([]byte, size)
	binary.LittleEndian.PutUint32(img[0:], l.SRAMEnd-8)
	binary.LittleEndian.PutUint32(img[4:], (l.SlotBase[slot]+0x100)|1)
	for i := uint32(8); i < size; i++ {
		img[i] = fill
	}
	return img
}
