package bootmodel

import (
	"otaaudit/pkg/emulator"
	"otaaudit/pkg/nvm"
)

func readMeta(env *emulator.Env, base uint32) Meta {
	return Meta{
		Magic: env.ReadFlash32(base),
		Seq:   env.ReadFlash32(base + 4),
		CRC:   env.ReadFlash32(base + 8),
	}
}

// pickMeta 返回有效且 seq 最大的副本序号, 都无效返回 -1
func pickMeta(env *emulator.Env, l Layout) (int, Meta) {
	best := -1
	var bestMeta Meta
	for i := 0; i < 2; i++ {
		m := readMeta(env, l.ReplicaBase(i))
		if !m.Valid() {
			continue
		}
		if best < 0 || m.Seq > bestMeta.Seq {
			best = i
			bestMeta = m
		}
	}
	return best, bestMeta
}

func writeMetaWords(env *emulator.Env, base uint32, m Meta) {
	env.ProgramWord(base, m.Magic)
	env.ProgramWord(base+4, m.Seq)
	env.ProgramWord(base+8, m.CRC)
}

// commitMeta 交错提交: 只动一份副本, 另一份始终保持可引导。
// 擦除目标副本 → 一个写窗口内写入 3 个字。
func commitMeta(env *emulator.Env, l Layout, target int, m Meta) {
	env.SetControl(uint32(nvm.ControlErase))
	env.EraseSector(l.ReplicaBase(target))
	env.SetControl(uint32(nvm.ControlRead))

	env.SetControl(uint32(nvm.ControlWrite))
	writeMetaWords(env, l.ReplicaBase(target), m)
	env.SetControl(uint32(nvm.ControlRead))
}

// MetaOnlyUpdate 最小更新: 只把活动槽位切换到另一侧。
// 校准计数恰为 3 次写 1 次擦除。
func MetaOnlyUpdate(l Layout) emulator.Program {
	return func(env *emulator.Env) {
		cur, m := pickMeta(env, l)
		next := NewMeta(m.Seq + 1)
		target := 1
		if cur == 1 {
			target = 0
		}
		if cur < 0 {
			// 无有效副本: 从 0 号副本重建
			next = NewMeta(0)
			target = 0
		}
		commitMeta(env, l, target, next)
	}
}

// FullUpdate 完整更新: 把新镜像逐字编程进非活动槽位, 再交错提交元数据。
func FullUpdate(l Layout, img []byte) emulator.Program {
	return func(env *emulator.Env) {
		cur, m := pickMeta(env, l)
		next := NewMeta(m.Seq + 1)
		if cur < 0 {
			next = NewMeta(1)
		}
		slot := next.Slot()
		slotBase := l.SlotBase[slot]

		// 擦除目标槽位覆盖镜像的扇区
		env.SetControl(uint32(nvm.ControlErase))
		for off := uint32(0); off < uint32(len(img)); off += l.SectorSize {
			env.EraseSector(slotBase + off)
		}
		env.SetControl(uint32(nvm.ControlRead))

		// 逐字编程, 每个字一个写窗口 (参考实现的 NVMC 驱动行为)
		for off := uint32(0); off+4 <= uint32(len(img)); off += 4 {
			w := uint32(img[off]) | uint32(img[off+1])<<8 | uint32(img[off+2])<<16 | uint32(img[off+3])<<24
			env.SetControl(uint32(nvm.ControlWrite))
			env.ProgramWord(slotBase+off, w)
			env.SetControl(uint32(nvm.ControlRead))
		}

		target := 1
		if cur == 1 {
			target = 0
		}
		commitMeta(env, l, target, next)
	}
}

// UnorderedUpdate 已知缺陷变体: 先擦掉两份副本, 再在同一个写窗口内
// 无序写入两份。窗口中途断电会同时留下两份损坏副本。
func UnorderedUpdate(l Layout) emulator.Program {
	return func(env *emulator.Env) {
		_, m := pickMeta(env, l)
		next := NewMeta(m.Seq + 1)

		env.SetControl(uint32(nvm.ControlErase))
		env.EraseSector(l.ReplicaBase(0))
		env.EraseSector(l.ReplicaBase(1))
		env.SetControl(uint32(nvm.ControlRead))

		env.SetControl(uint32(nvm.ControlWrite))
		writeMetaWords(env, l.ReplicaBase(0), next)
		writeMetaWords(env, l.ReplicaBase(1), next)
		env.SetControl(uint32(nvm.ControlRead))
	}
}

// slotVectorValid 与参考引导程序相同的向量表检查:
// SP 落在 SRAM 区间, 复位向量带 thumb 位且指向槽内。
func slotVectorValid(env *emulator.Env, l Layout, slot int) bool {
	base := l.SlotBase[slot]
	sp := env.ReadFlash32(base)
	reset := env.ReadFlash32(base + 4)
	pc := reset &^ 1

	if sp < l.SRAMStart || sp > l.SRAMEnd {
		return false
	}
	if pc < base || pc >= base+l.SlotSize {
		return false
	}
	if reset&1 == 0 {
		return false
	}
	return true
}

func jumpAndMark(env *emulator.Env, l Layout, slot int) {
	env.Jump(l.SlotBase[slot])
	env.WriteSRAM32(l.MarkerAddr, l.MarkerValue)
}

// ResilientBoot A/B 恢复引导: 选最高有效副本指示的槽位,
// 向量表无效时回退到另一槽位, 两边都不行就挂死等超时。
func ResilientBoot(l Layout) emulator.Program {
	return func(env *emulator.Env) {
		best, m := pickMeta(env, l)
		if best < 0 {
			// 没有任何有效副本就不能信任任何槽位
			hang(env)
			return
		}
		slot := m.Slot()
		if !slotVectorValid(env, l, slot) {
			other := 1 - slot
			if slotVectorValid(env, l, other) {
				slot = other
			} else {
				hang(env)
				return
			}
		}
		jumpAndMark(env, l, slot)
	}
}

// NaiveUpdate 脆弱更新器: 直接擦掉活动槽位再把新镜像拷进去,
// 没有元数据也没有第二槽位, 中途断电即变砖。
func NaiveUpdate(l Layout, img []byte) emulator.Program {
	return func(env *emulator.Env) {
		base := l.SlotBase[0]

		env.SetControl(uint32(nvm.ControlErase))
		for off := uint32(0); off < uint32(len(img)); off += l.SectorSize {
			env.EraseSector(base + off)
		}
		env.SetControl(uint32(nvm.ControlRead))

		for off := uint32(0); off+4 <= uint32(len(img)); off += 4 {
			w := uint32(img[off]) | uint32(img[off+1])<<8 | uint32(img[off+2])<<16 | uint32(img[off+3])<<24
			env.SetControl(uint32(nvm.ControlWrite))
			env.ProgramWord(base+off, w)
			env.SetControl(uint32(nvm.ControlRead))
		}
	}
}

// NaiveBoot 单槽引导: 槽 0 向量有效就跳, 否则挂死
func NaiveBoot(l Layout) emulator.Program {
	return func(env *emulator.Env) {
		if slotVectorValid(env, l, 0) {
			jumpAndMark(env, l, 0)
			return
		}
		hang(env)
	}
}

func hang(env *emulator.Env) {
	for {
		env.Tick(64)
	}
}
