package fault

// lcg 是经典 64 位线性同余发生器 (Knuth MMIX 常数)。
// 所有损坏掩码都由它派生, 保证同一种子下逐位可复现。
type lcg struct {
	state uint64
}

func newLCG(seed uint64) *lcg {
	// 种子为 0 时混入一个非零常数, 避免退化序列
	if seed == 0 {
		seed = 0x9E3779B97F4A7C15
	}
	return &lcg{state: seed}
}

func (l *lcg) next() uint64 {
	l.state = l.state*6364136223846793005 + 1442695040888963407
	return l.state
}

// mask32 取高 32 位作为掩码 (低位相关性差)
func (l *lcg) mask32() uint32 {
	return uint32(l.next() >> 32)
}

func (l *lcg) intn(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return uint32(l.next()>>33) % n
}

// WriteTarget 描述被注入的那次字写入及其邻域读取能力。
// Read 返回某偏移处当前字的值; 回放时读的是重建镜像,
// 现场注入时读的是真实后备存储, 两者对可回放模式等价。
type WriteTarget struct {
	Index      uint64
	Offset     uint32
	Pre        uint32
	Post       uint32
	EraseCount uint64
	WordSize   uint32
	PageSize   uint32
	Read       func(offset uint32) (uint32, bool)
}

// WordPatch 是一次故障对目标字之外字的附带修改
type WordPatch struct {
	Offset uint32
	Value  uint32
}

// TransformWrite 计算目标字的实际提交值与附带补丁。
// 纯函数: 结果只依赖 (旧值, 新值, 种子) 与通过 Read 观察到的邻域旧值;
// 对同一 Spec 重复调用得到逐位相同的结果。
func TransformWrite(spec Spec, t WriteTarget) (uint32, []WordPatch) {
	if t.WordSize == 0 {
		t.WordSize = 4
	}
	if t.PageSize == 0 {
		t.PageSize = 4096
	}
	seed := spec.Seed
	if seed == 0 {
		seed = DeriveSeed(t.Index, t.Offset, t.EraseCount)
	}
	rng := newLCG(seed)

	switch spec.Mode {
	case ModePowerLoss, ModeWriteRejection:
		// 写入被整体阻断
		return t.Pre, nil

	case ModeBitCorruption:
		// 只有本该 1→0 的位中被掩码选中的子集真正翻转
		bitsToFlip := t.Pre &^ t.Post
		return t.Pre &^ (bitsToFlip & rng.mask32()), nil

	case ModeSilentWriteFailure:
		if t.Index%2 == 0 {
			return 0xFFFFFFFF, nil
		}
		return 0x00000000, nil

	case ModeWriteDisturb:
		// 目标字正常提交, 相邻字受掩码式 1→0 干扰
		var patches []WordPatch
		for _, delta := range []int64{-int64(t.WordSize), int64(t.WordSize)} {
			noff := int64(t.Offset) + delta
			if noff < 0 {
				continue
			}
			v, ok := t.Read(uint32(noff))
			if !ok {
				continue
			}
			disturbed := v &^ rng.mask32()
			if disturbed != v {
				patches = append(patches, WordPatch{Offset: uint32(noff), Value: disturbed})
			}
		}
		return t.Post, patches

	case ModeWearLeveling:
		// 错误数随擦除计数增长: 2 + min(10, erase_count/8)
		errors := 2 + minU64(10, t.EraseCount/8)
		pageBase := t.Offset &^ (t.PageSize - 1)
		wordsPerPage := t.PageSize / t.WordSize
		var patches []WordPatch
		for i := uint64(0); i < errors; i++ {
			woff := pageBase + rng.intn(wordsPerPage)*t.WordSize
			bit := rng.intn(32)
			base := t.Post
			if woff != t.Offset {
				v, ok := t.Read(woff)
				if !ok {
					continue
				}
				base = v
			}
			hit := base &^ (1 << bit)
			if woff == t.Offset {
				// 允许老化错误落在目标字自身
				t.Post = hit
				continue
			}
			if hit != base {
				patches = append(patches, WordPatch{Offset: woff, Value: hit})
			}
		}
		return t.Post, patches
	}

	// 不作用于写入的模式原样提交
	return t.Post, nil
}

// EraseTarget 描述被注入的那次扇区擦除
type EraseTarget struct {
	Index      uint64
	Sector     uint32
	SectorSize uint32
	RegionSize uint32
}

// FillRange 指示一段应被填充为擦除值的字节区间
type FillRange struct {
	Offset uint32
	Length uint32
}

// TransformErase 计算被注入擦除实际生效的填充区间。
// 未注入的完整擦除等价于单个整扇区区间。
func TransformErase(spec Spec, t EraseTarget) []FillRange {
	switch spec.Mode {
	case ModeInterruptedErase:
		// 前半擦除, 后半保持旧内容
		return []FillRange{{Offset: t.Sector, Length: t.SectorSize / 2}}

	case ModeMultiSectorAtomicity:
		// 目标扇区半擦除; 相邻扇区再被破坏四分之一, 制造跨扇区不一致
		ranges := []FillRange{{Offset: t.Sector, Length: t.SectorSize / 2}}
		neighbor := t.Sector + t.SectorSize
		if neighbor+t.SectorSize > t.RegionSize {
			if t.Sector >= t.SectorSize {
				neighbor = t.Sector - t.SectorSize
			} else {
				return ranges
			}
		}
		ranges = append(ranges, FillRange{Offset: neighbor, Length: t.SectorSize / 4})
		return ranges
	}

	return []FillRange{{Offset: t.Sector, Length: t.SectorSize}}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
