package trace

import (
	"encoding/binary"
	"fmt"

	"otaaudit/pkg/fault"
	"otaaudit/pkg/nvm"
)

// Reconstruct 不执行任何固件, 以 O(N) 重建故障序号 N 处的闪存镜像:
// 从基线镜像出发, 按提交顺序应用序号 < N 的全部条目 (擦除以
// writes_so_far 为交错键), 在 N 处施加故障变换, 序号 > N 的条目全部丢弃。
//
// 仅对损坏效果是 (旧值, 新值, 种子) 纯函数的模式合法; 其余模式必须
// 完整重执行, 这里直接拒绝。baseline 为 nil 时使用全擦除基线。
func (t *Trace) Reconstruct(spec fault.Spec, cfg nvm.RegionConfig, baseline []byte) (*nvm.Snapshot, error) {
	if !spec.Mode.Replayable() || !spec.Mode.TargetsWrite() {
		return nil, fmt.Errorf("%w: %s", ErrModeNotReplayable, spec.Mode)
	}
	if spec.Index == 0 || spec.Index > t.TotalWrites() {
		return nil, fmt.Errorf("%w: index %d, trace has %d writes", ErrIndexOutOfTrace, spec.Index, t.TotalWrites())
	}

	img := make([]byte, cfg.Size)
	if baseline != nil {
		if uint32(len(baseline)) != cfg.Size {
			return nil, fmt.Errorf("trace: baseline size %d != region size %d", len(baseline), cfg.Size)
		}
		copy(img, baseline)
	} else {
		fill := cfg.EraseFill
		if fill == 0 {
			fill = 0xFF
		}
		for i := range img {
			img[i] = fill
		}
	}

	readWord := func(off uint32) (uint32, bool) {
		if off%4 != 0 || off+4 > cfg.Size {
			return 0, false
		}
		return binary.LittleEndian.Uint32(img[off:]), true
	}
	storeWord := func(off uint32, v uint32) {
		binary.LittleEndian.PutUint32(img[off:], v)
	}

	// 按 writes_so_far 交错回放擦除
	ei := 0
	erasesApplied := uint64(0)
	applyErasesBefore := func(writesApplied uint64) {
		for ei < len(t.Erases) && t.Erases[ei].WritesSoFar <= writesApplied {
			e := t.Erases[ei]
			end := e.Sector + cfg.SectorSize
			if end <= cfg.Size {
				fill := cfg.EraseFill
				if fill == 0 {
					fill = 0xFF
				}
				for i := e.Sector; i < end; i++ {
					img[i] = fill
				}
			}
			erasesApplied++
			ei++
		}
	}

	for i, w := range t.Writes {
		writesApplied := uint64(i)
		applyErasesBefore(writesApplied)

		if w.Index < spec.Index {
			storeWord(w.Offset, w.Value)
			continue
		}

		// 故障点: 施加模式变换, 之后的所有条目作废
		pre, ok := readWord(w.Offset)
		if !ok {
			return nil, fmt.Errorf("%w: trace offset %#x", nvm.ErrAddressOutOfRange, w.Offset)
		}
		result, patches := fault.TransformWrite(spec, fault.WriteTarget{
			Index:      w.Index,
			Offset:     w.Offset,
			Pre:        pre,
			Post:       w.Value,
			EraseCount: erasesApplied,
			WordSize:   cfg.WordSize,
			PageSize:   cfg.PageSize,
			Read:       readWord,
		})
		storeWord(w.Offset, result)
		for _, p := range patches {
			if p.Offset%4 == 0 && p.Offset+4 <= cfg.Size {
				storeWord(p.Offset, p.Value)
			}
		}
		return &nvm.Snapshot{Data: img, FaultFired: true}, nil
	}

	// Index 合法性已在入口检查, 不应走到这里
	return nil, fmt.Errorf("%w: index %d never reached", ErrIndexOutOfTrace, spec.Index)
}
