package fault

import (
	"fmt"
	"strings"
)

// Mode 表示一种故障注入模式。
// NOR 闪存物理约束贯穿所有模式: 擦除置 1, 编程只能清 0,
// 任何损坏变换都不会产生 0→1 翻转。
type Mode int

const (
	ModeNone Mode = iota
	// ModePowerLoss 写入完全被阻断, 目标字保持旧值
	ModePowerLoss
	// ModeBitCorruption 部分编程: 只有 LCG 掩码选中的位真正翻转
	ModeBitCorruption
	// ModeSilentWriteFailure 写入报告成功但存入固定图样 (按操作序号奇偶交替全 1/全 0)
	ModeSilentWriteFailure
	// ModeWriteDisturb 目标字正常提交, ±一个字宽的相邻字受掩码式 1→0 干扰
	ModeWriteDisturb
	// ModeWearLeveling 目标字正常提交, 同页内按擦除计数规模出现单比特老化错误
	ModeWearLeveling
	// ModeInterruptedErase 扇区前半部分被填充为擦除值, 后半保持旧内容
	ModeInterruptedErase
	// ModeMultiSectorAtomicity 目标扇区半擦除, 相邻扇区四分之一擦除
	ModeMultiSectorAtomicity
	// ModeWriteRejection 写入从未生效; 可见效果与断电相同, 但按擦前写拒绝单独分类
	ModeWriteRejection
	// ModeResetAtTime 按执行步数预算触发的确定性复位, 不以写/擦序号为锚点
	ModeResetAtTime
)

var modeNames = map[Mode]string{
	ModeNone:                 "none",
	ModePowerLoss:            "power_loss",
	ModeBitCorruption:        "bit_corruption",
	ModeSilentWriteFailure:   "silent_write_failure",
	ModeWriteDisturb:         "write_disturb",
	ModeWearLeveling:         "wear_leveling_corruption",
	ModeInterruptedErase:     "interrupted_erase",
	ModeMultiSectorAtomicity: "multi_sector_atomicity",
	ModeWriteRejection:       "write_rejection",
	ModeResetAtTime:          "reset_at_time",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode 解析配置文件中的故障类型名称
func ParseMode(s string) (Mode, error) {
	name := strings.TrimSpace(strings.ToLower(s))
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return ModeNone, fmt.Errorf("unknown fault mode %q", s)
}

// TargetsErase 报告该模式是否作用于擦除操作序号而非写入序号
func (m Mode) TargetsErase() bool {
	return m == ModeInterruptedErase || m == ModeMultiSectorAtomicity
}

// TargetsWrite 报告该模式是否作用于写入操作序号
func (m Mode) TargetsWrite() bool {
	switch m {
	case ModePowerLoss, ModeBitCorruption, ModeSilentWriteFailure,
		ModeWriteDisturb, ModeWearLeveling, ModeWriteRejection:
		return true
	}
	return false
}

// Replayable 报告该模式能否通过轨迹回放重建快照。
// 合法条件: 损坏效果是 (旧值, 新值, 种子) 的纯函数。
// bit_corruption 建模部分编程的时序截断, 截断点取决于注入瞬间的器件状态,
// 擦除类与步数复位类依赖执行现场, 它们都必须走完整重执行;
// 回放与这些模式混用会悄悄产生错误快照, 因此回放器必须拒绝。
func (m Mode) Replayable() bool {
	switch m {
	case ModePowerLoss, ModeWriteRejection, ModeSilentWriteFailure,
		ModeWriteDisturb, ModeWearLeveling:
		return true
	}
	return false
}

// Spec 描述一个候选故障点
type Spec struct {
	// Index 目标操作序号 (1 起始); 写类模式对应写序号, 擦除类模式对应擦除序号
	Index uint64 `json:"index"`
	Mode  Mode   `json:"mode"`
	// Seed 为 0 时按 (序号⊕偏移⊕擦除计数) 派生; 任何情况下都不允许壁钟或未播种随机
	Seed uint64 `json:"seed,omitempty"`
	// ResetAtStep 仅 reset_at_time 使用: 第一阶段执行的步数预算
	ResetAtStep uint64 `json:"reset_at_step,omitempty"`
}

// Validate 检查故障点描述自身是否一致
func (s Spec) Validate() error {
	if _, ok := modeNames[s.Mode]; !ok || s.Mode == ModeNone {
		return fmt.Errorf("invalid fault mode %d", int(s.Mode))
	}
	if s.Mode == ModeResetAtTime {
		if s.ResetAtStep == 0 {
			return fmt.Errorf("reset_at_time requires a positive step budget")
		}
		return nil
	}
	if s.Index == 0 {
		return fmt.Errorf("fault index must be 1-based, got 0")
	}
	return nil
}

// DeriveSeed 从故障点身份派生确定性种子。
// 同一 (序号, 偏移, 擦除计数) 永远得到同一损坏结果,
// 这是正确/缺陷固件差分对比可复现的前提。
func DeriveSeed(index uint64, offset uint32, eraseCount uint64) uint64 {
	return index ^ uint64(offset) ^ eraseCount
}
