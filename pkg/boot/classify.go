// Package boot 把恢复引导后的机器状态归类为 success / no_boot / wrong_image。
// 判定标准由 profile 提供, 引擎只消费分类结果, 不解释固件语义。
package boot

import (
	"github.com/cespare/xxhash/v2"

	"otaaudit/pkg/emulator"
	"otaaudit/pkg/nvm"
)

// Outcome 引导结果类别
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNoBoot
	OutcomeWrongImage
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoBoot:
		return "no_boot"
	case OutcomeWrongImage:
		return "wrong_image"
	}
	return "unknown"
}

// Slot 分类视角下的槽位几何 (总线地址)
type Slot struct {
	Name string
	Base uint32
	Size uint32
}

// Criteria profile 定义的成功判据
type Criteria struct {
	FlashBase uint32
	Slots     []Slot
	SRAMStart uint32
	SRAMEnd   uint32

	// VTORInSlot 要求向量表基址落在某个槽内且向量表自身有效
	VTORInSlot bool
	// PCInSlot 额外要求 PC 落在引导槽内
	PCInSlot bool

	// MarkerAddr 非零时检查应用启动标记
	MarkerAddr  uint32
	MarkerValue uint32

	// ExpectedDigest 槽位镜像前缀的期望指纹 (校准时的干净镜像), 缺省不校验
	ExpectedDigest map[int]uint64
	// DigestLen 指纹覆盖的槽前缀字节数, 0 表示整个槽
	DigestLen uint32
}

// Signals 分类结果与附带信号
type Signals struct {
	Outcome  Outcome
	BootSlot int // -1 表示未识别到引导槽
	// HashChecked / HashMatch 镜像指纹校验是否执行及其结果
	HashChecked bool
	HashMatch   bool
	MarkerOK    bool
}

// Classifier 按判据归类引导结果
type Classifier struct {
	crit Criteria
}

func NewClassifier(c Criteria) *Classifier {
	return &Classifier{crit: c}
}

func (c *Classifier) slotOf(busAddr uint32) int {
	for i, s := range c.crit.Slots {
		if s.Base <= busAddr && busAddr < s.Base+s.Size {
			return i
		}
	}
	return -1
}

// SlotDigest 计算槽位镜像前缀的指纹 (校准阶段建立期望值时也用它)
func (c *Classifier) SlotDigest(region *nvm.Region, slot int) (uint64, error) {
	s := c.crit.Slots[slot]
	length := c.crit.DigestLen
	if length == 0 || length > s.Size {
		length = s.Size
	}
	view, err := region.ViewBytes(s.Base-c.crit.FlashBase, length)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(view), nil
}

// Classify 读取机器最终状态与闪存内容, 产出结果类别与信号。
// 规则: 未完成跳转或向量表无效 → no_boot; 引导成功但镜像指纹
// 或标记不符 → wrong_image; 其余 → success。
func (c *Classifier) Classify(m emulator.Machine, region *nvm.Region) Signals {
	sig := Signals{Outcome: OutcomeNoBoot, BootSlot: -1}
	state := m.State()

	if state.VTOR == 0 {
		return sig
	}
	slot := c.slotOf(state.VTOR)
	if slot < 0 {
		return sig
	}
	sig.BootSlot = slot

	if c.crit.VTORInSlot {
		sp, err := region.ReadWord(state.VTOR - c.crit.FlashBase)
		if err != nil || sp < c.crit.SRAMStart || sp > c.crit.SRAMEnd {
			return sig
		}
		reset, err := region.ReadWord(state.VTOR + 4 - c.crit.FlashBase)
		if err != nil || reset&1 == 0 {
			return sig
		}
		pc := reset &^ 1
		s := c.crit.Slots[slot]
		if pc < s.Base || pc >= s.Base+s.Size {
			return sig
		}
	}
	if c.crit.PCInSlot {
		s := c.crit.Slots[slot]
		if state.PC < s.Base || state.PC >= s.Base+s.Size {
			return sig
		}
	}

	if c.crit.MarkerAddr != 0 {
		v, err := m.ReadSRAM32(c.crit.MarkerAddr)
		if err != nil || v != c.crit.MarkerValue {
			return sig
		}
		sig.MarkerOK = true
	}

	if want, ok := c.crit.ExpectedDigest[slot]; ok {
		sig.HashChecked = true
		got, err := c.SlotDigest(region, slot)
		if err != nil || got != want {
			sig.Outcome = OutcomeWrongImage
			return sig
		}
		sig.HashMatch = true
	}

	sig.Outcome = OutcomeSuccess
	return sig
}
