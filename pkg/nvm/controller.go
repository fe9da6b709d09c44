package nvm

import (
	"bytes"
	"fmt"

	"otaaudit/pkg/fault"
)

// ControlState 是编程/擦除使能寄存器的取值
type ControlState uint32

const (
	ControlRead  ControlState = 0 // 读使能
	ControlWrite ControlState = 1 // 写使能
	ControlErase ControlState = 2 // 擦除使能
)

// OpRecorder 接收已提交操作的回调 (校准轨迹录制)。
// 录制要求精确序号与偏移, 因此只在 always-diff 模式下有意义。
type OpRecorder interface {
	RecordWrite(index uint64, offset uint32, value uint32)
	RecordErase(index uint64, sector uint32, writesSoFar uint64)
}

// ControllerConfig 控制器行为参数
type ControllerConfig struct {
	// Lookahead 快速路径窗口: 运行写计数距武装故障序号超过该值时跳过全区 diff
	Lookahead uint64
	// AlwaysDiff 强制每个写窗口都做全区 diff (校准必须开启)
	AlwaysDiff bool
}

// Controller 拥有一块 Region 的控制状态机、操作计数与故障武装位。
// 生命周期契约: Reset 清空控制状态与计数 (易失), 字节内容保留 (非易失)。
// 每次运行独占一个实例, 不做内部加锁。
type Controller struct {
	cfg    ControllerConfig
	region *Region

	state      ControlState
	writeCount uint64
	eraseCount uint64

	armed      *fault.Spec
	faultFired bool

	recorder OpRecorder

	// 写窗口现场
	needDiff       []byte
	windowDiffing  bool
	windowOpen     bool
	pendingChanged bool

	fastPathViolations uint64
	opErrors           uint64
}

// NewController 创建一个未挂接存储的控制器
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{cfg: cfg}
}

// Link 挂接后备存储
func (c *Controller) Link(r *Region) {
	c.region = r
}

// AttachRecorder 挂接轨迹录制器; 传 nil 解除
func (c *Controller) AttachRecorder(rec OpRecorder) {
	c.recorder = rec
}

// SetAlwaysDiff 切换强制 diff 模式。校准必须开启; 扫描侧只有在校准
// 证明每个写窗口恰好改一个字时才允许关闭, 否则两边的操作序号会错位。
func (c *Controller) SetAlwaysDiff(v bool) {
	c.cfg.AlwaysDiff = v
}

// SetLookahead 调整快速路径窗口宽度
func (c *Controller) SetLookahead(n uint64) {
	c.cfg.Lookahead = n
}

// Arm 武装一个故障点。reset_at_time 类故障由执行环境的步数预算触发,
// 控制器武装后对其不做写/擦拦截。
func (c *Controller) Arm(spec fault.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	s := spec
	c.armed = &s
	return nil
}

// Disarm 解除武装
func (c *Controller) Disarm() {
	c.armed = nil
}

// Reset 易失复位: 控制状态、计数器、武装位、窗口现场全部清零,
// 字节内容原样保留。这是阶段 1 (注入) 与阶段 2 (恢复引导) 之间的关键语义。
func (c *Controller) Reset() {
	c.state = ControlRead
	c.writeCount = 0
	c.eraseCount = 0
	c.armed = nil
	c.faultFired = false
	c.needDiff = nil
	c.windowOpen = false
	c.windowDiffing = false
	c.pendingChanged = false
}

func (c *Controller) TotalWrites() uint64        { return c.writeCount }
func (c *Controller) TotalErases() uint64        { return c.eraseCount }
func (c *Controller) FaultFired() bool           { return c.faultFired }
func (c *Controller) FastPathViolations() uint64 { return c.fastPathViolations }
func (c *Controller) OpErrors() uint64           { return c.opErrors }
func (c *Controller) State() ControlState        { return c.state }

// Region 返回挂接的后备存储
func (c *Controller) Region() *Region { return c.region }

// Snapshot 拍摄当前完整镜像
func (c *Controller) Snapshot() (*Snapshot, error) {
	if c.region == nil {
		return nil, ErrNotLinked
	}
	return &Snapshot{Data: c.region.Bytes(), FaultFired: c.faultFired}, nil
}

// diffPolicy 决定即将打开的写窗口是否做全区 diff。
// 快速路径假设普通写窗口恰好改一个字; 距武装序号 Lookahead 以内
// 或 always-diff 模式下必须精确 diff。
func (c *Controller) diffPolicy() bool {
	if c.cfg.AlwaysDiff {
		return true
	}
	if c.armed == nil || c.faultFired || !c.armed.Mode.TargetsWrite() {
		return false
	}
	return c.armed.Index <= c.writeCount+c.cfg.Lookahead+1
}

// SetControl 写控制寄存器。写使能→读使能的回边是唯一的写计数时机。
func (c *Controller) SetControl(v uint32) error {
	if c.region == nil {
		return ErrNotLinked
	}
	next := ControlState(v)
	switch next {
	case ControlRead, ControlWrite, ControlErase:
	default:
		c.opErrors++
		return fmt.Errorf("%w: %d", ErrInvalidControlValue, v)
	}

	if c.state == ControlWrite && next != ControlWrite {
		c.commitWriteWindow()
	}
	if next == ControlWrite && c.state != ControlWrite {
		c.openWriteWindow()
	}
	c.state = next
	return nil
}

func (c *Controller) openWriteWindow() {
	c.windowOpen = true
	c.pendingChanged = false
	c.windowDiffing = c.diffPolicy()
	if c.windowDiffing {
		c.needDiff = c.region.Bytes()
	} else {
		c.needDiff = nil
	}
}

// commitWriteWindow 在回到读使能时给本窗口内容变化的字分配序号。
// diff 按字升序进行, 序号单调递增且只分配给内容真正变化的字。
func (c *Controller) commitWriteWindow() {
	defer func() {
		c.needDiff = nil
		c.windowOpen = false
		c.windowDiffing = false
		c.pendingChanged = false
	}()
	if c.faultFired {
		return
	}

	if !c.windowDiffing {
		// 快速路径: 假设恰好一个字变化。偏移未知, 仅推进计数。
		if c.pendingChanged {
			c.writeCount++
		}
		return
	}

	changed := c.diffChangedOffsets()
	if len(changed) > 1 {
		// 多字窗口违反快速路径假设; 记录而非静默少计
		c.fastPathViolations++
	}

	for _, off := range changed {
		idx := c.writeCount + 1
		if c.armed != nil && c.armed.Mode.TargetsWrite() && c.armed.Index == idx {
			c.fireWriteFault(*c.armed, off, changed)
			c.writeCount = idx
			return
		}
		c.writeCount = idx
		if c.recorder != nil {
			v, _ := c.region.ReadWord(off)
			c.recorder.RecordWrite(idx, off, v)
		}
	}
}

func (c *Controller) diffChangedOffsets() []uint32 {
	ws := c.region.WordSize()
	var changed []uint32
	// 升序遍历保证序号按偏移递增分配
	for off := uint32(0); off+ws <= c.region.Size(); off += ws {
		if !bytes.Equal(c.needDiff[off:off+ws], c.region.data[off:off+ws]) {
			changed = append(changed, off)
		}
	}
	return changed
}

// fireWriteFault 在目标字上施加故障物理。
// 窗口内序号晚于目标的字从未提交 (设备已死), 先恢复为窗口前旧值,
// 使镜像回到注入瞬间的状态, 再施加变换与附带补丁。
func (c *Controller) fireWriteFault(spec fault.Spec, target uint32, changed []uint32) {
	past := false
	for _, off := range changed {
		if off == target {
			past = true
			continue
		}
		if past {
			pre := wordAt(c.needDiff, off)
			_ = c.region.storeWord(off, pre)
		}
	}

	pre := wordAt(c.needDiff, target)
	post, _ := c.region.ReadWord(target)
	result, patches := fault.TransformWrite(spec, fault.WriteTarget{
		Index:      spec.Index,
		Offset:     target,
		Pre:        pre,
		Post:       post,
		EraseCount: c.eraseCount,
		WordSize:   c.region.WordSize(),
		PageSize:   c.region.PageSize(),
		Read: func(off uint32) (uint32, bool) {
			v, err := c.region.ReadWord(off)
			return v, err == nil
		},
	})
	_ = c.region.storeWord(target, result)
	for _, p := range patches {
		if err := c.region.storeWord(p.Offset, p.Value); err != nil {
			c.opErrors++
		}
	}
	c.faultFired = true
}

// WriteWord 在写使能下按 NOR 物理编程一个字 (old & value)。
// 故障触发后设备断电, 所有后续写入被吞掉。
func (c *Controller) WriteWord(offset, value uint32) error {
	if c.region == nil {
		return ErrNotLinked
	}
	if c.faultFired {
		return nil
	}
	if c.state != ControlWrite {
		c.opErrors++
		return fmt.Errorf("nvm: write at %#x while not write-enabled", offset)
	}
	old, err := c.region.ReadWord(offset)
	if err != nil {
		c.opErrors++
		return err
	}
	if old&value != old {
		c.pendingChanged = true
	}
	return c.region.programWord(offset, value)
}

// ReadWord 读取一个字 (任何控制状态下合法)
func (c *Controller) ReadWord(offset uint32) (uint32, error) {
	if c.region == nil {
		return 0, ErrNotLinked
	}
	return c.region.ReadWord(offset)
}

// EraseSector 在擦除使能下整扇区填充擦除值, 除非该擦除序号被武装了擦除类故障。
func (c *Controller) EraseSector(sector uint32) error {
	if c.region == nil {
		return ErrNotLinked
	}
	if c.faultFired {
		return nil
	}
	if c.state != ControlErase {
		c.opErrors++
		return fmt.Errorf("nvm: erase at %#x while not erase-enabled", sector)
	}
	if sector%c.region.SectorSize() != 0 || sector >= c.region.Size() {
		c.opErrors++
		return fmt.Errorf("%w: sector %#x", ErrAddressOutOfRange, sector)
	}

	idx := c.eraseCount + 1
	if c.armed != nil && c.armed.Mode.TargetsErase() && c.armed.Index == idx {
		ranges := fault.TransformErase(*c.armed, fault.EraseTarget{
			Index:      idx,
			Sector:     sector,
			SectorSize: c.region.SectorSize(),
			RegionSize: c.region.Size(),
		})
		for _, fr := range ranges {
			if err := c.region.fillRange(fr.Offset, fr.Length); err != nil {
				c.opErrors++
			}
		}
		c.eraseCount = idx
		c.faultFired = true
		return nil
	}

	if err := c.region.fillRange(sector, c.region.SectorSize()); err != nil {
		c.opErrors++
		return err
	}
	c.eraseCount = idx
	if c.recorder != nil {
		c.recorder.RecordErase(idx, sector, c.writeCount)
	}
	return nil
}

func wordAt(buf []byte, off uint32) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}
