package emulator

import (
	"encoding/binary"
	"fmt"

	"otaaudit/pkg/nvm"
)

// Program 是运行在脚本机上的确定性固件行为。
// 它通过 Env 发起总线访问, 每次访问消耗一步; 预算耗尽时执行立即中止,
// 已落盘的闪存字节保持原样 (字编程逐字完成)。
type Program func(env *Env)

// ScriptedMachine 是 Machine 的确定性脚本实现, 驱动参考引导程序模型。
// 真实指令级仿真器接入时替换的就是这个实现。
type ScriptedMachine struct {
	program   Program
	ctl       *nvm.Controller
	flashBase uint32
	sramBase  uint32
	sram      []byte
	state     MachineState
}

// NewScriptedMachine 创建带指定 SRAM 布局的脚本机
func NewScriptedMachine(program Program, sramBase, sramSize uint32) *ScriptedMachine {
	return &ScriptedMachine{
		program:  program,
		sramBase: sramBase,
		sram:     make([]byte, sramSize),
	}
}

// SetProgram 替换运行的程序 (阶段 1 更新程序 / 阶段 2 恢复引导共用一台机器时使用)
func (m *ScriptedMachine) SetProgram(p Program) {
	m.program = p
}

func (m *ScriptedMachine) Reset() {
	m.state = MachineState{}
	for i := range m.sram {
		m.sram[i] = 0
	}
	if m.ctl != nil {
		m.ctl.Reset()
	}
}

func (m *ScriptedMachine) MapRegion(ctl *nvm.Controller, base uint32) error {
	if ctl == nil || ctl.Region() == nil {
		return nvm.ErrNotLinked
	}
	m.ctl = ctl
	m.flashBase = base
	return nil
}

func (m *ScriptedMachine) LoadImage(img []byte, busAddr uint32) error {
	if m.ctl == nil {
		return ErrNotMapped
	}
	if busAddr < m.flashBase {
		return fmt.Errorf("%w: load at %#x below flash base %#x", nvm.ErrAddressOutOfRange, busAddr, m.flashBase)
	}
	return m.ctl.Region().LoadBytes(busAddr-m.flashBase, img)
}

func (m *ScriptedMachine) State() MachineState { return m.state }

func (m *ScriptedMachine) ReadSRAM32(busAddr uint32) (uint32, error) {
	off := busAddr - m.sramBase
	if busAddr < m.sramBase || off+4 > uint32(len(m.sram)) {
		return 0, fmt.Errorf("%w: sram %#x", nvm.ErrAddressOutOfRange, busAddr)
	}
	return binary.LittleEndian.Uint32(m.sram[off:]), nil
}

// errBudget 步数预算耗尽的内部中止信号, 只在 Run 内部传递
type errBudget struct{}

func (m *ScriptedMachine) Run(stepLimit uint64) (stats RunStats, err error) {
	if m.program == nil {
		return RunStats{}, ErrNoProgram
	}
	if m.ctl == nil {
		return RunStats{}, ErrNotMapped
	}
	env := &Env{m: m, budget: stepLimit}
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(errBudget); !ok {
				panic(r)
			}
			// 预算耗尽是预期结果, 不是错误
		}
		stats = RunStats{Steps: env.steps, Halted: env.halted, BusWrites: env.busWrites}
	}()
	m.program(env)
	env.halted = true
	return
}

// Env 是程序与脚本机之间的总线/寄存器界面
type Env struct {
	m         *ScriptedMachine
	budget    uint64
	steps     uint64
	busWrites uint64
	halted    bool
}

func (e *Env) tick() {
	e.steps++
	if e.steps > e.budget {
		panic(errBudget{})
	}
}

// Tick 显式消耗 n 步 (模拟非总线计算)
func (e *Env) Tick(n uint64) {
	for i := uint64(0); i < n; i++ {
		e.tick()
	}
}

// ReadFlash32 读取闪存字
func (e *Env) ReadFlash32(busAddr uint32) uint32 {
	e.tick()
	v, err := e.m.ctl.ReadWord(busAddr - e.m.flashBase)
	if err != nil {
		return 0
	}
	return v
}

// SetControl 写 NVM 控制寄存器
func (e *Env) SetControl(v uint32) {
	e.tick()
	_ = e.m.ctl.SetControl(v)
}

// ProgramWord 在写使能下编程一个闪存字
func (e *Env) ProgramWord(busAddr, value uint32) {
	e.tick()
	e.busWrites++
	_ = e.m.ctl.WriteWord(busAddr-e.m.flashBase, value)
}

// EraseSector 在擦除使能下擦除一个扇区
func (e *Env) EraseSector(busAddr uint32) {
	e.tick()
	_ = e.m.ctl.EraseSector(busAddr - e.m.flashBase)
}

// ReadSRAM32 / WriteSRAM32 易失内存访问
func (e *Env) ReadSRAM32(busAddr uint32) uint32 {
	e.tick()
	v, _ := e.m.ReadSRAM32(busAddr)
	return v
}

func (e *Env) WriteSRAM32(busAddr, value uint32) {
	e.tick()
	off := busAddr - e.m.sramBase
	if busAddr < e.m.sramBase || off+4 > uint32(len(e.m.sram)) {
		return
	}
	binary.LittleEndian.PutUint32(e.m.sram[off:], value)
}

// Jump 模拟向量表跳转: 设置 VTOR 并从槽位向量表装载 SP/PC
func (e *Env) Jump(vtor uint32) {
	e.tick()
	e.m.state.VTOR = vtor
	e.m.state.SP = e.ReadFlash32(vtor)
	e.m.state.PC = e.ReadFlash32(vtor + 4)
}

// FlashBase 闪存映射基址
func (e *Env) FlashBase() uint32 { return e.m.flashBase }
