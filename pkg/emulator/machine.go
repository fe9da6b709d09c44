package emulator

import (
	"errors"

	"otaaudit/pkg/nvm"
)

// 引擎不实现指令级仿真, 只依赖这组窄边界:
// 复位、镜像装载、区域映射、有界运行与最终机器状态。
// 任何满足该接口的执行环境 (真实仿真器或脚本化模型) 均可接入。

var (
	ErrNoProgram = errors.New("emulator: no program loaded")
	ErrNotMapped = errors.New("emulator: no nvm region mapped")
)

// RunStats 一次有界运行的统计
type RunStats struct {
	// Steps 实际消耗的步数
	Steps uint64
	// Halted 程序自然结束; false 表示步数预算耗尽 (超时按结果处理, 不是错误)
	Halted bool
	// BusWrites 运行期间发往 NVM 的字写入次数, 用于零活动早判
	BusWrites uint64
}

// MachineState 恢复引导后用于结果分类的机器状态
type MachineState struct {
	VTOR uint32 // 向量表基址, 0 表示从未完成跳转
	PC   uint32
	SP   uint32
}

// Machine 执行环境接口。实现必须保证确定性:
// 相同的初始闪存内容与步数预算产生相同的最终状态。
type Machine interface {
	// Reset 系统复位: 机器寄存器与 SRAM 清零, 挂接的控制器做易失复位,
	// 闪存字节保留
	Reset()
	// LoadImage 把镜像直接装入总线地址处的闪存 (出厂预装, 不经编程路径)
	LoadImage(img []byte, busAddr uint32) error
	// MapRegion 把 NVM 控制器映射到总线基址
	MapRegion(ctl *nvm.Controller, base uint32) error
	// Run 以步数预算运行当前程序
	Run(stepLimit uint64) (RunStats, error)
	// State 返回最近一次运行结束时的机器状态
	State() MachineState
	// ReadSRAM32 读取 SRAM 字 (标记值检查)
	ReadSRAM32(busAddr uint32) (uint32, error)
}
