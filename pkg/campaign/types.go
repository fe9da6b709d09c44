package campaign

import (
	"errors"
	"fmt"

	"otaaudit/pkg/boot"
	"otaaudit/pkg/emulator"
	"otaaudit/pkg/fault"
	"otaaudit/pkg/heuristic"
	"otaaudit/pkg/nvm"
)

// Phase 活动状态机: Calibrating → Selecting → Sweeping → Aggregating → Done
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseCalibrating
	PhaseSelecting
	PhaseSweeping
	PhaseAggregating
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCalibrating:
		return "calibrating"
	case PhaseSelecting:
		return "selecting"
	case PhaseSweeping:
		return "sweeping"
	case PhaseAggregating:
		return "aggregating"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

var (
	// ErrCalibrationFailed 无故障校准没有跑出干净的成功引导
	ErrCalibrationFailed = errors.New("campaign: calibration run did not boot cleanly")
	// ErrNoCandidates 选择阶段没有产出任何故障点
	ErrNoCandidates = errors.New("campaign: no candidate fault points")
)

// Target 一个 worker 独占的执行目标: 机器、NVM 控制器与两阶段程序切换。
// UseUpdate/UseBoot 切换阶段 1 更新程序与阶段 2 恢复引导程序。
type Target struct {
	Machine   emulator.Machine
	Ctl       *nvm.Controller
	UseUpdate func()
	UseBoot   func()
}

// TargetFactory 构造处于出厂初始状态的全新目标。
// 每个 worker 调用一次; worker 之间不共享任何可变状态。
type TargetFactory func() (*Target, error)

// Expect 调用方给定的结果期望
type Expect struct {
	ShouldFindIssues bool
	BrickRateMin     float64
}

// Config 活动参数
type Config struct {
	Factory   TargetFactory
	RegionCfg nvm.RegionConfig
	Criteria  boot.Criteria

	Modes []fault.Mode
	// Strategy "heuristic" 或 "exhaustive"
	Strategy  string
	Heuristic heuristic.Config

	Lookahead uint64
	StepLimit uint64
	// ZeroActivityBound 零活动早判的步数界, 0 关闭
	ZeroActivityBound uint64
	// EvaluationMode "auto" (模式合法即回放) / "replay" / "execute"
	EvaluationMode string
	// ControlRun 扫描末尾附加一个超出总写数的对照点
	ControlRun bool
	// MaxWrites 候选序号上限, 0 表示扫到校准总写数
	MaxWrites uint64
	// ImageHash 用校准后的干净镜像指纹做发现式校验
	ImageHash bool

	Workers int
	Expect  Expect

	ProfileName string
}

func (c *Config) validate() error {
	if c.Factory == nil {
		return fmt.Errorf("campaign: nil target factory")
	}
	if c.StepLimit == 0 {
		return fmt.Errorf("campaign: zero step limit")
	}
	if len(c.Modes) == 0 {
		c.Modes = []fault.Mode{fault.ModePowerLoss}
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	switch c.EvaluationMode {
	case "", "auto", "replay", "execute":
	default:
		return fmt.Errorf("campaign: invalid evaluation mode %q", c.EvaluationMode)
	}
	switch c.Strategy {
	case "", "heuristic", "exhaustive":
	default:
		return fmt.Errorf("campaign: invalid sweep strategy %q", c.Strategy)
	}
	return nil
}

// Record 一个故障点的结果记录。字段名是外部工具依赖的报告契约。
type Record struct {
	FaultAt        uint64 `json:"fault_at"`
	FaultType      string `json:"fault_type"`
	FaultAddress   string `json:"fault_address,omitempty"`
	BootOutcome    string `json:"boot_outcome"`
	BootSlot       int    `json:"boot_slot"`
	NVMStateDigest string `json:"nvm_state_digest"`
	FaultInjected  bool   `json:"fault_injected"`
	IsControl      bool   `json:"is_control,omitempty"`
	ZeroActivity   bool   `json:"zero_activity,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
	Error          string `json:"error,omitempty"`
}

// FailureDetail 失败点的归类明细
type FailureDetail struct {
	FaultAt      uint64  `json:"fault_at"`
	Outcome      string  `json:"outcome"`
	FaultAddress string  `json:"fault_address"`
	Region       string  `json:"region"`
	Phase        string  `json:"phase"`
	PositionPct  float64 `json:"position_pct"`
}

// ControlInfo 对照点观测
type ControlInfo struct {
	BootOutcome   string `json:"boot_outcome"`
	BootSlot      int    `json:"boot_slot"`
	FaultInjected bool   `json:"fault_injected"`
	OK            bool   `json:"ok"`
}

// Summary 聚合结果。"no bricks" 与 "campaign incomplete" 绝不混淆:
// 任何 worker 失败或单点评估错误都会让 verdict 落到 incomplete。
type Summary struct {
	TotalPoints          int             `json:"total_points"`
	Bricks               int             `json:"bricks"`
	Recoveries           int             `json:"recoveries"`
	BrickRate            float64         `json:"brick_rate"`
	DiscardedNoFault     int             `json:"discarded_no_fault_fired"`
	FailureOutcomes      map[string]int  `json:"failure_outcomes"`
	FailureCategories    map[string]int  `json:"failure_categories"`
	Failures             []FailureDetail `json:"failures,omitempty"`
	PointErrors          int             `json:"point_errors"`
	WorkerFailures       []string        `json:"worker_failures,omitempty"`
	FastPathViolations   uint64          `json:"fast_path_violations"`
	Control              *ControlInfo    `json:"control,omitempty"`
	Verdict              string          `json:"verdict"`
}

// CalibrationInfo 校准观测值
type CalibrationInfo struct {
	TotalWrites uint64 `json:"total_writes"`
	TotalErases uint64 `json:"total_erases"`
	Steps       uint64 `json:"steps"`
	ExecDigest  string `json:"calibration_exec_digest"`
}

// Meta 报告执行元数据
type Meta struct {
	Engine  string `json:"engine"`
	Profile string `json:"profile,omitempty"`
	RunUTC  string `json:"run_utc"`
	Workers int    `json:"workers"`
}

// Report 完整活动报告
type Report struct {
	Meta        Meta               `json:"meta"`
	Calibration CalibrationInfo    `json:"calibration"`
	Selection   *heuristic.Summary `json:"selection,omitempty"`
	Records     []Record           `json:"records"`
	Summary     Summary            `json:"summary"`
}

// verdict 取值
const (
	VerdictPass       = "pass"
	VerdictFail       = "fail"
	VerdictIncomplete = "incomplete"
)
