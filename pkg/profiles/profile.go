// Package profiles 装载并校验审计目标的 YAML 描述 (schema v1):
// 内存布局、槽位几何、成功判据、故障扫描参数与结果期望。
package profiles

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v2"

	"otaaudit/pkg/fault"
)

// SupportedSchemaVersion 当前支持的 profile 格式版本
const SupportedSchemaVersion = 1

// 合法的 scenario 取值
const (
	ScenarioRuntime    = "runtime"
	ScenarioResilient  = "resilient"
	ScenarioVulnerable = "vulnerable"
)

// SlotSpec 一个固件槽位
type SlotSpec struct {
	Base HexUint32 `yaml:"base"`
	Size HexUint32 `yaml:"size"`
}

// SRAMSpec SRAM 地址区间
type SRAMSpec struct {
	Start HexUint32 `yaml:"start"`
	End   HexUint32 `yaml:"end"`
}

// MemorySpec 目标内存布局
type MemorySpec struct {
	FlashBase  HexUint32           `yaml:"flash_base"`
	FlashSize  HexUint32           `yaml:"flash_size"`
	WordSize   HexUint32           `yaml:"write_granularity"`
	SectorSize HexUint32           `yaml:"sector_size"`
	PageSize   HexUint32           `yaml:"page_size"`
	SRAM       SRAMSpec            `yaml:"sram"`
	Slots      map[string]SlotSpec `yaml:"slots"`
	MetaBase   HexUint32           `yaml:"meta_base"`
}

// ImageSpec 槽位合成镜像参数: 确定性填充字节与镜像长度
type ImageSpec struct {
	Fill HexUint32 `yaml:"fill"`
	Size HexUint32 `yaml:"size"`
}

// PreBootState 出厂预置状态: 哪份元数据副本有效以及其起始 seq
type PreBootState struct {
	// SeedMeta 关闭后闪存里没有任何有效副本 (裸出厂)
	SeedMeta    *bool  `yaml:"seed_meta"`
	MetaReplica int    `yaml:"meta_replica"`
	MetaSeq     uint32 `yaml:"meta_seq"`
}

// SeedMetaEnabled 出厂副本默认预置
func (s PreBootState) SeedMetaEnabled() bool {
	if s.SeedMeta == nil {
		return true
	}
	return *s.SeedMeta
}

// SuccessCriteria 引导成功判据
type SuccessCriteria struct {
	VTORInSlot    bool      `yaml:"vtor_in_slot"`
	PCInSlot      bool      `yaml:"pc_in_slot"`
	MarkerAddress HexUint32 `yaml:"marker_address"`
	MarkerValue   HexUint32 `yaml:"marker_value"`
	// ImageHash 开启后用校准时的干净镜像指纹做发现式校验
	ImageHash bool `yaml:"image_hash"`
}

// FaultSweep 扫描参数
type FaultSweep struct {
	FaultTypes []string `yaml:"fault_types"`
	// MaxWrites "auto" 表示扫到校准测得的总写数
	MaxWrites    AutoUint `yaml:"max_writes"`
	MaxWritesCap uint64   `yaml:"max_writes_cap"`
	MaxStepLimit uint64   `yaml:"max_step_limit"`
	// SweepStrategy heuristic 或 exhaustive
	SweepStrategy       string `yaml:"sweep_strategy"`
	Tier2Step           int    `yaml:"tier2_step"`
	Tier3Step           int    `yaml:"tier3_step"`
	DiscontinuityWindow int    `yaml:"discontinuity_window"`
	Lookahead           uint64 `yaml:"lookahead"`
	// EvaluationMode replay / execute / auto
	EvaluationMode    string `yaml:"evaluation_mode"`
	ControlRun        *bool  `yaml:"control_run"`
	ZeroActivityBound uint64 `yaml:"zero_activity_bound"`
}

// Expect 结果期望: 判定通过/失败的基准
type Expect struct {
	ShouldFindIssues bool    `yaml:"should_find_issues"`
	BrickRateMin     float64 `yaml:"brick_rate_min"`
}

// Profile 一份完整的审计目标描述
type Profile struct {
	SchemaVersion   int             `yaml:"schema_version"`
	Name            string          `yaml:"name"`
	Description     string          `yaml:"description"`
	Scenario        string          `yaml:"scenario"`
	Memory          MemorySpec      `yaml:"memory"`
	// Images 每个槽位的出厂镜像参数, 键必须是 memory.slots 里的槽名
	Images          map[string]ImageSpec `yaml:"images"`
	PreBootState    PreBootState         `yaml:"pre_boot_state"`
	SuccessCriteria SuccessCriteria      `yaml:"success_criteria"`
	FaultSweep      FaultSweep           `yaml:"fault_sweep"`
	Expect          Expect               `yaml:"expect"`
	Workers         int                  `yaml:"workers"`
}

// Load 读取并校验一份 profile 文件
func Load(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return Parse(raw)
}

// Parse 解析并校验 profile 内容
func Parse(raw []byte) (*Profile, error) {
	var p Profile
	if err := yaml.UnmarshalStrict(raw, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate 校验约束。未知故障类型只告警不报错, 以便新旧版本互通。
func (p *Profile) Validate() error {
	if p.SchemaVersion != SupportedSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (want %d)", p.SchemaVersion, SupportedSchemaVersion)
	}
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	switch p.Scenario {
	case ScenarioRuntime, ScenarioResilient, ScenarioVulnerable:
	default:
		return fmt.Errorf("invalid scenario %q", p.Scenario)
	}
	if len(p.Memory.Slots) == 0 {
		return fmt.Errorf("memory.slots must not be empty")
	}
	if p.Memory.FlashSize.IsZero() || p.Memory.SectorSize.IsZero() {
		return fmt.Errorf("memory.flash_size and memory.sector_size are required")
	}
	for name, s := range p.Memory.Slots {
		if s.Size.IsZero() {
			return fmt.Errorf("slot %q has zero size", name)
		}
		base := s.Base.Value()
		fb := p.Memory.FlashBase.Value()
		if base < fb || base+s.Size.Value() > fb+p.Memory.FlashSize.Value() {
			return fmt.Errorf("slot %q outside flash range", name)
		}
	}
	for name := range p.Images {
		if _, ok := p.Memory.Slots[name]; !ok {
			return fmt.Errorf("images.%s does not match any slot", name)
		}
	}
	if r := p.PreBootState.MetaReplica; r < 0 || r > 1 {
		return fmt.Errorf("pre_boot_state.meta_replica must be 0 or 1, got %d", r)
	}
	switch p.FaultSweep.SweepStrategy {
	case "", "heuristic", "exhaustive":
	default:
		return fmt.Errorf("invalid sweep_strategy %q", p.FaultSweep.SweepStrategy)
	}
	switch p.FaultSweep.EvaluationMode {
	case "", "auto", "replay", "execute":
	default:
		return fmt.Errorf("invalid evaluation_mode %q", p.FaultSweep.EvaluationMode)
	}
	return nil
}

// FaultModes 解析扫描的故障类型列表; 未知名称告警后跳过。
// 列表为空时使用 power_loss 单模式。
func (p *Profile) FaultModes() []fault.Mode {
	if len(p.FaultSweep.FaultTypes) == 0 {
		return []fault.Mode{fault.ModePowerLoss}
	}
	var modes []fault.Mode
	for _, name := range p.FaultSweep.FaultTypes {
		m, err := fault.ParseMode(name)
		if err != nil {
			log.Printf("[Profile] 未知故障类型 %q, 跳过", name)
			continue
		}
		modes = append(modes, m)
	}
	if len(modes) == 0 {
		modes = []fault.Mode{fault.ModePowerLoss}
	}
	return modes
}

// ControlRunEnabled 控制点默认开启
func (p *Profile) ControlRunEnabled() bool {
	if p.FaultSweep.ControlRun == nil {
		return true
	}
	return *p.FaultSweep.ControlRun
}
