package heuristic

import (
	"sort"

	"otaaudit/pkg/trace"
)

// Tier 风险分层: 分层决定采样密度
type Tier int

const (
	// TierExhaustive 元数据/trailer 区与不连续窗口: 逐点测试
	TierExhaustive Tier = iota + 1
	// TierDense 槽位边界页: 小步长抽样
	TierDense
	// TierSparse 批量拷贝区: 大步长抽样
	TierSparse
)

func (t Tier) String() string {
	switch t {
	case TierExhaustive:
		return "exhaustive"
	case TierDense:
		return "dense"
	case TierSparse:
		return "sparse"
	}
	return "unknown"
}

// Slot 一个固件槽位的闪存区间 [Base, Base+Size)
type Slot struct {
	Name string
	Base uint32
	Size uint32
}

// Config 分层参数。零值字段按惯例默认值补齐。
type Config struct {
	PageSize uint32
	// Tier2Step 边界页区每隔几个写测一个
	Tier2Step int
	// Tier3Step 批量区每隔几个写测一个
	Tier3Step int
	// DiscontinuityWindow 不连续点前后纳入逐点测试的写数量
	DiscontinuityWindow int
}

func (c *Config) normalize() {
	if c.PageSize == 0 {
		c.PageSize = 4096
	}
	if c.Tier2Step == 0 {
		c.Tier2Step = 3
	}
	if c.Tier3Step == 0 {
		c.Tier3Step = 100
	}
	if c.DiscontinuityWindow == 0 {
		c.DiscontinuityWindow = 3
	}
}

// Plan 选择结果
type Plan struct {
	// Points 升序候选故障序号 (1 起始, 与跟踪器一致)
	Points []uint64
	// TierOf 每个写序号归属的唯一分层
	TierOf  map[uint64]Tier
	Summary Summary
}

// Summary 选择统计, 与校准轨迹一起进入报告
type Summary struct {
	TotalWrites         uint64  `json:"total_writes"`
	TrailerWrites       uint64  `json:"trailer_writes"`
	BulkWrites          uint64  `json:"bulk_writes"`
	SelectedFaultPoints uint64  `json:"selected_fault_points"`
	ReductionRatio      float64 `json:"reduction_ratio"`
}

type span struct{ start, end uint32 }

func inAny(off uint32, spans []span) bool {
	for _, s := range spans {
		if s.start <= off && off < s.end {
			return true
		}
	}
	return false
}

// Classify 把校准写轨迹按目标地址划入风险分层并产出候选故障点列表。
// 规则:
//   - 槽位末页 (trailer) 的写 → 逐点
//   - 相邻写之间地址跳变超过一页的不连续窗口 → 逐点
//   - 槽位首页/末页 (边界页) 的写 → 每 Tier2Step 取一
//   - 其余批量拷贝写 → 每 Tier3Step 取一
//   - 整条轨迹的首尾序号必选
//
// 未入选的序号按构造被认定低风险, 这是覆盖率与成本的显式取舍, 不是安全证明。
func Classify(tr *trace.Trace, slots []Slot, cfg Config) *Plan {
	cfg.normalize()
	plan := &Plan{TierOf: make(map[uint64]Tier)}
	if tr == nil || len(tr.Writes) == 0 {
		return plan
	}

	var trailers, boundaries []span
	for _, s := range slots {
		end := s.Base + s.Size
		trailers = append(trailers, span{end - cfg.PageSize, end})
		boundaries = append(boundaries,
			span{s.Base, s.Base + cfg.PageSize},
			span{end - cfg.PageSize, end})
	}

	// 第一遍: 找出不连续窗口
	discont := make(map[int]bool)
	for i := 1; i < len(tr.Writes); i++ {
		prev := int64(tr.Writes[i-1].Offset)
		cur := int64(tr.Writes[i].Offset)
		jump := cur - prev
		if jump < 0 {
			jump = -jump
		}
		if jump > int64(cfg.PageSize) {
			lo := i - cfg.DiscontinuityWindow
			if lo < 0 {
				lo = 0
			}
			hi := i + cfg.DiscontinuityWindow
			if hi >= len(tr.Writes) {
				hi = len(tr.Writes) - 1
			}
			for j := lo; j <= hi; j++ {
				discont[j] = true
			}
		}
	}

	// 第二遍: 每个写归属唯一分层
	var tier2, tier3 []uint64
	selected := make(map[uint64]bool)
	for i, w := range tr.Writes {
		switch {
		case inAny(w.Offset, trailers):
			plan.TierOf[w.Index] = TierExhaustive
			selected[w.Index] = true
			plan.Summary.TrailerWrites++
		case discont[i]:
			plan.TierOf[w.Index] = TierExhaustive
			selected[w.Index] = true
		case inAny(w.Offset, boundaries):
			plan.TierOf[w.Index] = TierDense
			tier2 = append(tier2, w.Index)
		default:
			plan.TierOf[w.Index] = TierSparse
			tier3 = append(tier3, w.Index)
		}
	}

	for i, idx := range tier2 {
		if i%cfg.Tier2Step == 0 {
			selected[idx] = true
		}
	}
	for i, idx := range tier3 {
		if i%cfg.Tier3Step == 0 {
			selected[idx] = true
		}
	}

	// 首尾必选
	selected[tr.Writes[0].Index] = true
	selected[tr.Writes[len(tr.Writes)-1].Index] = true

	for idx := range selected {
		plan.Points = append(plan.Points, idx)
	}
	sort.Slice(plan.Points, func(i, j int) bool { return plan.Points[i] < plan.Points[j] })

	plan.Summary.TotalWrites = tr.TotalWrites()
	plan.Summary.BulkWrites = plan.Summary.TotalWrites - plan.Summary.TrailerWrites
	plan.Summary.SelectedFaultPoints = uint64(len(plan.Points))
	if plan.Summary.TotalWrites > 0 {
		plan.Summary.ReductionRatio = float64(len(plan.Points)) / float64(plan.Summary.TotalWrites)
	}
	return plan
}
