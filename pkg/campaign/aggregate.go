package campaign

import (
	"sort"
	"strconv"
	"strings"

	"otaaudit/pkg/boot"
	"otaaudit/pkg/fault"
)

// aggregate 按 FaultSpec 身份做与到达顺序无关的合并, 计算砖数/砖率、
// 失败归类与最终 verdict。对照点与未注入点按 fail-closed 原则剔除出统计。
func (o *Orchestrator) aggregate(records []Record, workerErrs []string) Summary {
	sum := Summary{
		FailureOutcomes:    map[string]int{},
		FailureCategories:  map[string]int{},
		WorkerFailures:     workerErrs,
		FastPathViolations: o.fastPath,
	}

	// 合并顺序只由身份决定
	sorted := append([]Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].FaultType != sorted[j].FaultType {
			return sorted[i].FaultType < sorted[j].FaultType
		}
		return sorted[i].FaultAt < sorted[j].FaultAt
	})

	var control *Record
	for i := range sorted {
		r := sorted[i]
		if r.IsControl {
			control = &sorted[i]
			continue
		}
		if r.Error != "" {
			sum.PointErrors++
			continue
		}
		// fail-closed: 故障没真正触发的点不进砖率
		if !r.FaultInjected {
			sum.DiscardedNoFault++
			continue
		}
		sum.TotalPoints++
		if r.BootOutcome == boot.OutcomeSuccess.String() {
			sum.Recoveries++
			continue
		}
		sum.Bricks++
		sum.FailureOutcomes[r.BootOutcome]++
		sum.FailureCategories[o.categorize(&sum, r)]++
	}
	if sum.TotalPoints > 0 {
		sum.BrickRate = float64(sum.Bricks) / float64(sum.TotalPoints)
	}

	if control != nil {
		sum.Control = &ControlInfo{
			BootOutcome:   control.BootOutcome,
			BootSlot:      control.BootSlot,
			FaultInjected: control.FaultInjected,
			OK: !control.FaultInjected &&
				control.BootOutcome == boot.OutcomeSuccess.String() &&
				control.Error == "",
		}
	}

	sum.Verdict = o.verdict(&sum)
	return sum
}

// categorize 单点失败归类: 目标区域 (trailer 优先于 data) × 更新进度段。
// trailer 紧贴槽尾, 先查 trailer 才能拿到更具体的分类。
func (o *Orchestrator) categorize(sum *Summary, r Record) string {
	region := "unknown"
	if addr, ok := parseHexAddr(r.FaultAddress); ok {
		pageSize := o.cfg.RegionCfg.PageSize
		if pageSize == 0 {
			pageSize = 4096
		}
		for _, s := range o.criteria.Slots {
			end := s.Base + s.Size
			if end-pageSize <= addr && addr < end {
				region = s.Name + "_trailer"
				break
			}
			if s.Base <= addr && addr < end {
				region = s.Name + "_data"
				break
			}
		}
	}

	// 写/擦锚定的故障以总写数为进度基准; 步数锚定的复位以校准步数为基准
	phase := "mid"
	denom := o.tr.TotalWrites()
	if r.FaultType == fault.ModeResetAtTime.String() {
		denom = o.calibSteps
	}
	pct := 0.0
	if denom > 0 {
		pct = float64(r.FaultAt) / float64(denom)
	}
	if pct < 0.01 {
		phase = "early"
	} else if pct > 0.99 {
		phase = "late"
	}

	sum.Failures = append(sum.Failures, FailureDetail{
		FaultAt:      r.FaultAt,
		Outcome:      r.BootOutcome,
		FaultAddress: r.FaultAddress,
		Region:       region,
		Phase:        phase,
		PositionPct:  float64(int(pct*10000)) / 100,
	})
	return region + "/" + phase
}

// verdict 判定规则:
//   - 任何 worker 失败、单点评估出错或对照点异常 → incomplete,
//     绝不与 "没发现砖" 混淆
//   - 期望发现问题的目标: 砖率达到阈值才 pass
//   - 期望健壮的目标: 零砖才 pass
func (o *Orchestrator) verdict(sum *Summary) string {
	if len(sum.WorkerFailures) > 0 || sum.PointErrors > 0 {
		return VerdictIncomplete
	}
	if o.cfg.ControlRun && (sum.Control == nil || !sum.Control.OK) {
		return VerdictIncomplete
	}
	if o.cfg.Expect.ShouldFindIssues {
		if sum.Bricks > 0 && sum.BrickRate >= o.cfg.Expect.BrickRateMin {
			return VerdictPass
		}
		return VerdictFail
	}
	if sum.Bricks == 0 {
		return VerdictPass
	}
	return VerdictFail
}

func parseHexAddr(s string) (uint32, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
