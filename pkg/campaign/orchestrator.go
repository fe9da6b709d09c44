package campaign

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"otaaudit/pkg/boot"
	"otaaudit/pkg/fault"
	"otaaudit/pkg/heuristic"
	"otaaudit/pkg/trace"
)

// 对照点的序号偏移: 远超总写数, 任何故障都不该触发
const controlIndexMargin = 1000

// reset_at_time 在校准步数预算上均匀取的点数
const resetTimePoints = 16

// Orchestrator 驱动完整活动: 校准 → 选点 → 扫描 → 聚合。
// 校准轨迹与基线镜像冻结后只读共享给全部 worker。
type Orchestrator struct {
	cfg   Config
	phase atomic.Int32

	baseline   []byte
	tr         *trace.Trace
	calib      CalibrationInfo
	calibSteps uint64
	fastPath   uint64
	classifier *boot.Classifier
	criteria   boot.Criteria
	selection  *heuristic.Summary
}

// New 校验配置并构造编排器
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Phase 返回当前阶段 (跨 goroutine 可观测)
func (o *Orchestrator) Phase() Phase {
	return Phase(o.phase.Load())
}

func (o *Orchestrator) setPhase(p Phase) {
	o.phase.Store(int32(p))
	log.Printf("[Campaign] 进入阶段: %s", p)
}

// Run 执行整个活动并产出报告
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		Meta: Meta{
			Engine:  "otaaudit",
			Profile: o.cfg.ProfileName,
			RunUTC:  time.Now().UTC().Format(time.RFC3339),
			Workers: o.cfg.Workers,
		},
	}

	if err := o.calibrate(); err != nil {
		return nil, err
	}
	report.Calibration = o.calib

	o.setPhase(PhaseSelecting)
	candidates, err := o.selectCandidates()
	if err != nil {
		return nil, err
	}
	report.Selection = o.selection
	log.Printf("[Campaign] 候选故障点 %d 个, 故障模式 %d 种", len(candidates), len(o.cfg.Modes))

	o.setPhase(PhaseSweeping)
	records, workerErrs := o.sweep(ctx, candidates)

	if o.cfg.ControlRun {
		ctl, err := o.runControl()
		if err != nil {
			workerErrs = append(workerErrs, fmt.Sprintf("control: %v", err))
		} else {
			records = append(records, ctl)
		}
	}

	o.setPhase(PhaseAggregating)
	report.Records = records
	report.Summary = o.aggregate(records, workerErrs)

	o.setPhase(PhaseDone)
	log.Printf("[Campaign] 完成: %d 点, %d 砖, verdict=%s",
		report.Summary.TotalPoints, report.Summary.Bricks, report.Summary.Verdict)
	return report, nil
}

// calibrate 一次无故障完整运行: always-diff + 录制,
// 产出操作总数、轨迹、基线镜像与干净引导的期望指纹。
func (o *Orchestrator) calibrate() error {
	o.setPhase(PhaseCalibrating)

	t, err := o.cfg.Factory()
	if err != nil {
		return fmt.Errorf("campaign: build calibration target: %w", err)
	}
	region := t.Ctl.Region()

	// 阶段 1 开始前的镜像是回放的基线
	o.baseline = region.Bytes()

	rec := trace.NewRecorder()
	t.Ctl.SetAlwaysDiff(true)
	t.Ctl.AttachRecorder(rec)
	t.UseUpdate()
	stats, err := t.Machine.Run(o.cfg.StepLimit)
	if err != nil {
		return fmt.Errorf("campaign: calibration run: %w", err)
	}
	if !stats.Halted {
		return fmt.Errorf("%w: step limit %d exhausted", ErrCalibrationFailed, o.cfg.StepLimit)
	}
	t.Ctl.AttachRecorder(nil)
	o.tr = rec.Freeze()
	o.calibSteps = stats.Steps
	o.fastPath = t.Ctl.FastPathViolations()

	if o.tr.TotalWrites() != t.Ctl.TotalWrites() || o.tr.TotalErases() != t.Ctl.TotalErases() {
		return fmt.Errorf("%w: trace/counter mismatch (%d/%d vs %d/%d)", ErrCalibrationFailed,
			o.tr.TotalWrites(), o.tr.TotalErases(), t.Ctl.TotalWrites(), t.Ctl.TotalErases())
	}

	// 干净更新后的槽位指纹是 wrong_image 判定的期望值
	o.criteria = o.cfg.Criteria
	if o.cfg.ImageHash {
		probe := boot.NewClassifier(o.criteria)
		digests := make(map[int]uint64, len(o.criteria.Slots))
		for i := range o.criteria.Slots {
			d, err := probe.SlotDigest(region, i)
			if err != nil {
				return fmt.Errorf("campaign: slot %d digest: %w", i, err)
			}
			digests[i] = d
		}
		o.criteria.ExpectedDigest = digests
	}
	o.classifier = boot.NewClassifier(o.criteria)

	// 干净恢复引导必须成功, 否则判据或目标配置有误
	t.Machine.Reset()
	t.UseBoot()
	if _, err := t.Machine.Run(o.cfg.StepLimit); err != nil {
		return fmt.Errorf("campaign: calibration boot: %w", err)
	}
	sig := o.classifier.Classify(t.Machine, region)
	if sig.Outcome != boot.OutcomeSuccess {
		return fmt.Errorf("%w: clean boot classified %s", ErrCalibrationFailed, sig.Outcome)
	}

	o.calib = CalibrationInfo{
		TotalWrites: o.tr.TotalWrites(),
		TotalErases: o.tr.TotalErases(),
		Steps:       stats.Steps,
	}
	if d, err := o.classifier.SlotDigest(region, sig.BootSlot); err == nil {
		o.calib.ExecDigest = fmt.Sprintf("%016x", d)
	}
	log.Printf("[Campaign] 校准完成: writes=%d erases=%d steps=%d boot_slot=%d",
		o.calib.TotalWrites, o.calib.TotalErases, stats.Steps, sig.BootSlot)
	return nil
}

// heuristicSlots 把判据里的总线槽位换算成闪存偏移视角
func (o *Orchestrator) heuristicSlots() []heuristic.Slot {
	var slots []heuristic.Slot
	for _, s := range o.criteria.Slots {
		slots = append(slots, heuristic.Slot{
			Name: s.Name,
			Base: s.Base - o.criteria.FlashBase,
			Size: s.Size,
		})
	}
	return slots
}

// selectCandidates 产出全部候选 FaultSpec:
// 写类模式 × (启发式或穷举的写序号), 擦除类模式 × 全部擦除序号,
// reset_at_time × 均匀步数点。
func (o *Orchestrator) selectCandidates() ([]fault.Spec, error) {
	maxIdx := o.tr.TotalWrites()
	if o.cfg.MaxWrites > 0 && o.cfg.MaxWrites < maxIdx {
		maxIdx = o.cfg.MaxWrites
	}

	var writeIndices []uint64
	if o.cfg.Strategy == "heuristic" {
		plan := heuristic.Classify(o.tr, o.heuristicSlots(), o.cfg.Heuristic)
		for _, idx := range plan.Points {
			if idx <= maxIdx {
				writeIndices = append(writeIndices, idx)
			}
		}
		o.selection = &plan.Summary
	} else {
		for idx := uint64(1); idx <= maxIdx; idx++ {
			writeIndices = append(writeIndices, idx)
		}
	}

	var specs []fault.Spec
	for _, mode := range o.cfg.Modes {
		switch {
		case mode.TargetsWrite():
			for _, idx := range writeIndices {
				specs = append(specs, fault.Spec{Index: idx, Mode: mode})
			}
		case mode.TargetsErase():
			for idx := uint64(1); idx <= o.tr.TotalErases(); idx++ {
				specs = append(specs, fault.Spec{Index: idx, Mode: mode})
			}
		case mode == fault.ModeResetAtTime:
			points := uint64(resetTimePoints)
			if o.calibSteps < points {
				points = o.calibSteps
			}
			seen := map[uint64]bool{}
			for i := uint64(1); i <= points; i++ {
				step := o.calibSteps * i / (points + 1)
				if step == 0 || seen[step] {
					continue
				}
				seen[step] = true
				specs = append(specs, fault.Spec{Mode: mode, ResetAtStep: step})
			}
		}
	}
	if len(specs) == 0 {
		return nil, ErrNoCandidates
	}
	return specs, nil
}

// sweep 把候选列表切块分给 worker 池。worker 只通过
// (FaultSpec 入, Record 出) 交互; 单个 worker 失败不拖垮其他分区,
// 但必须在汇总里以不完整覆盖的形式暴露出来。
func (o *Orchestrator) sweep(ctx context.Context, candidates []fault.Spec) ([]Record, []string) {
	workers := o.cfg.Workers
	if workers > len(candidates) {
		workers = len(candidates)
	}
	chunks := partition(candidates, workers)
	results := make([][]Record, len(chunks))
	errs := make([]string, len(chunks))

	g, ctx := errgroup.WithContext(ctx)
	for wi, chunk := range chunks {
		wi, chunk := wi, chunk
		g.Go(func() error {
			t, err := o.cfg.Factory()
			if err != nil {
				errs[wi] = fmt.Sprintf("worker %d: build target: %v", wi, err)
				return nil
			}
			runner := &pointRunner{o: o}
			for _, spec := range chunk {
				if ctx.Err() != nil {
					errs[wi] = fmt.Sprintf("worker %d: canceled with %d points left", wi, remaining(chunk, spec))
					return nil
				}
				results[wi] = append(results[wi], runner.run(t, spec, false))
			}
			return nil
		})
	}
	_ = g.Wait()

	var records []Record
	var workerErrs []string
	for wi := range chunks {
		records = append(records, results[wi]...)
		if errs[wi] != "" {
			log.Printf("[Campaign] %s", errs[wi])
			workerErrs = append(workerErrs, errs[wi])
		}
	}
	return records, workerErrs
}

// runControl 对照点: 故障序号远超总写数, 必须不注入且干净引导,
// 否则说明注入或判定通路本身有问题。
func (o *Orchestrator) runControl() (Record, error) {
	t, err := o.cfg.Factory()
	if err != nil {
		return Record{}, err
	}
	mode := fault.ModePowerLoss
	for _, m := range o.cfg.Modes {
		if m.TargetsWrite() {
			mode = m
			break
		}
	}
	spec := fault.Spec{Index: o.tr.TotalWrites() + controlIndexMargin, Mode: mode}
	runner := &pointRunner{o: o, forceExecute: true}
	return runner.run(t, spec, true), nil
}

func partition(specs []fault.Spec, n int) [][]fault.Spec {
	if n <= 1 {
		return [][]fault.Spec{specs}
	}
	chunks := make([][]fault.Spec, 0, n)
	size := (len(specs) + n - 1) / n
	for i := 0; i < len(specs); i += size {
		end := i + size
		if end > len(specs) {
			end = len(specs)
		}
		chunks = append(chunks, specs[i:end])
	}
	return chunks
}

func remaining(chunk []fault.Spec, cur fault.Spec) int {
	for i, s := range chunk {
		if s == cur {
			return len(chunk) - i
		}
	}
	return 0
}
