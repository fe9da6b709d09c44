package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"otaaudit/pkg/boot"
	"otaaudit/pkg/bootmodel"
	"otaaudit/pkg/campaign"
	"otaaudit/pkg/emulator"
	"otaaudit/pkg/heuristic"
	"otaaudit/pkg/nvm"
	"otaaudit/pkg/profiles"
)

// 命令行参数
var (
	profilePath = flag.String("profile", "", "Audit profile YAML path (required)")
	outputPath  = flag.String("output", "", "Report output path (default: ./audit_reports/<timestamp>_<name>.json)")
	workers     = flag.Int("workers", 0, "Number of concurrent workers (overrides profile)")
	stepLimit   = flag.Uint64("step-limit", 0, "Per-run step budget (overrides profile)")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	dryRun      = flag.Bool("dry-run", false, "Dry run - only parse and display the profile")
)

func main() {
	flag.Parse()

	// 设置日志
	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else {
		log.SetFlags(log.LstdFlags)
	}

	// 验证必需参数
	if *profilePath == "" {
		fmt.Fprintf(os.Stderr, "Error: Missing required -profile\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// 加载 profile
	profile, err := profiles.Load(*profilePath)
	if err != nil {
		log.Fatalf("Failed to load profile: %v", err)
	}
	printProfile(profile)

	// Dry run模式
	if *dryRun {
		log.Println("Dry run complete, not sweeping")
		return
	}

	cfg, err := buildConfig(profile)
	if err != nil {
		log.Fatalf("Failed to build campaign config: %v", err)
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *stepLimit > 0 {
		cfg.StepLimit = *stepLimit
	}

	orch, err := campaign.New(*cfg)
	if err != nil {
		log.Fatalf("Failed to create campaign: %v", err)
	}

	// 设置信号处理
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("\nReceived interrupt signal, stopping...")
		cancel()
	}()

	log.Printf("Starting campaign for profile: %s (%s)", profile.Name, profile.Scenario)
	startTime := time.Now()

	report, err := orch.Run(ctx)
	if err != nil {
		log.Fatalf("Campaign failed: %v", err)
	}
	duration := time.Since(startTime)

	printSummary(report, duration)

	// 保存报告
	outputFile := *outputPath
	if outputFile == "" {
		outputFile = generateOutputPath(profile.Name)
	}
	if err := saveReport(report, outputFile); err != nil {
		log.Fatalf("Failed to save report: %v", err)
	}
	log.Printf("Report saved to: %s", outputFile)

	if report.Summary.Verdict != campaign.VerdictPass {
		os.Exit(2)
	}
}

// buildConfig 把 profile 描述翻译成活动配置与目标工厂
func buildConfig(p *profiles.Profile) (*campaign.Config, error) {
	mem := p.Memory
	regionCfg := nvm.RegionConfig{
		Size:       mem.FlashSize.Value(),
		WordSize:   mem.WordSize.Value(),
		SectorSize: mem.SectorSize.Value(),
		PageSize:   mem.PageSize.Value(),
	}
	if regionCfg.WordSize == 0 {
		regionCfg.WordSize = 4
	}

	slots := sortedSlots(p)
	criteria := boot.Criteria{
		FlashBase:   mem.FlashBase.Value(),
		Slots:       slots,
		SRAMStart:   mem.SRAM.Start.Value(),
		SRAMEnd:     mem.SRAM.End.Value(),
		VTORInSlot:  p.SuccessCriteria.VTORInSlot,
		PCInSlot:    p.SuccessCriteria.PCInSlot,
		MarkerAddr:  p.SuccessCriteria.MarkerAddress.Value(),
		MarkerValue: p.SuccessCriteria.MarkerValue.Value(),
	}

	layout, err := buildLayout(p, slots)
	if err != nil {
		return nil, err
	}
	update, bootProg, err := scenarioPrograms(p, layout)
	if err != nil {
		return nil, err
	}

	sweep := p.FaultSweep
	maxWrites := sweep.MaxWrites.Value
	if sweep.MaxWrites.Auto {
		maxWrites = sweep.MaxWritesCap
	}
	cfg := &campaign.Config{
		Factory:   newTargetFactory(p, layout, regionCfg, slots, update, bootProg),
		RegionCfg: regionCfg,
		Criteria:  criteria,
		Modes:     p.FaultModes(),
		Strategy:  sweep.SweepStrategy,
		Heuristic: heuristic.Config{
			PageSize:            regionCfg.PageSize,
			Tier2Step:           sweep.Tier2Step,
			Tier3Step:           sweep.Tier3Step,
			DiscontinuityWindow: sweep.DiscontinuityWindow,
		},
		Lookahead:         sweep.Lookahead,
		StepLimit:         sweep.MaxStepLimit,
		ZeroActivityBound: sweep.ZeroActivityBound,
		EvaluationMode:    sweep.EvaluationMode,
		ControlRun:        p.ControlRunEnabled(),
		MaxWrites:         maxWrites,
		ImageHash:         p.SuccessCriteria.ImageHash,
		Workers:           p.Workers,
		Expect: campaign.Expect{
			ShouldFindIssues: p.Expect.ShouldFindIssues,
			BrickRateMin:     p.Expect.BrickRateMin,
		},
		ProfileName: p.Name,
	}
	if cfg.StepLimit == 0 {
		cfg.StepLimit = 1 << 20
	}
	return cfg, nil
}

// sortedSlots 槽位按基址升序, 让槽编号在不同运行间稳定
func sortedSlots(p *profiles.Profile) []boot.Slot {
	var slots []boot.Slot
	for name, s := range p.Memory.Slots {
		slots = append(slots, boot.Slot{Name: name, Base: s.Base.Value(), Size: s.Size.Value()})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Base < slots[j].Base })
	return slots
}

func buildLayout(p *profiles.Profile, slots []boot.Slot) (bootmodel.Layout, error) {
	l := bootmodel.Layout{
		FlashBase:   p.Memory.FlashBase.Value(),
		SectorSize:  p.Memory.SectorSize.Value(),
		MetaBase:    p.Memory.MetaBase.Value(),
		SRAMStart:   p.Memory.SRAM.Start.Value(),
		SRAMEnd:     p.Memory.SRAM.End.Value(),
		MarkerAddr:  p.SuccessCriteria.MarkerAddress.Value(),
		MarkerValue: p.SuccessCriteria.MarkerValue.Value(),
	}
	switch len(slots) {
	case 1:
		l.SlotBase = [2]uint32{slots[0].Base, slots[0].Base}
		l.SlotSize = slots[0].Size
	case 2:
		l.SlotBase = [2]uint32{slots[0].Base, slots[1].Base}
		l.SlotSize = slots[0].Size
	default:
		return l, fmt.Errorf("scenario models support 1 or 2 slots, got %d", len(slots))
	}
	if p.Scenario != profiles.ScenarioVulnerable && l.MetaBase == 0 {
		return l, fmt.Errorf("scenario %q requires memory.meta_base", p.Scenario)
	}
	return l, nil
}

// scenarioPrograms 选择 profile 场景对应的参考更新器与引导程序:
//   - runtime:    元数据最小提交 + A/B 恢复引导
//   - resilient:  完整镜像更新 + A/B 恢复引导
//   - vulnerable: 朴素单槽拷贝 + 单槽引导
func scenarioPrograms(p *profiles.Profile, l bootmodel.Layout) (emulator.Program, emulator.Program, error) {
	imgSize := l.SectorSize
	if imgSize > l.SlotSize {
		imgSize = l.SlotSize
	}
	switch p.Scenario {
	case profiles.ScenarioRuntime:
		return bootmodel.MetaOnlyUpdate(l), bootmodel.ResilientBoot(l), nil
	case profiles.ScenarioResilient:
		img := bootmodel.MakeImage(l, 1, 0xD0, imgSize)
		return bootmodel.FullUpdate(l, img), bootmodel.ResilientBoot(l), nil
	case profiles.ScenarioVulnerable:
		img := bootmodel.MakeImage(l, 0, 0xC0, imgSize)
		return bootmodel.NaiveUpdate(l, img), bootmodel.NaiveBoot(l), nil
	}
	return nil, nil, fmt.Errorf("unsupported scenario %q", p.Scenario)
}

// factoryImage 槽位出厂镜像参数: profile images 段优先, 否则按槽位取默认值
func factoryImage(p *profiles.Profile, l bootmodel.Layout, slots []boot.Slot, slot int) (byte, uint32) {
	fill := byte(0xA0 + 0x10*slot)
	size := l.SectorSize
	if size > l.SlotSize {
		size = l.SlotSize
	}
	if slot < len(slots) {
		if spec, ok := p.Images[slots[slot].Name]; ok {
			if !spec.Fill.IsZero() {
				fill = byte(spec.Fill.Value())
			}
			if !spec.Size.IsZero() && spec.Size.Value() <= l.SlotSize {
				size = spec.Size.Value()
			}
		}
	}
	return fill, size
}

// newTargetFactory 出厂状态: 槽位各有可引导镜像, pre_boot_state 指定的
// 副本预置有效元数据。每个 worker 独享一套存储、控制器与机器。
func newTargetFactory(p *profiles.Profile, l bootmodel.Layout, regionCfg nvm.RegionConfig,
	slots []boot.Slot, update, bootProg emulator.Program) campaign.TargetFactory {

	sramSize := l.SRAMEnd - l.SRAMStart
	lookahead := p.FaultSweep.Lookahead
	return func() (*campaign.Target, error) {
		r, err := nvm.NewRegion(regionCfg)
		if err != nil {
			return nil, err
		}
		ctl := nvm.NewController(nvm.ControllerConfig{Lookahead: lookahead})
		ctl.Link(r)

		m := emulator.NewScriptedMachine(nil, l.SRAMStart, sramSize)
		if err := m.MapRegion(ctl, l.FlashBase); err != nil {
			return nil, err
		}
		for slot := 0; slot < 2; slot++ {
			if slot == 1 && l.SlotBase[1] == l.SlotBase[0] {
				break
			}
			fill, size := factoryImage(p, l, slots, slot)
			if err := m.LoadImage(bootmodel.MakeImage(l, slot, fill, size), l.SlotBase[slot]); err != nil {
				return nil, err
			}
		}
		if l.MetaBase != 0 && p.PreBootState.SeedMetaEnabled() {
			meta := bootmodel.NewMeta(p.PreBootState.MetaSeq)
			if err := bootmodel.SeedMeta(r, l, p.PreBootState.MetaReplica, meta); err != nil {
				return nil, err
			}
		}
		return &campaign.Target{
			Machine:   m,
			Ctl:       ctl,
			UseUpdate: func() { m.SetProgram(update) },
			UseBoot:   func() { m.SetProgram(bootProg) },
		}, nil
	}
}

// printProfile 打印配置信息
func printProfile(p *profiles.Profile) {
	log.Printf("Profile: %s (scenario=%s)", p.Name, p.Scenario)
	if p.Description != "" {
		log.Printf("  %s", p.Description)
	}
	log.Printf("  Flash: base=%s size=%s sector=%s",
		p.Memory.FlashBase, p.Memory.FlashSize, p.Memory.SectorSize)
	for name, s := range p.Memory.Slots {
		log.Printf("  Slot %s: base=%s size=%s", name, s.Base, s.Size)
	}
	log.Printf("  Fault types: %v, strategy=%s, evaluation=%s",
		p.FaultSweep.FaultTypes, p.FaultSweep.SweepStrategy, p.FaultSweep.EvaluationMode)
}

// printSummary 打印统计信息
func printSummary(report *campaign.Report, duration time.Duration) {
	s := report.Summary
	log.Println("========== Campaign Summary ==========")
	log.Printf("Calibration: writes=%d erases=%d steps=%d",
		report.Calibration.TotalWrites, report.Calibration.TotalErases, report.Calibration.Steps)
	if report.Selection != nil {
		log.Printf("Selection: %d/%d points (%.1f%%)",
			report.Selection.SelectedFaultPoints, report.Selection.TotalWrites,
			report.Selection.ReductionRatio*100)
	}
	log.Printf("Points: %d evaluated, %d bricks, %d recoveries (brick rate %.2f%%)",
		s.TotalPoints, s.Bricks, s.Recoveries, s.BrickRate*100)
	if s.DiscardedNoFault > 0 {
		log.Printf("Discarded (fault not fired): %d", s.DiscardedNoFault)
	}
	for cat, n := range s.FailureCategories {
		log.Printf("  %-24s %d", cat, n)
	}
	if s.Control != nil {
		log.Printf("Control point: outcome=%s ok=%v", s.Control.BootOutcome, s.Control.OK)
	}
	for _, wf := range s.WorkerFailures {
		log.Printf("Worker failure: %s", wf)
	}
	log.Printf("Verdict: %s (in %v)", s.Verdict, duration)
}

// generateOutputPath 生成默认输出路径
func generateOutputPath(name string) string {
	timestamp := time.Now().Format("20060102_150405")
	return filepath.Join("./audit_reports", fmt.Sprintf("%s_%s.json", timestamp, name))
}

// saveReport 保存报告
func saveReport(report *campaign.Report, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
