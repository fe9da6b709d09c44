package campaign

import (
	"fmt"

	"otaaudit/pkg/boot"
	"otaaudit/pkg/fault"
	"otaaudit/pkg/nvm"
)

// pointRunner 在一个独占目标上评估单个故障点。
// 快照获取分两条路: 模式合法且未被禁用时走轨迹回放 (O(N), 不跑固件),
// 否则完整重执行阶段 1。两条路产出的快照对可回放模式逐字节一致。
type pointRunner struct {
	o            *Orchestrator
	forceExecute bool
}

func (pr *pointRunner) run(t *Target, spec fault.Spec, isControl bool) Record {
	rec := Record{
		FaultAt:   spec.Index,
		FaultType: spec.Mode.String(),
		BootSlot:  -1,
		IsControl: isControl,
	}
	if spec.Mode == fault.ModeResetAtTime {
		rec.FaultAt = spec.ResetAtStep
	}
	rec.FaultAddress = pr.faultAddress(spec)

	snap, replayed, injected, err := pr.obtainSnapshot(t, spec)
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	rec.Replayed = replayed
	rec.FaultInjected = injected
	rec.NVMStateDigest = fmt.Sprintf("%016x", snap.Digest())

	sig, zeroActivity, err := pr.recoveryBoot(t, snap)
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	rec.ZeroActivity = zeroActivity
	rec.BootOutcome = sig.Outcome.String()
	rec.BootSlot = sig.BootSlot
	return rec
}

// faultAddress 故障目标的总线地址 (写类取轨迹偏移, 擦除类取扇区)
func (pr *pointRunner) faultAddress(spec fault.Spec) string {
	tr := pr.o.tr
	switch {
	case spec.Mode.TargetsWrite():
		if w, err := tr.WriteAt(spec.Index); err == nil {
			return fmt.Sprintf("0x%08x", pr.o.criteria.FlashBase+w.Offset)
		}
	case spec.Mode.TargetsErase():
		if spec.Index >= 1 && spec.Index <= tr.TotalErases() {
			return fmt.Sprintf("0x%08x", pr.o.criteria.FlashBase+tr.Erases[spec.Index-1].Sector)
		}
	}
	return ""
}

func (pr *pointRunner) canReplay(spec fault.Spec) bool {
	if pr.forceExecute || pr.o.cfg.EvaluationMode == "execute" {
		return false
	}
	return spec.Mode.Replayable() && spec.Mode.TargetsWrite() && spec.Index <= pr.o.tr.TotalWrites()
}

// obtainSnapshot 返回 (故障后快照, 是否回放, 故障是否真正注入)
func (pr *pointRunner) obtainSnapshot(t *Target, spec fault.Spec) (*nvm.Snapshot, bool, bool, error) {
	o := pr.o

	if pr.canReplay(spec) {
		snap, err := o.tr.Reconstruct(spec, o.cfg.RegionCfg, o.baseline)
		if err != nil {
			return nil, false, false, err
		}
		return snap, true, snap.FaultFired, nil
	}
	if o.cfg.EvaluationMode == "replay" && !pr.forceExecute {
		// 强制回放模式遇到不合法模式: 显式报错, 绝不悄悄给出错误快照
		return nil, false, false, fmt.Errorf("campaign: mode %s not legal for replay", spec.Mode)
	}

	// 完整重执行: 恢复基线 → 武装 → 阶段 1。
	// 校准 (always-diff) 没有观察到多字窗口且配置了 lookahead 时,
	// 走快速路径跳过远离武装序号的全区 diff; 序号对齐由单字窗口
	// 这一已验证的前提保证。否则保持与校准相同的 always-diff 策略。
	t.Machine.Reset()
	if err := t.Ctl.Region().LoadBytes(0, o.baseline); err != nil {
		return nil, false, false, err
	}
	t.Ctl.SetLookahead(o.cfg.Lookahead)
	t.Ctl.SetAlwaysDiff(o.cfg.Lookahead == 0 || o.fastPath > 0)
	if err := t.Ctl.Arm(spec); err != nil {
		return nil, false, false, err
	}
	t.UseUpdate()

	limit := o.cfg.StepLimit
	if spec.Mode == fault.ModeResetAtTime {
		limit = spec.ResetAtStep
	}
	stats, err := t.Machine.Run(limit)
	if err != nil {
		return nil, false, false, err
	}

	injected := t.Ctl.FaultFired()
	if spec.Mode == fault.ModeResetAtTime {
		// 步数预算内没跑完即视为复位命中
		injected = !stats.Halted
	}
	snap, err := t.Ctl.Snapshot()
	if err != nil {
		return nil, false, false, err
	}
	snap.FaultFired = injected
	return snap, false, injected, nil
}

// recoveryBoot 阶段 2: 从故障快照出发的有界恢复引导。
// 零活动界内既无写入也没完成跳转的引导直接判砖, 不等满超时。
func (pr *pointRunner) recoveryBoot(t *Target, snap *nvm.Snapshot) (boot.Signals, bool, error) {
	o := pr.o

	install := func() error {
		t.Machine.Reset()
		return t.Ctl.Region().LoadBytes(0, snap.Data)
	}
	if err := install(); err != nil {
		return boot.Signals{}, false, err
	}
	t.UseBoot()

	if o.cfg.ZeroActivityBound > 0 && o.cfg.ZeroActivityBound < o.cfg.StepLimit {
		stats, err := t.Machine.Run(o.cfg.ZeroActivityBound)
		if err != nil {
			return boot.Signals{}, false, err
		}
		if !stats.Halted && stats.BusWrites == 0 && t.Machine.State().VTOR == 0 {
			return boot.Signals{Outcome: boot.OutcomeNoBoot, BootSlot: -1}, true, nil
		}
		if stats.Halted {
			sig := o.classifier.Classify(t.Machine, t.Ctl.Region())
			return sig, false, nil
		}
		// 界内有活动但没跑完: 重装快照, 跑满预算
		if err := install(); err != nil {
			return boot.Signals{}, false, err
		}
		t.UseBoot()
	}

	if _, err := t.Machine.Run(o.cfg.StepLimit); err != nil {
		return boot.Signals{}, false, err
	}
	sig := o.classifier.Classify(t.Machine, t.Ctl.Region())
	return sig, false, nil
}
