package bootmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otaaudit/pkg/boot"
	"otaaudit/pkg/emulator"
	"otaaudit/pkg/fault"
	"otaaudit/pkg/nvm"
	"otaaudit/pkg/trace"
)

const (
	flashBase = 0x10000000
	sramBase  = 0x20000000
	sramSize  = 0x8000
	stepLimit = 1 << 20
)

var testLayout = Layout{
	FlashBase:   flashBase,
	SlotBase:    [2]uint32{flashBase + 0x10000, flashBase + 0x20000},
	SlotSize:    0x10000,
	MetaBase:    flashBase + 0x40000,
	SectorSize:  0x1000,
	SRAMStart:   sramBase,
	SRAMEnd:     sramBase + sramSize,
	MarkerAddr:  sramBase + 0x100,
	MarkerValue: 0xB007600D,
}

var testRegionCfg = nvm.RegionConfig{
	Size:       0x80000,
	WordSize:   4,
	SectorSize: 0x1000,
	PageSize:   0x1000,
}

// newTarget 建立出厂状态: 两个槽位都有可引导镜像, 副本 0 指向槽 A (seq=0)
func newTarget(t *testing.T) (*emulator.ScriptedMachine, *nvm.Controller) {
	t.Helper()
	r, err := nvm.NewRegion(testRegionCfg)
	require.NoError(t, err)
	ctl := nvm.NewController(nvm.ControllerConfig{AlwaysDiff: true})
	ctl.Link(r)

	m := emulator.NewScriptedMachine(nil, sramBase, sramSize)
	require.NoError(t, m.MapRegion(ctl, flashBase))
	require.NoError(t, m.LoadImage(MakeImage(testLayout, 0, 0xA0, 0x200), testLayout.SlotBase[0]))
	require.NoError(t, m.LoadImage(MakeImage(testLayout, 1, 0xB0, 0x200), testLayout.SlotBase[1]))
	require.NoError(t, SeedMeta(r, testLayout, 0, NewMeta(0)))
	return m, ctl
}

func testCriteria() boot.Criteria {
	return boot.Criteria{
		FlashBase: flashBase,
		Slots: []boot.Slot{
			{Name: "slot_a", Base: testLayout.SlotBase[0], Size: testLayout.SlotSize},
			{Name: "slot_b", Base: testLayout.SlotBase[1], Size: testLayout.SlotSize},
		},
		SRAMStart:   sramBase,
		SRAMEnd:     sramBase + sramSize,
		VTORInSlot:  true,
		MarkerAddr:  testLayout.MarkerAddr,
		MarkerValue: testLayout.MarkerValue,
	}
}

func TestMetaCRCMatchesReference(t *testing.T) {
	m := NewMeta(7)
	assert.True(t, m.Valid())
	bad := m
	bad.Seq++
	assert.False(t, bad.Valid())
	assert.Equal(t, 1, m.Slot())
	assert.Equal(t, 0, NewMeta(8).Slot())
}

func TestMetaOnlyUpdateCalibrationCounts(t *testing.T) {
	m, ctl := newTarget(t)
	rec := trace.NewRecorder()
	ctl.AttachRecorder(rec)
	m.SetProgram(MetaOnlyUpdate(testLayout))

	stats, err := m.Run(stepLimit)
	require.NoError(t, err)
	assert.True(t, stats.Halted)

	// 最小元数据更新: 恰好 3 次写 1 次擦除
	assert.Equal(t, uint64(3), ctl.TotalWrites())
	assert.Equal(t, uint64(1), ctl.TotalErases())
	tr := rec.Freeze()
	assert.Equal(t, uint64(3), tr.TotalWrites())
	assert.Equal(t, uint64(1), tr.TotalErases())
}

func TestUnfaultedUpdateThenBootSwitchesSlot(t *testing.T) {
	m, ctl := newTarget(t)
	m.SetProgram(MetaOnlyUpdate(testLayout))
	_, err := m.Run(stepLimit)
	require.NoError(t, err)

	m.Reset()
	m.SetProgram(ResilientBoot(testLayout))
	stats, err := m.Run(stepLimit)
	require.NoError(t, err)
	require.True(t, stats.Halted)

	sig := boot.NewClassifier(testCriteria()).Classify(m, ctl.Region())
	assert.Equal(t, boot.OutcomeSuccess, sig.Outcome)
	// seq=1 → 槽 B
	assert.Equal(t, 1, sig.BootSlot)
	assert.True(t, sig.MarkerOK)
}

// 序号 2 断电 → 恰好 1 个字提交, 结果取决于哪份副本仍有效
func TestPowerLossAtIndexTwo(t *testing.T) {
	m, ctl := newTarget(t)
	require.NoError(t, ctl.Arm(fault.Spec{Index: 2, Mode: fault.ModePowerLoss}))
	m.SetProgram(MetaOnlyUpdate(testLayout))
	_, err := m.Run(stepLimit)
	require.NoError(t, err)
	require.True(t, ctl.FaultFired())

	// 目标副本 (1 号) 扇区里恰好 1 个字离开擦除态
	committed := 0
	base := testLayout.ReplicaBase(1) - flashBase
	for off := uint32(0); off < testRegionCfg.SectorSize; off += 4 {
		v, err := ctl.Region().ReadWord(base + off)
		require.NoError(t, err)
		if v != 0xFFFFFFFF {
			committed++
		}
	}
	assert.Equal(t, 1, committed)

	// 恢复引导: 副本 0 仍有效 → 回到槽 A
	m.Reset()
	m.SetProgram(ResilientBoot(testLayout))
	_, err = m.Run(stepLimit)
	require.NoError(t, err)
	sig := boot.NewClassifier(testCriteria()).Classify(m, ctl.Region())
	assert.Equal(t, boot.OutcomeSuccess, sig.Outcome)
	assert.Equal(t, 0, sig.BootSlot)
}

// 无序双副本缺陷在整个写窗口内 100% 变砖,
// 而交错提交基线在相同故障序号下总有一份副本幸存
func TestUnorderedDefectVersusStaggered(t *testing.T) {
	classifier := boot.NewClassifier(testCriteria())

	t.Run("缺陷变体全窗口变砖", func(t *testing.T) {
		for idx := uint64(1); idx <= 6; idx++ {
			m, ctl := newTarget(t)
			require.NoError(t, ctl.Arm(fault.Spec{Index: idx, Mode: fault.ModePowerLoss}))
			m.SetProgram(UnorderedUpdate(testLayout))
			_, err := m.Run(stepLimit)
			require.NoError(t, err)
			require.True(t, ctl.FaultFired(), "index %d", idx)

			m.Reset()
			m.SetProgram(ResilientBoot(testLayout))
			_, err = m.Run(stepLimit)
			require.NoError(t, err)

			sig := classifier.Classify(m, ctl.Region())
			assert.Equal(t, boot.OutcomeNoBoot, sig.Outcome, "index %d must brick", idx)
		}
	})

	t.Run("交错提交基线幸存", func(t *testing.T) {
		for idx := uint64(1); idx <= 3; idx++ {
			m, ctl := newTarget(t)
			require.NoError(t, ctl.Arm(fault.Spec{Index: idx, Mode: fault.ModePowerLoss}))
			m.SetProgram(MetaOnlyUpdate(testLayout))
			_, err := m.Run(stepLimit)
			require.NoError(t, err)
			require.True(t, ctl.FaultFired(), "index %d", idx)

			m.Reset()
			m.SetProgram(ResilientBoot(testLayout))
			_, err = m.Run(stepLimit)
			require.NoError(t, err)

			sig := classifier.Classify(m, ctl.Region())
			assert.Equal(t, boot.OutcomeSuccess, sig.Outcome, "index %d must survive", idx)
		}
	})
}

func TestNaiveUpdaterBricksMidCopy(t *testing.T) {
	l := testLayout
	img := MakeImage(l, 0, 0xC0, 0x200)

	t.Run("无故障正常完成", func(t *testing.T) {
		m, ctl := newTarget(t)
		m.SetProgram(NaiveUpdate(l, img))
		_, err := m.Run(stepLimit)
		require.NoError(t, err)

		m.Reset()
		m.SetProgram(NaiveBoot(l))
		_, err = m.Run(stepLimit)
		require.NoError(t, err)
		sig := boot.NewClassifier(testCriteria()).Classify(m, ctl.Region())
		assert.Equal(t, boot.OutcomeSuccess, sig.Outcome)
	})

	t.Run("拷贝中途断电变砖", func(t *testing.T) {
		m, ctl := newTarget(t)
		require.NoError(t, ctl.Arm(fault.Spec{Index: 1, Mode: fault.ModePowerLoss}))
		m.SetProgram(NaiveUpdate(l, img))
		_, err := m.Run(stepLimit)
		require.NoError(t, err)
		require.True(t, ctl.FaultFired())

		m.Reset()
		m.SetProgram(NaiveBoot(l))
		stats, err := m.Run(4096)
		require.NoError(t, err)
		assert.False(t, stats.Halted)

		sig := boot.NewClassifier(testCriteria()).Classify(m, ctl.Region())
		assert.Equal(t, boot.OutcomeNoBoot, sig.Outcome)
	})
}

func TestFullUpdateProgramsInactiveSlot(t *testing.T) {
	m, ctl := newTarget(t)
	newImg := MakeImage(testLayout, 1, 0xD0, 0x200)
	m.SetProgram(FullUpdate(testLayout, newImg))
	_, err := m.Run(stepLimit)
	require.NoError(t, err)

	// 新镜像落在槽 B, 元数据 seq=1 指向槽 B
	view, err := ctl.Region().ViewBytes(testLayout.SlotBase[1]-flashBase, 0x200)
	require.NoError(t, err)
	assert.Equal(t, newImg, view)

	m.Reset()
	m.SetProgram(ResilientBoot(testLayout))
	_, err = m.Run(stepLimit)
	require.NoError(t, err)
	sig := boot.NewClassifier(testCriteria()).Classify(m, ctl.Region())
	assert.Equal(t, boot.OutcomeSuccess, sig.Outcome)
	assert.Equal(t, 1, sig.BootSlot)
}
