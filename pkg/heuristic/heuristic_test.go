package heuristic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otaaudit/pkg/trace"
)

// 构造一条人工轨迹: 先在 exec 槽批量顺序写, 跳到 staging 槽 trailer 写元数据
func buildTrace(bulk int) *trace.Trace {
	tr := &trace.Trace{}
	idx := uint64(1)
	// 从槽内第三页开始, 避免落入边界页
	for i := 0; i < bulk; i++ {
		tr.Writes = append(tr.Writes, trace.WriteOp{Index: idx, Offset: 0x12000 + uint32(i)*4, Value: uint32(i)})
		idx++
	}
	// 地址大跳变 → 不连续; 落点在 staging trailer 页
	for i := 0; i < 4; i++ {
		tr.Writes = append(tr.Writes, trace.WriteOp{Index: idx, Offset: 0x3F000 + uint32(i)*4, Value: uint32(i)})
		idx++
	}
	return tr
}

var testSlots = []Slot{
	{Name: "exec", Base: 0x10000, Size: 0x10000},
	{Name: "staging", Base: 0x30000, Size: 0x10000},
}

func TestExhaustiveTierComplete(t *testing.T) {
	tr := buildTrace(900)
	plan := Classify(tr, testSlots, Config{})

	pointSet := map[uint64]bool{}
	for _, p := range plan.Points {
		pointSet[p] = true
	}
	// 所有被分到逐点层的序号必须无一遗漏地出现在候选表里
	exhaustive := 0
	for idx, tier := range plan.TierOf {
		if tier == TierExhaustive {
			exhaustive++
			assert.True(t, pointSet[idx], "exhaustive index %d omitted", idx)
		}
	}
	require.Greater(t, exhaustive, 0)
}

func TestSparseTierKeepsFirstAndLast(t *testing.T) {
	tr := buildTrace(950)
	plan := Classify(tr, testSlots, Config{})

	pointSet := map[uint64]bool{}
	for _, p := range plan.Points {
		pointSet[p] = true
	}
	assert.True(t, pointSet[tr.Writes[0].Index], "first index missing")
	assert.True(t, pointSet[tr.Writes[len(tr.Writes)-1].Index], "last index missing")
}

func TestEveryWriteHasExactlyOneTier(t *testing.T) {
	tr := buildTrace(300)
	plan := Classify(tr, testSlots, Config{})
	assert.Len(t, plan.TierOf, len(tr.Writes))
	for _, w := range tr.Writes {
		_, ok := plan.TierOf[w.Index]
		assert.True(t, ok, "index %d unclassified", w.Index)
	}
}

func TestTrailerWritesAreExhaustive(t *testing.T) {
	tr := buildTrace(200)
	plan := Classify(tr, testSlots, Config{})
	// trailer 页内的写 (0x3F000 起) 全部逐点
	for _, w := range tr.Writes {
		if w.Offset >= 0x3F000 && w.Offset < 0x40000 {
			assert.Equal(t, TierExhaustive, plan.TierOf[w.Index], "index %d", w.Index)
		}
	}
	assert.Equal(t, uint64(4), plan.Summary.TrailerWrites)
}

func TestDiscontinuityWindowExhaustive(t *testing.T) {
	tr := buildTrace(200)
	plan := Classify(tr, testSlots, Config{DiscontinuityWindow: 3})
	// 跳变发生在第 200→201 个写之间; 前后各 3 个写进入逐点层
	for i := 197; i <= 200; i++ {
		idx := tr.Writes[i].Index
		assert.Equal(t, TierExhaustive, plan.TierOf[idx], "window index %d", idx)
	}
}

func TestReductionRatio(t *testing.T) {
	tr := buildTrace(1000)
	plan := Classify(tr, testSlots, Config{})
	assert.Equal(t, uint64(1004), plan.Summary.TotalWrites)
	assert.Less(t, plan.Summary.ReductionRatio, 0.2, "heuristic should cut the sweep substantially")
	assert.Equal(t, uint64(len(plan.Points)), plan.Summary.SelectedFaultPoints)
}

func TestBoundaryPageDenseSampling(t *testing.T) {
	// 全部写落在 exec 槽首页 → dense 层, 每 3 个取 1, 外加末序号必选
	tr := &trace.Trace{}
	for i := 0; i < 30; i++ {
		tr.Writes = append(tr.Writes, trace.WriteOp{Index: uint64(i + 1), Offset: 0x10000 + uint32(i)*4})
	}
	plan := Classify(tr, testSlots, Config{Tier2Step: 3})
	for _, w := range tr.Writes {
		assert.Equal(t, TierDense, plan.TierOf[w.Index])
	}
	// i=0,3,...,27 → 10 个, 加末序号 30
	assert.Len(t, plan.Points, 11)
	assert.Equal(t, uint64(30), plan.Points[len(plan.Points)-1])
}

func TestEmptyTrace(t *testing.T) {
	plan := Classify(&trace.Trace{}, testSlots, Config{})
	assert.Empty(t, plan.Points)
	plan = Classify(nil, testSlots, Config{})
	assert.Empty(t, plan.Points)
}
