package trace

import (
	"errors"
	"fmt"
)

var (
	// ErrFrozen 校准结束后轨迹不可再追加
	ErrFrozen = errors.New("trace: frozen after calibration")
	// ErrModeNotReplayable 该故障模式依赖执行现场, 必须完整重执行
	ErrModeNotReplayable = errors.New("trace: fault mode not legal for replay")
	// ErrIndexOutOfTrace 目标序号超出轨迹记录的操作总数
	ErrIndexOutOfTrace = errors.New("trace: fault index beyond recorded operations")
)

// WriteOp 一次已提交的字写入
type WriteOp struct {
	Index  uint64 // 1 起始, 单调
	Offset uint32
	Value  uint32 // 提交后的最终值
}

// EraseOp 一次已提交的扇区擦除。
// WritesSoFar 是擦除发生时的写计数快照, 回放时以它为交错键。
type EraseOp struct {
	Index       uint64
	Sector      uint32
	WritesSoFar uint64
}

// Trace 一次校准运行的有序操作日志。
// Freeze 之后只读, 可安全地被所有扫描 worker 共享。
type Trace struct {
	Writes []WriteOp
	Erases []EraseOp
	frozen bool
}

// Recorder 实现 nvm.OpRecorder, 把提交回调累积进 Trace
type Recorder struct {
	t *Trace
}

// NewRecorder 创建录制器与其空轨迹
func NewRecorder() *Recorder {
	return &Recorder{t: &Trace{}}
}

func (r *Recorder) RecordWrite(index uint64, offset uint32, value uint32) {
	if r.t.frozen {
		return
	}
	r.t.Writes = append(r.t.Writes, WriteOp{Index: index, Offset: offset, Value: value})
}

func (r *Recorder) RecordErase(index uint64, sector uint32, writesSoFar uint64) {
	if r.t.frozen {
		return
	}
	r.t.Erases = append(r.t.Erases, EraseOp{Index: index, Sector: sector, WritesSoFar: writesSoFar})
}

// Freeze 结束录制并交出只读轨迹
func (r *Recorder) Freeze() *Trace {
	r.t.frozen = true
	return r.t
}

func (t *Trace) TotalWrites() uint64 { return uint64(len(t.Writes)) }
func (t *Trace) TotalErases() uint64 { return uint64(len(t.Erases)) }

// WriteAt 按序号查找写操作 (序号即切片位置+1, 录制保证连续)
func (t *Trace) WriteAt(index uint64) (WriteOp, error) {
	if index == 0 || index > uint64(len(t.Writes)) {
		return WriteOp{}, fmt.Errorf("%w: write index %d of %d", ErrIndexOutOfTrace, index, len(t.Writes))
	}
	w := t.Writes[index-1]
	if w.Index != index {
		return WriteOp{}, fmt.Errorf("trace: non-contiguous indices, slot %d holds %d", index, w.Index)
	}
	return w, nil
}
