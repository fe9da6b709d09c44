package trace

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// 校准轨迹落盘为两张 CSV: 写轨迹与擦除轨迹。
// 列名是外部工具依赖的契约, 不可改动。
var (
	writeHeader = []string{"write_index", "flash_offset", "word_value"}
	eraseHeader = []string{"erase_index", "sector_offset", "writes_so_far"}
)

// SaveWrites 导出写轨迹 CSV
func (t *Trace) SaveWrites(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(writeHeader); err != nil {
		return err
	}
	for _, op := range t.Writes {
		rec := []string{
			strconv.FormatUint(op.Index, 10),
			strconv.FormatUint(uint64(op.Offset), 10),
			strconv.FormatUint(uint64(op.Value), 10),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveErases 导出擦除轨迹 CSV
func (t *Trace) SaveErases(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(eraseHeader); err != nil {
		return err
	}
	for _, op := range t.Erases {
		rec := []string{
			strconv.FormatUint(op.Index, 10),
			strconv.FormatUint(uint64(op.Sector), 10),
			strconv.FormatUint(op.WritesSoFar, 10),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Load 从写轨迹与可选的擦除轨迹 CSV 重建只读轨迹
func Load(writes io.Reader, erases io.Reader) (*Trace, error) {
	t := &Trace{frozen: true}

	wr, err := readAll(writes, writeHeader)
	if err != nil {
		return nil, fmt.Errorf("load write trace: %w", err)
	}
	for _, row := range wr {
		t.Writes = append(t.Writes, WriteOp{
			Index:  row[0],
			Offset: uint32(row[1]),
			Value:  uint32(row[2]),
		})
	}

	if erases != nil {
		er, err := readAll(erases, eraseHeader)
		if err != nil {
			return nil, fmt.Errorf("load erase trace: %w", err)
		}
		for _, row := range er {
			t.Erases = append(t.Erases, EraseOp{
				Index:       row[0],
				Sector:      uint32(row[1]),
				WritesSoFar: row[2],
			})
		}
	}
	return t, nil
}

func readAll(r io.Reader, header []string) ([][3]uint64, error) {
	cr := csv.NewReader(r)
	head, err := cr.Read()
	if err != nil {
		return nil, err
	}
	col := map[string]int{}
	for i, h := range head {
		col[h] = i
	}
	for _, h := range header {
		if _, ok := col[h]; !ok {
			return nil, fmt.Errorf("missing column %q", h)
		}
	}
	var out [][3]uint64
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		var row [3]uint64
		for i, h := range header {
			v, err := strconv.ParseUint(rec[col[h]], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", h, err)
			}
			row[i] = v
		}
		out = append(out, row)
	}
	return out, nil
}
