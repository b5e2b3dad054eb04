package tabular

import (
	"fmt"
	"io"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/nvandessel/expstore/internal/scope"
	"github.com/nvandessel/expstore/internal/store"
)

// Schema metadata keys.
const (
	MetaScope  = "expstore.scope"
	MetaDesign = "expstore.design"
)

// arrowType maps a frame column to its Arrow type. Inputs follow their
// declared dtype; everything else is a float measure.
func arrowType(sc *scope.Scope, name string) arrow.DataType {
	if v, ok := sc.Input(name); ok {
		switch v.DType {
		case scope.DTypeInt:
			return arrow.PrimitiveTypes.Int64
		case scope.DTypeBool:
			return arrow.FixedWidthTypes.Boolean
		case scope.DTypeCat:
			return arrow.BinaryTypes.String
		}
	}
	return arrow.PrimitiveTypes.Float64
}

// ArrowSchema returns the schema WriteArrow uses for f.
func ArrowSchema(f *store.Frame, sc *scope.Scope) *arrow.Schema {
	fields := []arrow.Field{{Name: ColExperimentID, Type: arrow.PrimitiveTypes.Int64}}
	if hasRuns(f) {
		fields = append(fields,
			arrow.Field{Name: ColRunID, Type: arrow.BinaryTypes.String},
			arrow.Field{Name: ColSourceID, Type: arrow.PrimitiveTypes.Int64},
			arrow.Field{Name: ColValid, Type: arrow.FixedWidthTypes.Boolean},
			arrow.Field{Name: ColRecordedAt, Type: arrow.BinaryTypes.String},
		)
	}
	for _, c := range f.Columns {
		fields = append(fields, arrow.Field{Name: c, Type: arrowType(sc, c), Nullable: true})
	}
	md := arrow.NewMetadata([]string{MetaScope, MetaDesign}, []string{f.Scope, f.Design})
	return arrow.NewSchema(fields, &md)
}

// WriteArrow writes f as an Arrow IPC stream holding one record batch.
func WriteArrow(w io.Writer, f *store.Frame, sc *scope.Scope) error {
	mem := memory.NewGoAllocator()
	schema := ArrowSchema(f, sc)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	runs := hasRuns(f)
	offset := 1
	if runs {
		offset += len(runColumns)
	}
	for _, r := range f.Rows {
		b.Field(0).(*array.Int64Builder).Append(r.ExperimentID)
		if runs {
			b.Field(1).(*array.StringBuilder).Append(r.Run.RunID)
			b.Field(2).(*array.Int64Builder).Append(r.Run.SourceID)
			b.Field(3).(*array.BooleanBuilder).Append(r.Run.Valid)
			b.Field(4).(*array.StringBuilder).Append(r.Run.RecordedAt)
		}
		for i, v := range r.Values {
			if err := appendValue(b.Field(offset+i), v); err != nil {
				return fmt.Errorf("column %s: %w", f.Columns[i], err)
			}
		}
	}

	rec := b.NewRecord()
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("writing arrow record: %w", err)
	}
	return wr.Close()
}

func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch bb := b.(type) {
	case *array.Float64Builder:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%T is not float64", v)
		}
		bb.Append(f)
	case *array.Int64Builder:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("%T is not int64", v)
		}
		bb.Append(n)
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%T is not bool", v)
		}
		bb.Append(x)
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%T is not string", v)
		}
		bb.Append(s)
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

// ReadArrow reads an Arrow IPC stream written by WriteArrow back into a
// frame. Every record batch in the stream is appended.
func ReadArrow(r io.Reader) (*store.Frame, error) {
	mem := memory.NewGoAllocator()
	rd, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("opening arrow stream: %w", err)
	}
	defer rd.Release()

	schema := rd.Schema()
	f := &store.Frame{}
	md := schema.Metadata()
	if i := md.FindKey(MetaScope); i >= 0 {
		f.Scope = md.Values()[i]
	}
	if i := md.FindKey(MetaDesign); i >= 0 {
		f.Design = md.Values()[i]
	}

	idCol := -1
	runCol := map[string]int{}
	var valueCols []int
	for i, field := range schema.Fields() {
		switch field.Name {
		case ColExperimentID:
			idCol = i
		case ColRunID, ColSourceID, ColValid, ColRecordedAt:
			runCol[field.Name] = i
		default:
			valueCols = append(valueCols, i)
			f.Columns = append(f.Columns, field.Name)
		}
	}
	if idCol < 0 {
		return nil, fmt.Errorf("arrow stream has no %s column", ColExperimentID)
	}
	runs := len(runCol) == len(runColumns)

	for rd.Next() {
		rec := rd.Record()
		ids, ok := rec.Column(idCol).(*array.Int64)
		if !ok {
			return nil, fmt.Errorf("%s column is %s, want int64", ColExperimentID, rec.Column(idCol).DataType())
		}
		for j := 0; j < int(rec.NumRows()); j++ {
			row := store.Row{ExperimentID: ids.Value(j), Values: make([]any, len(valueCols))}
			if runs {
				info := &store.RunInfo{}
				info.RunID, _ = cellValue(rec.Column(runCol[ColRunID]), j).(string)
				info.SourceID, _ = cellValue(rec.Column(runCol[ColSourceID]), j).(int64)
				info.Valid, _ = cellValue(rec.Column(runCol[ColValid]), j).(bool)
				info.RecordedAt, _ = cellValue(rec.Column(runCol[ColRecordedAt]), j).(string)
				row.Run = info
			}
			for k, c := range valueCols {
				row.Values[k] = cellValue(rec.Column(c), j)
			}
			f.Rows = append(f.Rows, row)
		}
	}
	if err := rd.Err(); err != nil {
		return nil, fmt.Errorf("reading arrow stream: %w", err)
	}
	return f, nil
}

// cellValue returns the Go value of arr[j], or nil for null.
func cellValue(arr arrow.Array, j int) any {
	if arr.IsNull(j) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Float64:
		return a.Value(j)
	case *array.Int64:
		return a.Value(j)
	case *array.Boolean:
		return a.Value(j)
	case *array.String:
		return a.Value(j)
	}
	return arr.ValueStr(j)
}

// FrameRows turns a frame read by ReadArrow back into submission rows. Null
// cells are left out. experiment_id is kept only when the frame lacks some of
// the scope's inputs, so a complete frame is identified by its inputs and
// lands on the right experiments in any store. Run-level frames are rejected.
func FrameRows(f *store.Frame, sc *scope.Scope) ([]map[string]any, error) {
	if hasRuns(f) {
		return nil, fmt.Errorf("run-level frames cannot be written back; export with --runs current")
	}
	withIDs := false
	for _, name := range sc.InputNames() {
		if f.ColumnIndex(name) < 0 {
			withIDs = true
			break
		}
	}
	rows := make([]map[string]any, len(f.Rows))
	for i, r := range f.Rows {
		row := make(map[string]any, len(f.Columns)+1)
		if withIDs {
			row[ColExperimentID] = r.ExperimentID
		}
		for j, name := range f.Columns {
			if r.Values[j] != nil {
				row[name] = r.Values[j]
			}
		}
		rows[i] = row
	}
	return rows, nil
}
