// Package stackio converts CAM stacks to and from Arrow record batches and
// IPC files. A stack travels as a single fixed-size-list column of matrix
// rows; the full N-d shape and the element type ride along as schema
// metadata so the record stays self-describing.
package stackio

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/cam"
)

const (
	shapeMetaKey = "quiver.shape"
	dtypeMetaKey = "quiver.dtype"
)

// RecordFromStack flattens a stack into a one-column record batch of
// matrix rows.
func RecordFromStack(mem memory.Allocator, s *cam.Stack) (arrow.RecordBatch, error) {
	if s.Rank() < 2 {
		return nil, fmt.Errorf("stackio: stack shape %v has no row/column dims", s.Shape())
	}
	cols := s.Cols()
	numRows := s.Len() / cols

	var elem arrow.DataType
	switch s.DType() {
	case cam.Float32:
		elem = arrow.PrimitiveTypes.Float32
	case cam.Int32:
		elem = arrow.PrimitiveTypes.Int32
	case cam.Uint8:
		elem = arrow.PrimitiveTypes.Uint8
	default:
		return nil, fmt.Errorf("stackio: unsupported dtype %s", s.DType())
	}

	md := arrow.NewMetadata(
		[]string{shapeMetaKey, dtypeMetaKey},
		[]string{shapeString(s.Shape()), s.DType().String()},
	)
	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "row", Type: arrow.FixedSizeListOf(int32(cols), elem)},
		},
		&md,
	)

	listBuilder := array.NewFixedSizeListBuilder(mem, int32(cols), elem)
	defer listBuilder.Release()

	switch s.DType() {
	case cam.Float32:
		vb := listBuilder.ValueBuilder().(*array.Float32Builder)
		data := s.Float32s()
		for r := 0; r < numRows; r++ {
			listBuilder.Append(true)
			vb.AppendValues(data[r*cols:(r+1)*cols], nil)
		}
	case cam.Int32:
		vb := listBuilder.ValueBuilder().(*array.Int32Builder)
		data := s.Int32s()
		for r := 0; r < numRows; r++ {
			listBuilder.Append(true)
			vb.AppendValues(data[r*cols:(r+1)*cols], nil)
		}
	case cam.Uint8:
		vb := listBuilder.ValueBuilder().(*array.Uint8Builder)
		data := s.Uint8s()
		for r := 0; r < numRows; r++ {
			listBuilder.Append(true)
			vb.AppendValues(data[r*cols:(r+1)*cols], nil)
		}
	}

	arr := listBuilder.NewArray()
	defer arr.Release()

	return array.NewRecordBatch(schema, []arrow.Array{arr}, int64(numRows)), nil
}

// StackFromRecord rebuilds a stack from a record produced by
// RecordFromStack (or by any producer following the same schema).
func StackFromRecord(rec arrow.RecordBatch) (*cam.Stack, error) {
	md := rec.Schema().Metadata()
	shapeIdx := md.FindKey(shapeMetaKey)
	if shapeIdx < 0 {
		return nil, fmt.Errorf("stackio: record carries no %s metadata", shapeMetaKey)
	}
	shape, err := parseShape(md.Values()[shapeIdx])
	if err != nil {
		return nil, err
	}

	dtype := cam.Float32
	if i := md.FindKey(dtypeMetaKey); i >= 0 {
		dtype, err = parseDType(md.Values()[i])
		if err != nil {
			return nil, err
		}
	}

	if rec.NumCols() < 1 {
		return nil, fmt.Errorf("stackio: record has no columns")
	}
	listArr, ok := rec.Column(0).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("stackio: column 0 is %T, want fixed-size list", rec.Column(0))
	}

	s := cam.NewStack(dtype, shape)
	n := s.Len()
	switch vals := listArr.ListValues().(type) {
	case *array.Float32:
		if vals.Len() != n || dtype != cam.Float32 {
			return nil, fmt.Errorf("stackio: %d float32 values for %s shape %v", vals.Len(), dtype, shape)
		}
		copy(s.Float32s(), vals.Float32Values())
	case *array.Int32:
		if vals.Len() != n || dtype != cam.Int32 {
			return nil, fmt.Errorf("stackio: %d int32 values for %s shape %v", vals.Len(), dtype, shape)
		}
		copy(s.Int32s(), vals.Int32Values())
	case *array.Uint8:
		if vals.Len() != n || dtype != cam.Uint8 {
			return nil, fmt.Errorf("stackio: %d uint8 values for %s shape %v", vals.Len(), dtype, shape)
		}
		copy(s.Uint8s(), vals.Uint8Values())
	default:
		return nil, fmt.Errorf("stackio: unsupported value array %T", vals)
	}
	return s, nil
}

// WriteFile writes a stack as a single-batch Arrow IPC stream file.
func WriteFile(path string, s *cam.Stack) error {
	mem := memory.NewGoAllocator()
	rec, err := RecordFromStack(mem, s)
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("stackio: %w", err)
	}
	defer f.Close()

	w := ipc.NewWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("stackio: writing %s: %w", path, err)
	}
	return w.Close()
}

// ReadFile reads a stack written by WriteFile.
func ReadFile(path string) (*cam.Stack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stackio: %w", err)
	}
	defer f.Close()

	r, err := ipc.NewReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("stackio: reading %s: %w", path, err)
	}
	defer r.Release()

	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("stackio: reading %s: %w", path, err)
		}
		return nil, fmt.Errorf("stackio: %s holds no record batches", path)
	}
	return StackFromRecord(r.Record())
}

func shapeString(shape cam.Shape) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseShape(s string) (cam.Shape, error) {
	if s == "" {
		return cam.Shape{}, nil
	}
	parts := strings.Split(s, ",")
	shape := make(cam.Shape, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("stackio: bad shape metadata %q: %w", s, err)
		}
		shape[i] = d
	}
	return shape, nil
}

func parseDType(s string) (cam.DType, error) {
	switch s {
	case "float32":
		return cam.Float32, nil
	case "int32":
		return cam.Int32, nil
	case "uint8":
		return cam.Uint8, nil
	default:
		return cam.Float32, fmt.Errorf("stackio: unknown dtype metadata %q", s)
	}
}
