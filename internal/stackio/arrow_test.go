package stackio

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/cam"
)

func TestRecordRoundTrip_Float32(t *testing.T) {
	nan := float32(math.NaN())
	s, err := cam.FromFloat32(cam.Shape{2, 2, 3}, []float32{
		0, 1, nan,
		1, 0, 1,
		nan, nan, nan,
		0, 0, 0,
	})
	require.NoError(t, err)

	mem := memory.NewGoAllocator()
	rec, err := RecordFromStack(mem, s)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(4), rec.NumRows())
	md := rec.Schema().Metadata()
	assert.Equal(t, "2,2,3", md.Values()[md.FindKey(shapeMetaKey)])
	assert.Equal(t, "float32", md.Values()[md.FindKey(dtypeMetaKey)])

	got, err := StackFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, cam.Shape{2, 2, 3}, got.Shape())
	assert.Equal(t, cam.Float32, got.DType())
	// NaN-safe comparison on the raw bytes
	assert.Equal(t, s.Bytes(), got.Bytes())
}

func TestRecordRoundTrip_Uint8(t *testing.T) {
	s := cam.NewStack(cam.Uint8, cam.Shape{3, 2})
	copy(s.Uint8s(), []byte{1, 0, 1, 1, 0, 0})

	mem := memory.NewGoAllocator()
	rec, err := RecordFromStack(mem, s)
	require.NoError(t, err)
	defer rec.Release()

	got, err := StackFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, cam.Uint8, got.DType())
	assert.Equal(t, []byte{1, 0, 1, 1, 0, 0}, got.Uint8s())
}

func TestRecordFromStack_RankTooLow(t *testing.T) {
	s := cam.NewStack(cam.Float32, cam.Shape{4})
	_, err := RecordFromStack(memory.NewGoAllocator(), s)
	assert.Error(t, err)
}

func TestRecordRoundTrip_Int32(t *testing.T) {
	s := cam.NewStack(cam.Int32, cam.Shape{2, 2})
	copy(s.Int32s(), []int32{-1, 2, -3, 4})

	rec, err := RecordFromStack(memory.NewGoAllocator(), s)
	require.NoError(t, err)
	defer rec.Release()

	got, err := StackFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, cam.Int32, got.DType())
	assert.Equal(t, []int32{-1, 2, -3, 4}, got.Int32s())
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cam.arrow")

	s, err := cam.FromFloat32(cam.Shape{2, 1, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, WriteFile(path, s))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cam.Shape{2, 1, 2}, got.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4}, got.Float32s())
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.arrow"))
	assert.Error(t, err)
}

func TestParseShape(t *testing.T) {
	shape, err := parseShape("5,2,3")
	require.NoError(t, err)
	assert.Equal(t, cam.Shape{5, 2, 3}, shape)

	shape, err = parseShape("")
	require.NoError(t, err)
	assert.Empty(t, shape)

	_, err = parseShape("5,x")
	assert.Error(t, err)
}
