package main

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/cam"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/stackio"
)

type mockFlightClient struct {
	mock.Mock
}

func (m *mockFlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func (m *mockFlightClient) Close() error {
	return nil
}

// testMatcher builds a 2-core TCAM with one wildcard row per core.
func testMatcher(t *testing.T) *Matcher {
	t.Helper()
	nan := float32(math.NaN())
	camStack, err := cam.FromFloat32(cam.Shape{2, 2, 3}, []float32{
		0, 1, 0,
		nan, nan, nan,
		1, 1, 1,
		nan, nan, nan,
	})
	require.NoError(t, err)
	return NewMatcher(device.NewCPU(), camStack, cam.VariantTCAM)
}

func TestServer_Full(t *testing.T) {
	matcher := testMatcher(t)
	mfc := &mockFlightClient{}
	srv := NewServer(matcher, mfc, "test-dataset", 4)

	t.Run("HandleMatch with Forwarding", func(t *testing.T) {
		body := matchRequest{
			Shape:  []int{2, 1, 3},
			Inputs: []float32{0, 1, 0, 0, 0, 0},
			Op:     "match",
		}
		data, _ := cbor.Marshal(body)
		req, _ := http.NewRequest("POST", "/match", bytes.NewReader(data))
		rr := httptest.NewRecorder()

		// Expect DoPut to be called
		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil)

		http.HandlerFunc(srv.handleMatch).ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		mfc.AssertExpectations(t)

		var resp matchResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []int{2, 1, 2}, resp.Shape)
		assert.Equal(t, "uint8", resp.DType)
		// Core 0: input matches row 0 and the wildcard row. Core 1: only the
		// wildcard row.
		assert.Equal(t, []byte{1, 1, 0, 1}, resp.Uint8)
	})

	t.Run("HandleMatch Bad Body", func(t *testing.T) {
		req, _ := http.NewRequest("POST", "/match", bytes.NewReader([]byte("not cbor at all")))
		rr := httptest.NewRecorder()

		http.HandlerFunc(srv.handleMatch).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("HandleMatch Shape Mismatch", func(t *testing.T) {
		body := matchRequest{
			Shape:  []int{3, 1, 3},
			Inputs: []float32{0, 1, 0, 0, 0, 0, 1, 1, 1},
			Op:     "match",
		}
		data, _ := cbor.Marshal(body)
		req, _ := http.NewRequest("POST", "/match", bytes.NewReader(data))
		rr := httptest.NewRecorder()

		http.HandlerFunc(srv.handleMatch).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("Health Check", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/health", nil)
		rr := httptest.NewRecorder()

		srv.handleHealth(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestServer_MatchArrow(t *testing.T) {
	matcher := testMatcher(t)
	srv := NewServer(matcher, nil, "", 4)

	pool := memory.NewGoAllocator()
	inputs, err := cam.FromFloat32(cam.Shape{2, 1, 3}, []float32{0, 1, 0, 0, 0, 0})
	require.NoError(t, err)
	rec, err := stackio.RecordFromStack(pool, inputs)
	require.NoError(t, err)
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(pool))
	require.NoError(t, writer.Write(rec))
	require.NoError(t, writer.Close())

	req, _ := http.NewRequest("POST", "/match/arrow?op=count_mismatches", &buf)
	rr := httptest.NewRecorder()

	http.HandlerFunc(srv.handleMatchArrow).ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	reader, err := ipc.NewReader(rr.Body, ipc.WithAllocator(pool))
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())

	results, err := stackio.StackFromRecord(reader.Record())
	require.NoError(t, err)
	assert.Equal(t, cam.Shape{2, 1, 2}, results.Shape())
	assert.Equal(t, cam.Int32, results.DType())
	assert.Equal(t, []int32{0, 0, 3, 0}, results.Int32s())
}

func TestParseOp(t *testing.T) {
	op, err := parseOp("")
	require.NoError(t, err)
	assert.Equal(t, cam.OpMatch, op)

	op, err = parseOp("reduce_sum")
	require.NoError(t, err)
	assert.Equal(t, cam.OpReduceSum, op)

	_, err = parseOp("nope")
	assert.Error(t, err)
}

func TestParseDType_Defaults(t *testing.T) {
	dt, err := parseDType("", cam.OpMatch)
	require.NoError(t, err)
	assert.Equal(t, cam.Uint8, dt)

	dt, err = parseDType("", cam.OpCountMismatches)
	require.NoError(t, err)
	assert.Equal(t, cam.Int32, dt)

	dt, err = parseDType("", cam.OpReduceSum)
	require.NoError(t, err)
	assert.Equal(t, cam.Float32, dt)

	dt, err = parseDType("float32", cam.OpMatch)
	require.NoError(t, err)
	assert.Equal(t, cam.Float32, dt)

	_, err = parseDType("float64", cam.OpMatch)
	assert.Error(t, err)
}
