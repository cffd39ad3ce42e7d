package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-quiver/internal/cam"
	"github.com/23skdu/longbow-quiver/internal/stackio"
)

var (
	matchesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_matches_processed_total",
		Help: "The total number of match dispatches served",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_request_duration_seconds",
		Help:    "Time spent processing match requests",
		Buckets: prometheus.DefBuckets,
	})
)

// MatcherInterface is what the HTTP and Flight servers need from the
// dispatch core.
type MatcherInterface interface {
	Match(ctx context.Context, inputs *cam.Stack, op cam.Op, dtype cam.DType, reductionValues []float32) (*cam.Stack, error)
	CamShape() cam.Shape
}

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// Matcher binds a device and a resident CAM stack. The CAM stack is loaded
// once at startup; requests carry only the inputs.
type Matcher struct {
	dev      cam.Device
	camStack *cam.Stack
	variant  cam.Variant
}

func NewMatcher(dev cam.Device, camStack *cam.Stack, variant cam.Variant) *Matcher {
	return &Matcher{dev: dev, camStack: camStack, variant: variant}
}

func (m *Matcher) CamShape() cam.Shape {
	return m.camStack.Shape()
}

func (m *Matcher) Match(ctx context.Context, inputs *cam.Stack, op cam.Op, dtype cam.DType, reductionValues []float32) (*cam.Stack, error) {
	kernel, err := m.dev.Kernel(m.variant, op)
	if err != nil {
		return nil, err
	}
	if op.IsReduction() && reductionValues == nil {
		// default reduction weights: count matching rows
		reductionValues = make([]float32, m.camStack.Rows())
		for i := range reductionValues {
			reductionValues[i] = 1
		}
	}
	return cam.Run(ctx, kernel, m.variant, op, inputs, m.camStack, dtype, reductionValues)
}

type Server struct {
	matcher      MatcherInterface
	flightClient FlightClientInterface
	datasetName  string
	alloc        memory.Allocator
	sem          *semaphore.Weighted
}

func NewServer(matcher MatcherInterface, fc FlightClientInterface, dataset string, maxConcurrent int) *Server {
	return &Server{
		matcher:      matcher,
		flightClient: fc,
		datasetName:  dataset,
		alloc:        memory.NewGoAllocator(),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func startServer(addr string, matcher MatcherInterface, fc FlightClientInterface, dataset string, maxConcurrent int) {
	srv := NewServer(matcher, fc, dataset, maxConcurrent)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/match", srv.handleMatch)
	http.HandleFunc("/match/arrow", srv.handleMatchArrow)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting Quiver Server")
	if fc != nil {
		log.Info().Msg("Forwarding results to Longbow at specified server address")
	}

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("quiver-server")

// matchRequest is the CBOR body of POST /match.
type matchRequest struct {
	Shape           []int     `cbor:"shape"`
	Inputs          []float32 `cbor:"inputs"`
	Op              string    `cbor:"op"`
	DType           string    `cbor:"dtype,omitempty"`
	ReductionValues []float32 `cbor:"reduction_values,omitempty"`
}

type matchResponse struct {
	Shape   []int     `cbor:"shape"`
	DType   string    `cbor:"dtype"`
	Float32 []float32 `cbor:"float32,omitempty"`
	Int32   []int32   `cbor:"int32,omitempty"`
	Uint8   []byte    `cbor:"uint8,omitempty"`
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleMatch")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req matchRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	op, err := parseOp(req.Op)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dtype, err := parseDType(req.DType, op)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	inputs, err := cam.FromFloat32(cam.Shape(req.Shape), req.Inputs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.String("op", op.String()),
		attribute.IntSlice("inputs_shape", req.Shape),
	)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	results, err := s.matcher.Match(ctx, inputs, op, dtype, req.ReductionValues)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	matchesProcessed.Inc()

	if s.flightClient != nil {
		if err := s.forwardResults(ctx, results); err != nil {
			log.Warn().Err(err).Msg("Failed to forward results to Longbow")
		}
	}

	resp := matchResponse{Shape: results.Shape(), DType: results.DType().String()}
	switch results.DType() {
	case cam.Float32:
		resp.Float32 = results.Float32s()
	case cam.Int32:
		resp.Int32 = results.Int32s()
	case cam.Uint8:
		resp.Uint8 = results.Uint8s()
	}

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// handleMatchArrow accepts an Arrow IPC stream holding one inputs record
// and responds with an Arrow IPC stream holding the result record. Op and
// dtype ride in query parameters.
func (s *Server) handleMatchArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleMatchArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	op, err := parseOp(r.URL.Query().Get("op"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dtype, err := parseDType(r.URL.Query().Get("dtype"), op)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad Request (Arrow decode): %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	if !reader.Next() {
		http.Error(w, "Bad Request: no record batch", http.StatusBadRequest)
		return
	}
	inputs, err := stackio.StackFromRecord(reader.Record())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	results, err := s.matcher.Match(ctx, inputs, op, dtype, nil)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	matchesProcessed.Inc()

	rec, err := stackio.RecordFromStack(s.alloc, results)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
	if err := writer.Write(rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := writer.Close(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow response")
	}
}

func (s *Server) forwardResults(ctx context.Context, results *cam.Stack) error {
	rec, err := stackio.RecordFromStack(s.alloc, results)
	if err != nil {
		return err
	}
	defer rec.Release()
	return s.flightClient.DoPut(ctx, s.datasetName, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func parseOp(s string) (cam.Op, error) {
	switch s {
	case "", "match":
		return cam.OpMatch, nil
	case "count_mismatches":
		return cam.OpCountMismatches, nil
	case "reduce_sum":
		return cam.OpReduceSum, nil
	default:
		return 0, fmt.Errorf("unknown op %q", s)
	}
}

// parseDType resolves the result element type, defaulting per op: matches
// as uint8 flags, mismatch counts as int32, reductions as float32.
func parseDType(s string, op cam.Op) (cam.DType, error) {
	switch s {
	case "float32":
		return cam.Float32, nil
	case "int32":
		return cam.Int32, nil
	case "uint8":
		return cam.Uint8, nil
	case "":
		switch op {
		case cam.OpMatch:
			return cam.Uint8, nil
		case cam.OpCountMismatches:
			return cam.Int32, nil
		default:
			return cam.Float32, nil
		}
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

func parseVariant(s string) (cam.Variant, error) {
	switch s {
	case "", "tcam":
		return cam.VariantTCAM, nil
	case "acam":
		return cam.VariantACAM, nil
	default:
		return 0, fmt.Errorf("unknown variant %q", s)
	}
}
