package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

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

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/ops"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_http_requests_total",
		Help: "HTTP compute requests served, by op",
	}, []string{"op"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_request_duration_seconds",
		Help:    "Time spent processing compute requests",
		Buckets: prometheus.DefBuckets,
	})
)

var tracer = otel.Tracer("quiver-server")

// resultPusher is the slice of client.ResultPusher the server needs;
// narrowed for tests.
type resultPusher interface {
	Push(ctx context.Context, t device.Tensor) error
}

// Server exposes the four tensor operations over HTTP. Request and
// response tensors ride in CBOR; /v1/einsum/arrow accepts an Arrow IPC
// operand stream instead.
type Server struct {
	backend device.Backend
	pusher  resultPusher
	codec   *client.TensorCodec
	alloc   memory.Allocator
	sem     *semaphore.Weighted
	maxElem int64
}

func NewServer(backend device.Backend, pusher resultPusher, maxElements int64) *Server {
	return &Server{
		backend: backend,
		pusher:  pusher,
		codec:   client.NewTensorCodec(memory.NewGoAllocator()),
		alloc:   memory.NewGoAllocator(),
		sem:     semaphore.NewWeighted(maxElements),
		maxElem: maxElements,
	}
}

func startServer(addr string, backend device.Backend, pusher resultPusher, maxElements int64) {
	srv := NewServer(backend, pusher, maxElements)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/v1/matmul", srv.handleBinaryOp("matmul", ops.MatMul))
	http.HandleFunc("/v1/mm", srv.handleBinaryOp("mm", ops.MM))
	http.HandleFunc("/v1/bmm", srv.handleBinaryOp("bmm", ops.BMM))
	http.HandleFunc("/v1/einsum", srv.handleEinsum)
	http.HandleFunc("/v1/einsum/arrow", srv.handleEinsumArrow)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Str("backend", backend.Name()).Msg("Starting Quiver server")

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// tensorPayload is the CBOR wire form of a tensor. Im is omitted for real
// dtypes. Float16 tensors travel as raw fp16 bits in Re16 to halve the
// payload.
type tensorPayload struct {
	Shape []int     `cbor:"shape"`
	DType string    `cbor:"dtype"`
	Re    []float64 `cbor:"re,omitempty"`
	Re16  []uint16  `cbor:"re16,omitempty"`
	Im    []float64 `cbor:"im,omitempty"`
}

func (p *tensorPayload) toTensor(b device.Backend) (device.Tensor, error) {
	dt, err := device.ParseDType(p.DType)
	if err != nil {
		return nil, err
	}
	shape := device.Shape(p.Shape)
	n := shape.Elems()

	if p.Re16 != nil {
		if dt != device.Float16 {
			return nil, fmt.Errorf("re16 column on dtype %s", p.DType)
		}
		if len(p.Re16) != n {
			return nil, fmt.Errorf("shape %v wants %d elements, got %d", shape, n, len(p.Re16))
		}
		data := make([]float64, n)
		for i, h := range p.Re16 {
			data[i] = float64(device.Float16ToFloat32(h))
		}
		return b.NewTensor(shape, dt, data), nil
	}

	if len(p.Re) != n {
		return nil, fmt.Errorf("shape %v wants %d elements, got %d", shape, n, len(p.Re))
	}

	if dt.IsComplex() {
		if p.Im != nil && len(p.Im) != n {
			return nil, fmt.Errorf("im column has %d elements, want %d", len(p.Im), n)
		}
		data := make([]complex128, n)
		for i := range data {
			im := 0.0
			if p.Im != nil {
				im = p.Im[i]
			}
			data[i] = complex(p.Re[i], im)
		}
		return b.NewComplex(shape, dt, data), nil
	}
	if p.Im != nil {
		return nil, fmt.Errorf("im column on real dtype %s", p.DType)
	}
	return b.NewTensor(shape, dt, p.Re), nil
}

func fromTensor(t device.Tensor) tensorPayload {
	p := tensorPayload{
		Shape: t.Shape(),
		DType: t.DType().String(),
	}
	if t.DType() == device.Float16 {
		re := t.Float64s()
		p.Re16 = make([]uint16, len(re))
		for i, v := range re {
			p.Re16[i] = device.Float32ToFloat16(float32(v))
		}
		return p
	}
	if t.DType().IsComplex() {
		cx := t.Complex128s()
		p.Re = make([]float64, len(cx))
		p.Im = make([]float64, len(cx))
		for i, v := range cx {
			p.Re[i] = real(v)
			p.Im[i] = imag(v)
		}
	} else {
		p.Re = t.Float64s()
	}
	return p
}

// admit blocks until the element budget admits the request. Oversized
// requests are clamped to the full budget rather than rejected outright.
func (s *Server) admit(ctx context.Context, tensors ...device.Tensor) (int64, error) {
	var weight int64
	for _, t := range tensors {
		weight += int64(t.Shape().Elems())
	}
	if weight > s.maxElem {
		weight = s.maxElem
	}
	if weight < 1 {
		weight = 1
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return 0, err
	}
	return weight, nil
}

func (s *Server) handleBinaryOp(op string, compute func(a, b device.Tensor) (device.Tensor, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "handle_"+op)
		defer span.End()

		start := time.Now()
		defer func() {
			requestDuration.Observe(time.Since(start).Seconds())
		}()

		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			A tensorPayload `cbor:"a"`
			B tensorPayload `cbor:"b"`
		}
		if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
			return
		}

		a, err := req.A.toTensor(s.backend)
		if err != nil {
			http.Error(w, fmt.Sprintf("Bad operand a: %v", err), http.StatusBadRequest)
			return
		}
		b, err := req.B.toTensor(s.backend)
		if err != nil {
			http.Error(w, fmt.Sprintf("Bad operand b: %v", err), http.StatusBadRequest)
			return
		}

		span.SetAttributes(
			attribute.String("shape_a", a.Shape().String()),
			attribute.String("shape_b", b.Shape().String()),
		)

		weight, err := s.admit(ctx, a, b)
		if err != nil {
			log.Error().Err(err).Msg("Failed to acquire admission semaphore")
			http.Error(w, "Server busy", http.StatusServiceUnavailable)
			return
		}
		defer s.sem.Release(weight)

		res, err := compute(a, b)
		if err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("%s failed: %v", op, err), http.StatusUnprocessableEntity)
			return
		}
		requestsTotal.WithLabelValues(op).Inc()

		s.forward(ctx, res)
		s.writeCBOR(w, fromTensor(res))
	}
}

func (s *Server) handleEinsum(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handle_einsum")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Equation string          `cbor:"equation"`
		Operands []tensorPayload `cbor:"operands"`
	}
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	operands := make([]device.Tensor, len(req.Operands))
	for i := range req.Operands {
		t, err := req.Operands[i].toTensor(s.backend)
		if err != nil {
			http.Error(w, fmt.Sprintf("Bad operand %d: %v", i, err), http.StatusBadRequest)
			return
		}
		operands[i] = t
	}

	span.SetAttributes(
		attribute.String("equation", req.Equation),
		attribute.Int("operand_count", len(operands)),
	)

	weight, err := s.admit(ctx, operands...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire admission semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	res, err := ops.Einsum(req.Equation, operands...)
	if err != nil {
		span.RecordError(err)
		status := http.StatusUnprocessableEntity
		if err == ops.ErrNoOperands {
			status = http.StatusBadRequest
		}
		http.Error(w, fmt.Sprintf("einsum failed: %v", err), status)
		return
	}
	requestsTotal.WithLabelValues("einsum").Inc()

	s.forward(ctx, res)
	s.writeCBOR(w, fromTensor(res))
}

// handleEinsumArrow reads the operands as an Arrow IPC stream (one record
// per operand, shape and dtype in the schema metadata) and streams the
// result record back. The equation rides in the "equation" query
// parameter.
func (s *Server) handleEinsumArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handle_einsum_arrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	equation := r.URL.Query().Get("equation")
	if equation == "" {
		http.Error(w, "Missing equation query parameter", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("equation", equation))

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var operands []device.Tensor
	for reader.Next() {
		t, err := s.codec.Decode(s.backend, reader.Record())
		if err != nil {
			http.Error(w, fmt.Sprintf("Bad operand record: %v", err), http.StatusBadRequest)
			return
		}
		operands = append(operands, t)
	}
	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusBadRequest)
		return
	}

	weight, err := s.admit(ctx, operands...)
	if err != nil {
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	res, err := ops.Einsum(equation, operands...)
	if err != nil {
		span.RecordError(err)
		status := http.StatusUnprocessableEntity
		if err == ops.ErrNoOperands {
			status = http.StatusBadRequest
		}
		http.Error(w, fmt.Sprintf("einsum failed: %v", err), status)
		return
	}
	requestsTotal.WithLabelValues("einsum").Inc()

	s.forward(ctx, res)

	rec, err := s.codec.Encode(res)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to encode result: %v", err), http.StatusInternalServerError)
		return
	}
	defer rec.Release()

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		log.Error().Err(err).Msg("Failed to write result record")
	}
	_ = writer.Close()
}

// forward ships the result to Longbow when a pusher is configured. Push
// failures are logged, not surfaced: the HTTP client still gets its
// result.
func (s *Server) forward(ctx context.Context, t device.Tensor) {
	if s.pusher == nil {
		return
	}
	if err := s.pusher.Push(ctx, t); err != nil {
		log.Error().Err(err).Msg("Error forwarding result to Longbow")
	}
}

func (s *Server) writeCBOR(w http.ResponseWriter, payload tensorPayload) {
	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
