package main

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/ops"
)

// QuiverFlightServer accepts operand tensors over Flight DoPut, computes
// the requested operation and holds the result for retrieval by ticket.
//
// The flight descriptor path selects the operation: ["matmul"], ["mm"],
// ["bmm"] or ["einsum", equation]. Each record in the stream is one
// operand. The PutResult app metadata carries the ticket for DoGet.
type QuiverFlightServer struct {
	flight.BaseFlightServer

	backend device.Backend
	codec   *client.TensorCodec
	alloc   memory.Allocator

	mu      sync.Mutex
	results map[string]arrow.Record
	nextID  atomic.Uint64
}

func NewQuiverFlightServer(backend device.Backend) *QuiverFlightServer {
	return &QuiverFlightServer{
		backend: backend,
		codec:   client.NewTensorCodec(memory.NewGoAllocator()),
		alloc:   memory.NewGoAllocator(),
		results: make(map[string]arrow.Record),
	}
}

func (s *QuiverFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	var operands []device.Tensor
	for reader.Next() {
		t, err := s.codec.Decode(s.backend, reader.Record())
		if err != nil {
			return fmt.Errorf("bad operand record: %w", err)
		}
		operands = append(operands, t)
	}
	if reader.Err() != nil {
		return reader.Err()
	}

	desc := reader.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) == 0 {
		return fmt.Errorf("missing flight descriptor path")
	}

	res, err := s.compute(desc.Path, operands)
	if err != nil {
		return err
	}

	rec, err := s.codec.Encode(res)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("result-%d", s.nextID.Add(1))
	s.mu.Lock()
	s.results[key] = rec
	s.mu.Unlock()

	log.Info().
		Str("op", desc.Path[0]).
		Str("ticket", key).
		Str("shape", res.Shape().String()).
		Msg("DoPut computed result")

	return stream.Send(&flight.PutResult{AppMetadata: []byte(key)})
}

func (s *QuiverFlightServer) compute(path []string, operands []device.Tensor) (device.Tensor, error) {
	op := path[0]

	binary := func(f func(a, b device.Tensor) (device.Tensor, error)) (device.Tensor, error) {
		if len(operands) != 2 {
			return nil, fmt.Errorf("%s expects 2 operands, got %d", op, len(operands))
		}
		return f(operands[0], operands[1])
	}

	switch op {
	case "matmul":
		return binary(ops.MatMul)
	case "mm":
		return binary(ops.MM)
	case "bmm":
		return binary(ops.BMM)
	case "einsum":
		if len(path) < 2 {
			return nil, fmt.Errorf("einsum descriptor missing equation")
		}
		return ops.Einsum(path[1], operands...)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

// DoGet streams a stored result record and releases it.
func (s *QuiverFlightServer) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	key := string(ticket.Ticket)

	s.mu.Lock()
	rec, ok := s.results[key]
	if ok {
		delete(s.results, key)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown ticket %q", key)
	}
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func startFlightServer(addr string, backend device.Backend) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewQuiverFlightServer(backend))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Str("backend", backend.Name()).Msg("Starting Quiver Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
