package client

import (
	"context"
	"errors"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// ErrCircuitOpen is returned by Push while the breaker is rejecting
// traffic after repeated Longbow failures.
var ErrCircuitOpen = errors.New("client: circuit open, longbow push rejected")

// ResultPusher forwards computed tensors to a Longbow dataset, guarded by a
// circuit breaker so a down Longbow cannot stall the compute path.
type ResultPusher struct {
	client  *FlightClient
	codec   *TensorCodec
	breaker *CircuitBreaker
	dataset string
}

// NewResultPusher connects to the Longbow Flight address. The breaker opens
// after 5 consecutive failures and probes again after 10s.
func NewResultPusher(addr, dataset string) (*ResultPusher, error) {
	fc, err := NewFlightClient(addr)
	if err != nil {
		return nil, err
	}
	return &ResultPusher{
		client:  fc,
		codec:   NewTensorCodec(memory.NewGoAllocator()),
		breaker: NewCircuitBreaker(5, 10*time.Second),
		dataset: dataset,
	}, nil
}

// Push encodes the tensor and streams it to the dataset.
func (p *ResultPusher) Push(ctx context.Context, t device.Tensor) error {
	if !p.breaker.Allow() {
		pushesDropped.Inc()
		return ErrCircuitOpen
	}

	rec, err := p.codec.Encode(t)
	if err != nil {
		return err
	}
	defer rec.Release()

	if err := p.client.DoPut(ctx, p.dataset, rec); err != nil {
		p.breaker.Failure()
		pushesFailed.Inc()
		log.Warn().Err(err).Str("dataset", p.dataset).Msg("longbow push failed")
		return err
	}
	p.breaker.Success()
	pushesTotal.Inc()
	return nil
}

// Close releases the Flight connection.
func (p *ResultPusher) Close() error {
	return p.client.Close()
}
