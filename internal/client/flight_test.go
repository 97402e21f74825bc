package client

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/device"
)

type mockFlightServer struct {
	flight.BaseFlightServer
	recordsReceived []arrow.Record
}

func (s *mockFlightServer) DoPut(server flight.FlightService_DoPutServer) error {
	for {
		batch, err := server.Recv()
		if err != nil {
			return nil
		}

		record, err := flight.NewRecordReader(server)
		if err != nil {
			return err
		}

		for record.Next() {
			rec := record.Record()
			rec.Retain()
			s.recordsReceived = append(s.recordsReceived, rec)
		}

		_ = batch
	}
}

func TestFlightClient_DoPut(t *testing.T) {
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)

	err := server.Init("localhost:0")
	require.NoError(t, err)
	addr := server.Addr().String()

	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	codec := NewTensorCodec(memory.NewGoAllocator())
	tensor := device.Host().NewTensor(device.Shape{2, 2}, device.Float64,
		[]float64{1, 2, 3, 4})

	rec, err := codec.Encode(tensor)
	require.NoError(t, err)
	defer rec.Release()

	err = client.DoPut(context.Background(), "matmul-results", rec)
	assert.NoError(t, err)
}
