package client

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient ships Arrow records to a Longbow server over Apache Flight.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient connects to the given Flight address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}, nil
}

// DoPut streams one record into the named dataset.
func (c *FlightClient) DoPut(ctx context.Context, dataset string, record arrow.Record) error {
	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	}

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(desc)

	if err := writer.Write(record); err != nil {
		return err
	}
	return writer.Close()
}

// Close tears down the underlying gRPC connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
