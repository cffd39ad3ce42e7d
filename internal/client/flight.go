package client

import (
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient pushes match-result record batches to a Longbow server via
// Apache Flight. Pushes run behind a circuit breaker so a dead endpoint
// fails fast instead of stalling every dispatch.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}, nil
}

// DoPut sends a result RecordBatch to the given dataset on the Longbow
// server. Returns ErrCircuitOpen while the endpoint is considered down.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	return c.breaker.Do(func() error {
		desc := &flight.FlightDescriptor{
			Type: flight.DescriptorPATH,
			Path: []string{datasetName},
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
	})
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
