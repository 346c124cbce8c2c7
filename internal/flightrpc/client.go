package flightrpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/xinfer/internal/arrowtensor"
	"github.com/23skdu/xinfer/internal/tensor"
)

// FlightClient calls a remote Service.
type FlightClient struct {
	addr   string
	client flight.Client
	mem    memory.Allocator
}

func NewFlightClient(addr string) *FlightClient {
	return &FlightClient{addr: addr, mem: memory.DefaultAllocator}
}

// Connect dials the server. The connection is established lazily by gRPC.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// Models lists the models served by the remote end.
func (fc *FlightClient) Models(ctx context.Context) ([]string, error) {
	if fc.client == nil {
		return nil, errors.New("client not connected, call Connect() first")
	}
	stream, err := fc.client.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		return nil, err
	}
	var names []string
	for {
		info, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		if d := info.GetFlightDescriptor(); d != nil && len(d.Path) == 1 {
			names = append(names, d.Path[0])
		}
	}
}

// Predict sends inputs to model and returns its outputs. Returned tensors
// own their memory. gRPC status errors are passed through unchanged so
// callers can inspect status.Code(err).
func (fc *FlightClient) Predict(ctx context.Context, model string, inputs map[string]tensor.Tensor) (map[string]tensor.Tensor, error) {
	if fc.client == nil {
		return nil, errors.New("client not connected, call Connect() first")
	}

	stream, err := fc.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	rec := arrowtensor.EncodeRecord(fc.mem, inputs)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(fc.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{model}})
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("sending inputs: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing request stream: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("closing request stream: %w", err)
	}

	recv := &statusRecorder{FlightService_DoExchangeClient: stream}
	reader, err := flight.NewRecordReader(recv, ipc.WithAllocator(fc.mem))
	if err != nil {
		return nil, recv.orElse(err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, recv.orElse(err)
		}
		if recv.err != nil {
			return nil, recv.err
		}
		return nil, errors.New("response carries no record")
	}
	outputs, err := arrowtensor.DecodeRecord(reader.Record())
	if err != nil {
		return nil, err
	}
	for name, t := range outputs {
		outputs[name] = t.Clone()
	}
	return outputs, nil
}

// statusRecorder keeps the stream's own error so the gRPC status survives
// the IPC reader's wrapping.
type statusRecorder struct {
	flight.FlightService_DoExchangeClient
	err error
}

func (r *statusRecorder) Recv() (*flight.FlightData, error) {
	fd, err := r.FlightService_DoExchangeClient.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		r.err = err
	}
	return fd, err
}

func (r *statusRecorder) orElse(err error) error {
	if r.err != nil {
		return r.err
	}
	return err
}
