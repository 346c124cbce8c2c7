// Package flightrpc exposes Predict over Arrow Flight. A client opens a
// DoExchange stream whose flight descriptor path is [model], sends one
// record of named input tensors and receives one record of outputs.
package flightrpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/xinfer/internal/arrowtensor"
	"github.com/23skdu/xinfer/internal/engine"
	"github.com/23skdu/xinfer/internal/logger"
	"github.com/23skdu/xinfer/internal/serve"
	"github.com/23skdu/xinfer/internal/tensor"
)

// Predictor is what the server needs from the model registry.
type Predictor interface {
	Models() []string
	Predict(ctx context.Context, model string, inputs map[string]tensor.Tensor) (map[string]tensor.Tensor, error)
}

type Service struct {
	flight.BaseFlightServer
	models Predictor
	mem    memory.Allocator
	log    *logger.Logger
}

func NewService(models Predictor, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Log
	}
	return &Service{models: models, mem: memory.DefaultAllocator, log: log}
}

// Server owns the gRPC listener.
type Server struct {
	srv flight.Server
	log *logger.Logger
}

// NewServer binds addr and registers svc. Use ":0" to pick a free port.
func NewServer(addr string, svc *Service) (*Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv.RegisterFlightService(svc)
	return &Server{srv: srv, log: svc.log}, nil
}

func (s *Server) Addr() net.Addr { return s.srv.Addr() }

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.log.Info("flight server listening", "addr", s.srv.Addr().String())
	return s.srv.Serve()
}

func (s *Server) Shutdown() {
	s.srv.Shutdown()
}

func (s *Service) ListFlights(_ *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	schema := flight.SerializeSchema(arrowtensor.Schema, s.mem)
	for _, name := range s.models.Models() {
		info := &flight.FlightInfo{
			Schema:           schema,
			FlightDescriptor: &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{name}},
			TotalRecords:     -1,
			TotalBytes:       -1,
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "reading request schema: %v", err)
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) != 1 || desc.Path[0] == "" {
		return status.Error(codes.InvalidArgument, "flight descriptor path must name exactly one model")
	}
	model := desc.Path[0]

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return status.Errorf(codes.InvalidArgument, "reading request record: %v", err)
		}
		return status.Error(codes.InvalidArgument, "request carries no record")
	}
	inputs, err := arrowtensor.DecodeRecord(reader.Record())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding inputs: %v", err)
	}

	outputs, err := s.models.Predict(stream.Context(), model, inputs)
	if err != nil {
		s.log.Debug("predict rejected", "model", model, "error", err)
		return toStatus(err)
	}

	rec := arrowtensor.EncodeRecord(s.mem, outputs)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.mem))
	if err := w.Write(rec); err != nil {
		w.Close()
		return status.Errorf(codes.Internal, "writing outputs: %v", err)
	}
	return w.Close()
}

// toStatus maps engine and registry errors to gRPC codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, serve.ErrModelNotFound):
		code = codes.NotFound
	case errors.Is(err, engine.ErrUnknownBinding), errors.Is(err, engine.ErrShapeMismatch):
		code = codes.InvalidArgument
	case errors.Is(err, engine.ErrEngineInvalid), errors.Is(err, engine.ErrClosed), errors.Is(err, serve.ErrPoolClosed):
		code = codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
