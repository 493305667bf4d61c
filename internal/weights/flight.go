package weights

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-splitter/internal/logger"
	"github.com/23skdu/longbow-splitter/internal/tensor"
)

// FlightServer exposes a Source over Arrow Flight. The ticket of a DoGet is
// the tensor name; the reply is a single-row record in tensorSchema.
type FlightServer struct {
	flight.BaseFlightServer

	src Source
	mem memory.Allocator
	srv flight.Server
}

func NewFlightServer(src Source) *FlightServer {
	return &FlightServer{src: src, mem: memory.NewGoAllocator()}
}

// Start binds addr (use "localhost:0" for an ephemeral port) and serves in
// the background.
func (s *FlightServer) Start(addr string) error {
	s.srv = flight.NewServerWithMiddleware(nil)
	if err := s.srv.Init(addr); err != nil {
		return fmt.Errorf("flight listen %s: %w", addr, err)
	}
	s.srv.RegisterFlightService(s)
	go func() {
		if err := s.srv.Serve(); err != nil {
			logger.Log.Error("Flight server stopped", "error", err)
		}
	}()
	logger.Log.Info("Weight server listening", "addr", s.srv.Addr().String(), "source", s.src.Name())
	return nil
}

func (s *FlightServer) Addr() string {
	if s.srv == nil {
		return ""
	}
	return s.srv.Addr().String()
}

func (s *FlightServer) Stop() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
}

func (s *FlightServer) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	name := string(tkt.GetTicket())
	t, err := s.src.Fetch(fs.Context(), name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return status.Error(codes.NotFound, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}

	rec, err := encodeRecord(s.mem, []Named{{Name: name, Tensor: t}})
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer rec.Release()

	w := flight.NewRecordWriter(fs, ipc.WithSchema(tensorSchema))
	defer w.Close()
	if err := w.Write(rec); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return nil
}

// FlightSource fetches tensors from a remote FlightServer.
type FlightSource struct {
	addr    string
	client  flight.Client
	timeout time.Duration
}

func DialFlight(addr string) (*FlightSource, error) {
	c, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial weight server %s: %w", addr, err)
	}
	return &FlightSource{addr: addr, client: c, timeout: 30 * time.Second}, nil
}

func (f *FlightSource) Name() string { return "flight" }

func (f *FlightSource) Fetch(ctx context.Context, name string) (*tensor.Tensor, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	stream, err := f.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, f.mapErr(name, err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, f.mapErr(name, err)
	}
	defer rdr.Release()

	for rdr.Next() {
		rec := rdr.Record()
		row := findRow(rec, name)
		if row < 0 {
			continue
		}
		n, err := decodeRow(rec, row)
		if err != nil {
			return nil, err
		}
		return n.Tensor, nil
	}
	if err := rdr.Err(); err != nil {
		return nil, f.mapErr(name, err)
	}
	return nil, fmt.Errorf("%w: %s (empty reply from %s)", ErrNotFound, name, f.addr)
}

func (f *FlightSource) mapErr(name string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return fmt.Errorf("fetch %s from %s: %w", name, f.addr, err)
}

func (f *FlightSource) Close() error {
	return f.client.Close()
}
