package api

import (
	"context"
	"net/http"

	"pali-wallet/go-mediator/internal/adapters/rpc"
)

const defaultRPCAddr = rpc.DefaultRPCAddr

// Server composes a Service with its RPC transport and runs both: the
// transport serves requests while the service's sweep loops tick in the
// background.
type Server struct {
	service   *Service
	transport *rpc.Server
	initErr   error
}

func NewServer(opts Options) *Server {
	return NewServerWithAddr(defaultRPCAddr, opts)
}

func NewServerWithAddr(rpcAddr string, opts Options) *Server {
	svc, err := NewService(opts)
	if err != nil {
		return &Server{initErr: err}
	}
	return NewServerWithService(rpcAddr, svc)
}

func NewServerWithService(rpcAddr string, svc *Service) *Server {
	return &Server{
		service:   svc,
		transport: rpc.NewServerWithService(rpcAddr, svc, svc.Gatherer()),
	}
}

func (s *Server) Service() *Service {
	return s.service
}

func (s *Server) Run(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	go s.service.Run(ctx)
	return s.transport.Run(ctx)
}

func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) {
	s.transport.HandleRPC(w, r)
}

func (s *Server) HandleRPCStream(w http.ResponseWriter, r *http.Request) {
	s.transport.HandleRPCStream(w, r)
}
