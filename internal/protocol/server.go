package protocol

import (
	"context"
	"log"
	"net"
	"sync"

	"github.com/tidwall/redcon"
)

type Server struct {
	addr    string
	handler *Handler

	mu       sync.RWMutex
	server   *redcon.Server
	listener net.Listener
}

func NewServer(addr string, handler *Handler) *Server {
	return &Server{addr: addr, handler: handler}
}

func (s *Server) Start() error {
	log.Printf("server starting on %s", s.addr)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		nil,
		nil,
	)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	return srv.Serve(ln)
}

func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	ctx := context.Background()
	s.handler.Execute(ctx, conn, cmd.Args[0], cmd.Args[1:])

	for _, p := range conn.ReadPipeline() {
		if len(p.Args) == 0 {
			continue
		}
		s.handler.Execute(ctx, conn, p.Args[0], p.Args[1:])
	}
}
