package rpc

import (
	"context"
	"net"
	"net/rpc"

	"github.com/wfunc/labyrinth/logger"
	"github.com/wfunc/labyrinth/models"
	"github.com/wfunc/labyrinth/services"
)

// Server manages the RPC listener.
type Server struct {
	listener net.Listener
	address  string
}

// NewServer creates a new RPC server. Services are registered with the
// net/rpc package before calling Start.
func NewServer(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		address:  addr,
	}, nil
}

// Start begins listening for RPC requests.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.address)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if _, ok := err.(*net.OpError); ok {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go rpc.ServeConn(conn)
	}
}

// Stop closes the RPC listener.
func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// AdminService exposes operator methods over net/rpc. Methods follow
// the net/rpc signature rules: exported, pointer reply, error return.
type AdminService struct {
	matchService *services.MatchService
}

func NewAdminService(ms *services.MatchService) *AdminService {
	return &AdminService{matchService: ms}
}

// Register binds the service under the "MatchAdmin" name.
func (as *AdminService) Register() error {
	return rpc.RegisterName("MatchAdmin", as)
}

type GetMatchArgs struct {
	MatchID string
}

type GetMatchReply struct {
	Match *models.Match
}

// GetMatch returns the full match document, fog of war included. It is
// an operator tool; clients only ever receive projections.
func (as *AdminService) GetMatch(args *GetMatchArgs, reply *GetMatchReply) error {
	m, err := as.matchService.GetMatch(context.Background(), args.MatchID)
	if err != nil {
		return err
	}
	reply.Match = m
	return nil
}

type AbandonArgs struct {
	MatchID string
}

type AbandonReply struct {
	Abandoned bool
}

// Abandon force-finishes a match. Ranks fall back to current scores.
func (as *AdminService) Abandon(args *AbandonArgs, reply *AbandonReply) error {
	if err := as.matchService.Abandon(context.Background(), args.MatchID); err != nil {
		return err
	}
	reply.Abandoned = true
	return nil
}
