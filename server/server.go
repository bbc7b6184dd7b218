package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wfunc/labyrinth/logger"
	"github.com/wfunc/labyrinth/maze"
	"github.com/wfunc/labyrinth/monitor"
	"github.com/wfunc/labyrinth/network"
	"github.com/wfunc/labyrinth/persistence"
	"github.com/wfunc/labyrinth/projection"
	"github.com/wfunc/labyrinth/services"
	"github.com/wfunc/labyrinth/session"
	"github.com/wfunc/labyrinth/state"
)

const heartbeatInterval = 30 * time.Second

// GameServer 接收websocket连接，把消息分发给比赛服务
type GameServer struct {
	addr           string
	upgrader       websocket.Upgrader
	matchService   *services.MatchService
	sessionManager *session.Manager
	monitor        *monitor.Monitor

	observeMu sync.Mutex
	observers map[string]func() // sessionID -> cancel of the observe loop

	shutdownChan chan struct{}
}

func NewGameServer(addr string, matchService *services.MatchService, sessionManager *session.Manager, mon *monitor.Monitor) *GameServer {
	return &GameServer{
		addr:           addr,
		matchService:   matchService,
		sessionManager: sessionManager,
		monitor:        mon,
		observers:      make(map[string]func()),
		shutdownChan:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有跨域请求
			},
		},
	}
}

func (s *GameServer) Start() error {
	http.HandleFunc("/ws", s.handleWebSocket)
	logger.Log.Infof("game server listening on %s", s.addr)
	return http.ListenAndServe(s.addr, nil)
}

func (s *GameServer) Shutdown() {
	close(s.shutdownChan)
}

func (s *GameServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(conn)
}

func (s *GameServer) handleConnection(conn *websocket.Conn) {
	wsConn := network.NewWSConnection(conn)
	wsConn.SetHeartbeat(heartbeatInterval)
	sess := session.NewSession(uuid.New().String(), wsConn)
	s.sessionManager.Add(sess)
	if s.monitor != nil {
		s.monitor.IncOnlineSessions()
	}

	logger.Log.Infof("new connection from %s, session %s", wsConn.RemoteAddr(), sess.GetID())

	defer func() {
		logger.Log.Infof("connection closed from %s, session %s", wsConn.RemoteAddr(), sess.GetID())
		s.stopObserving(sess.GetID())
		s.sessionManager.Remove(sess.GetID())
		if s.monitor != nil {
			s.monitor.DecOnlineSessions()
		}
		wsConn.Close()
	}()

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
			packet, err := wsConn.ReadPacket()
			if err != nil {
				return
			}
			s.handlePacket(sess, packet)
		}
	}
}

func (s *GameServer) handlePacket(sess *session.Session, packet *network.Packet) {
	switch packet.MsgID {
	case network.MsgTypeHeartbeat:
		sess.Touch()
	case network.MsgTypeHello:
		s.handleHello(sess, packet)
	case network.MsgTypeCreateMatch:
		s.handleCreateMatch(sess, packet)
	case network.MsgTypeJoinMatch:
		s.handleJoinMatch(sess, packet)
	case network.MsgTypeSubmitMaze:
		s.handleSubmitMaze(sess, packet)
	case network.MsgTypeMove:
		s.handleMove(sess, packet)
	case network.MsgTypeAbandon:
		s.handleAbandon(sess)
	case network.MsgTypeChat:
		s.handleChat(sess, packet)
	default:
		logger.Log.Infof("unknown message type: %d", packet.MsgID)
	}
}

func (s *GameServer) handleHello(sess *session.Session, packet *network.Packet) {
	var req struct {
		PlayerID string `json:"playerId"`
	}
	if err := json.Unmarshal(packet.Data, &req); err != nil || req.PlayerID == "" {
		s.sendError(sess, errors.New("hello requires a playerId"))
		return
	}
	sess.SetPlayer(req.PlayerID)
	resp, _ := json.Marshal(map[string]string{"playerId": req.PlayerID})
	sess.Send(network.MsgTypeHello, resp)
}

func (s *GameServer) handleCreateMatch(sess *session.Session, packet *network.Packet) {
	var req struct {
		Participants []string `json:"participants"`
	}
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		s.sendError(sess, errors.New("bad create request"))
		return
	}

	matchID, err := s.matchService.CreateMatch(context.Background(), req.Participants)
	if err != nil {
		s.sendError(sess, err)
		return
	}
	resp, _ := json.Marshal(map[string]string{"matchId": matchID})
	sess.Send(network.MsgTypeCreateMatch, resp)
}

func (s *GameServer) handleJoinMatch(sess *session.Session, packet *network.Packet) {
	playerID := sess.GetPlayer()
	if playerID == "" {
		s.sendError(sess, errors.New("hello first"))
		return
	}
	var req struct {
		MatchID string `json:"matchId"`
	}
	if err := json.Unmarshal(packet.Data, &req); err != nil || req.MatchID == "" {
		s.sendError(sess, errors.New("bad join request"))
		return
	}

	// 切换观战目标时先停掉旧的推送
	s.stopObserving(sess.GetID())

	ctx, cancel := context.WithCancel(context.Background())
	views, cancelObserve, err := s.matchService.Observe(ctx, req.MatchID, playerID)
	if err != nil {
		cancel()
		s.sendError(sess, err)
		return
	}
	sess.SetMatch(req.MatchID)
	s.observeMu.Lock()
	s.observers[sess.GetID()] = func() {
		cancel()
		cancelObserve()
	}
	s.observeMu.Unlock()

	go s.pumpViews(sess, views)
	s.sendChatHistory(sess, req.MatchID)
}

// pumpViews forwards every projection update to the session until the
// stream closes.
func (s *GameServer) pumpViews(sess *session.Session, views <-chan *projection.View) {
	for view := range views {
		data, err := json.Marshal(view)
		if err != nil {
			logger.Log.Errorf("marshal projection for session %s: %v", sess.GetID(), err)
			continue
		}
		if err := sess.Send(network.MsgTypeProjection, data); err != nil {
			return
		}
	}
}

func (s *GameServer) sendChatHistory(sess *session.Session, matchID string) {
	history, err := s.matchService.ChatHistory(context.Background(), matchID, 50)
	if err != nil {
		logger.Log.Warnf("chat history for %s: %v", matchID, err)
		return
	}
	data, err := json.Marshal(history)
	if err != nil {
		return
	}
	sess.Send(network.MsgTypeChatHistory, data)
}

func (s *GameServer) handleSubmitMaze(sess *session.Session, packet *network.Packet) {
	playerID, matchID, ok := s.requireMatch(sess)
	if !ok {
		return
	}
	var mz maze.Maze
	if err := json.Unmarshal(packet.Data, &mz); err != nil {
		s.sendError(sess, errors.New("bad maze payload"))
		return
	}
	if err := s.matchService.SubmitMaze(context.Background(), matchID, playerID, &mz); err != nil {
		s.sendError(sess, err)
		return
	}
	resp, _ := json.Marshal(map[string]bool{"accepted": true})
	sess.Send(network.MsgTypeSubmitMaze, resp)
}

func (s *GameServer) handleMove(sess *session.Session, packet *network.Packet) {
	playerID, matchID, ok := s.requireMatch(sess)
	if !ok {
		return
	}
	var req struct {
		Direction maze.Direction `json:"direction"`
	}
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		s.sendError(sess, errors.New("bad move payload"))
		return
	}

	outcome, err := s.matchService.Move(context.Background(), matchID, playerID, req.Direction)
	if err != nil {
		s.sendError(sess, err)
		return
	}
	resp, _ := json.Marshal(outcome)
	sess.Send(network.MsgTypeMoveResult, resp)
}

func (s *GameServer) handleAbandon(sess *session.Session) {
	_, matchID, ok := s.requireMatch(sess)
	if !ok {
		return
	}
	if err := s.matchService.Abandon(context.Background(), matchID); err != nil {
		s.sendError(sess, err)
		return
	}
	resp, _ := json.Marshal(map[string]bool{"abandoned": true})
	sess.Send(network.MsgTypeAbandon, resp)
}

func (s *GameServer) handleChat(sess *session.Session, packet *network.Packet) {
	playerID, matchID, ok := s.requireMatch(sess)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(packet.Data, &req); err != nil || req.Text == "" {
		s.sendError(sess, errors.New("bad chat payload"))
		return
	}
	if err := s.matchService.SendChat(context.Background(), matchID, playerID, req.Text); err != nil {
		s.sendError(sess, err)
	}
}

func (s *GameServer) requireMatch(sess *session.Session) (playerID, matchID string, ok bool) {
	playerID = sess.GetPlayer()
	if playerID == "" {
		s.sendError(sess, errors.New("hello first"))
		return "", "", false
	}
	matchID = sess.GetMatch()
	if matchID == "" {
		s.sendError(sess, errors.New("join a match first"))
		return "", "", false
	}
	return playerID, matchID, true
}

func (s *GameServer) stopObserving(sessionID string) {
	s.observeMu.Lock()
	if cancel, ok := s.observers[sessionID]; ok {
		cancel()
		delete(s.observers, sessionID)
	}
	s.observeMu.Unlock()
}

func (s *GameServer) sendError(sess *session.Session, err error) {
	data, _ := json.Marshal(map[string]string{
		"error": err.Error(),
		"kind":  errorKind(err),
	})
	sess.Send(network.MsgTypeError, data)
}

// errorKind tags the payload so clients can branch without matching on
// message text.
func errorKind(err error) string {
	switch {
	case errors.Is(err, state.ErrWrongPhase):
		return "wrong_phase"
	case errors.Is(err, state.ErrNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, state.ErrAlreadyGoaled):
		return "already_goaled"
	case errors.Is(err, state.ErrAlreadySubmitted):
		return "already_submitted"
	case errors.Is(err, state.ErrUnknownParticipant):
		return "unknown_participant"
	case errors.Is(err, maze.ErrOutOfBounds):
		return "out_of_bounds"
	case errors.Is(err, maze.ErrGridMismatch),
		errors.Is(err, maze.ErrDuplicateWall),
		errors.Is(err, maze.ErrWallBudget),
		errors.Is(err, maze.ErrUnreachable):
		return "invalid_maze"
	case errors.Is(err, persistence.ErrMatchNotFound):
		return "unknown_match"
	case errors.Is(err, persistence.ErrTransient):
		return "transient"
	case errors.Is(err, persistence.ErrCancelled):
		return "cancelled"
	default:
		return "error"
	}
}
