package ipc

import (
	"bufio"
	"encoding/json"
	"net"
	"runtime"
	"sync"

	"github.com/zqq-nuli/felay/internal/config"
	"github.com/zqq-nuli/felay/internal/logging"
	"github.com/zqq-nuli/felay/internal/storage"
)

// maxLineBytes bounds one NDJSON frame. PTY chunks are small; anything
// larger is a confused client: the scanner stops and the connection is
// closed.
const maxLineBytes = 1 << 20

// Handler receives validated messages. The daemon's router implements it.
// Request methods return the response payload to write back on the same
// connection.
type Handler interface {
	RegisterSession(p RegisterSessionPayload)
	PTYOutput(p PTYOutputPayload)
	SessionEnded(p SessionEndedPayload)
	APIProxyEvent(p APIProxyEventPayload)
	ToolNotify(tool string, p NotifyPayload)
	// SessionsReleased reports sessions whose IPC connection dropped without
	// a session_ended event (CLI host crash).
	SessionsReleased(sessionIDs []string)

	Status() StatusResponse
	Stop(p StopRequestPayload) Ack
	ListBots() ListBotsResponse
	SaveBot(p SaveBotPayload) SaveBotResponse
	DeleteBot(p DeleteBotPayload) Ack
	BindBot(p BindBotPayload) Ack
	UnbindBot(p UnbindBotPayload) Ack
	TestBot(p TestBotPayload) Ack
	GetConfig() GetConfigResponse
	SaveConfig(p SaveConfigPayload) Ack
	SetDefaultBot(p SetDefaultBotPayload) Ack
	GetDefaults() GetDefaultsResponse
	CheckToolConfig(tool string) ToolConfigStatus
	SetupToolConfig(tool string) Ack
}

// conn is one connected IPC client.
type conn struct {
	net.Conn
	writeMu sync.Mutex
}

func (c *conn) writeMessage(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.Conn.Write(append(data, '\n'))
	return err
}

// Server owns the IPC endpoint, the lock file, and the sessionId → socket
// map. Each sessionId is bound to at most one connection at a time.
type Server struct {
	paths   *config.Paths
	handler Handler

	ln net.Listener

	mu       sync.Mutex
	conns    map[*conn]struct{}
	sessions map[string]*conn
	closed   bool
}

// NewServer creates a server bound to the given handler.
func NewServer(paths *config.Paths, handler Handler) *Server {
	return &Server{
		paths:    paths,
		handler:  handler,
		conns:    make(map[*conn]struct{}),
		sessions: make(map[string]*conn),
	}
}

// Start writes the lock file and begins accepting clients. Failure to bind
// the endpoint is fatal for the daemon.
func (s *Server) Start() error {
	if err := acquireLock(s.paths); err != nil {
		return err
	}

	ln, err := listen(s.paths)
	if err != nil {
		releaseLock(s.paths)
		return err
	}
	s.ln = ln
	logging.Info().Str("endpoint", s.paths.SocketPath()).Msg("ipc listening")

	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			logging.Warn().Err(err).Msg("ipc accept failed")
			continue
		}

		c := &conn{Conn: nc}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		go s.serveConn(c)
	}
}

// serveConn reads LF-terminated frames until the client goes away.
func (s *Server) serveConn(c *conn) {
	defer s.dropConn(c)

	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(c, line)
	}
}

// dropConn releases the connection's sessions from the socket map. Registry
// rows survive until their own session_ended or prune; routing treats the
// drop as an end.
func (s *Server) dropConn(c *conn) {
	c.Close()

	s.mu.Lock()
	delete(s.conns, c)
	var released []string
	for id, owner := range s.sessions {
		if owner == c {
			delete(s.sessions, id)
			released = append(released, id)
		}
	}
	closed := s.closed
	s.mu.Unlock()

	if len(released) > 0 && !closed {
		s.handler.SessionsReleased(released)
	}
}

// handleLine decodes and dispatches one frame. Malformed input is dropped
// without disturbing the connection.
func (s *Server) handleLine(c *conn, line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		logging.Debug().Err(err).Msg("ipc: dropping unparsable frame")
		return
	}

	respond := func(msgType string, payload any) {
		resp, err := NewMessage(msgType, payload)
		if err != nil {
			logging.Error().Err(err).Str("type", msgType).Msg("ipc: response marshal failed")
			return
		}
		if err := c.writeMessage(resp); err != nil {
			logging.Debug().Err(err).Str("type", msgType).Msg("ipc: response write failed")
		}
	}

	switch msg.Type {
	case TypeRegisterSession:
		var p RegisterSessionPayload
		if !decode(msg.Payload, &p) || p.SessionID == "" {
			return
		}
		s.bindSession(p.SessionID, c)
		s.handler.RegisterSession(p)

	case TypePTYOutput:
		var p PTYOutputPayload
		if !decode(msg.Payload, &p) || p.SessionID == "" {
			return
		}
		s.handler.PTYOutput(p)

	case TypeSessionEnded:
		var p SessionEndedPayload
		if !decode(msg.Payload, &p) || p.SessionID == "" {
			return
		}
		s.unbindSession(p.SessionID, c)
		s.handler.SessionEnded(p)

	case TypeAPIProxyEvent:
		var p APIProxyEventPayload
		if !decode(msg.Payload, &p) || p.SessionID == "" {
			return
		}
		s.handler.APIProxyEvent(p)

	case TypeCodexNotify:
		var p NotifyPayload
		if !decode(msg.Payload, &p) {
			return
		}
		s.handler.ToolNotify("codex", p)

	case TypeClaudeNotify:
		var p NotifyPayload
		if !decode(msg.Payload, &p) {
			return
		}
		s.handler.ToolNotify("claude", p)

	case TypeStatusRequest:
		respond(TypeStatusResponse, s.handler.Status())

	case TypeStopRequest:
		var p StopRequestPayload
		decode(msg.Payload, &p)
		respond(TypeStopResponse, s.handler.Stop(p))

	case TypeListBotsRequest:
		respond(TypeListBotsResponse, s.handler.ListBots())

	case TypeSaveBotRequest:
		var p SaveBotPayload
		if !decode(msg.Payload, &p) {
			return
		}
		respond(TypeSaveBotResponse, s.handler.SaveBot(p))

	case TypeDeleteBotRequest:
		var p DeleteBotPayload
		if !decode(msg.Payload, &p) {
			return
		}
		respond(TypeDeleteBotResponse, s.handler.DeleteBot(p))

	case TypeBindBotRequest:
		var p BindBotPayload
		if !decode(msg.Payload, &p) {
			return
		}
		respond(TypeBindBotResponse, s.handler.BindBot(p))

	case TypeUnbindBotRequest:
		var p UnbindBotPayload
		if !decode(msg.Payload, &p) {
			return
		}
		respond(TypeUnbindBotResponse, s.handler.UnbindBot(p))

	case TypeTestBotRequest:
		var p TestBotPayload
		if !decode(msg.Payload, &p) {
			return
		}
		respond(TypeTestBotResponse, s.handler.TestBot(p))

	case TypeGetConfigRequest:
		respond(TypeGetConfigResponse, s.handler.GetConfig())

	case TypeSaveConfigRequest:
		var p SaveConfigPayload
		if !decode(msg.Payload, &p) {
			return
		}
		respond(TypeSaveConfigResponse, s.handler.SaveConfig(p))

	case TypeSetDefaultBotRequest:
		var p SetDefaultBotPayload
		if !decode(msg.Payload, &p) {
			return
		}
		respond(TypeSetDefaultBotResponse, s.handler.SetDefaultBot(p))

	case TypeGetDefaultsRequest:
		respond(TypeGetDefaultsResponse, s.handler.GetDefaults())

	case TypeCheckCodexConfigReq:
		respond(TypeCheckCodexConfigResp, s.handler.CheckToolConfig("codex"))

	case TypeSetupCodexConfigReq:
		respond(TypeSetupCodexConfigResp, s.handler.SetupToolConfig("codex"))

	case TypeCheckClaudeConfigReq:
		respond(TypeCheckClaudeConfigResp, s.handler.CheckToolConfig("claude"))

	case TypeSetupClaudeConfigReq:
		respond(TypeSetupClaudeConfigResp, s.handler.SetupToolConfig("claude"))

	default:
		logging.Debug().Str("type", msg.Type).Msg("ipc: ignoring unknown message type")
	}
}

func decode(raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		logging.Debug().Err(err).Msg("ipc: dropping frame with invalid payload")
		return false
	}
	return true
}

// bindSession maps a sessionId to its connection. A re-registration from a
// new connection steals the binding (the old CLI host is gone).
func (s *Server) bindSession(sessionID string, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = c
}

func (s *Server) unbindSession(sessionID string, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sessionID] == c {
		delete(s.sessions, sessionID)
	}
}

// SendToSession writes a message to the connection that registered the
// session.
func (s *Server) SendToSession(sessionID string, msg Message) error {
	s.mu.Lock()
	c, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return ErrNoSessionSocket
	}
	return c.writeMessage(msg)
}

// HasSessionSocket reports whether a live connection registered the session.
func (s *Server) HasSessionSocket(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// Close stops accepting, closes every connection, and removes the socket
// and lock files.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	if runtime.GOOS != "windows" {
		_ = storage.Remove(s.paths.SocketPath())
	}
	releaseLock(s.paths)
	return err
}
