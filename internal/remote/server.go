// Package remote exposes a running agent over a websocket so a browser or
// phone can follow along, send messages (queued as mid-run messages while
// the agent works), stop the run and answer approval prompts.
package remote

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/approval"
	"github.com/haasonsaas/partner/pkg/models"
)

const (
	maxPayloadBytes = 1 << 20
	tickInterval    = 15 * time.Second
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
)

// Controller is the part of the agent the remote surface drives.
type Controller interface {
	SendMessage(ctx context.Context, text string, attachments []models.Attachment) error
	Stop()
	NewConversation()
	Status() agent.Status
	ConversationID() string
}

// Config configures a Server.
type Config struct {
	// Token, when set, must be presented as a bearer token or the token
	// query parameter.
	Token string

	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Server serves /ws. It also implements approval.Channel so web clients
// can answer approval prompts.
type Server struct {
	ctrl     Controller
	hub      *Hub
	token    string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup

	mu      sync.Mutex
	pending *approval.Pending
}

// NewServer creates a remote control server for ctrl broadcasting via hub.
func NewServer(ctrl Controller, hub *Hub, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctrl:   ctrl,
		hub:    hub,
		token:  cfg.Token,
		logger: logger.With("component", "remote"),
		ctx:    ctx,
		cancel: cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return s
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns a mux serving /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":      true,
			"status":  s.ctrl.Status(),
			"clients": s.hub.Len(),
		})
	})
	return mux
}

// ServeHTTP upgrades the connection and runs the client until it leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		server: s,
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
	}
	s.hub.add(c)
	s.logger.Info("remote client connected", "client_id", c.id, "clients", s.hub.Len())
	c.sendEvent(s.initEvent())

	go c.writeLoop()
	c.readLoop()

	s.hub.remove(c)
	_ = conn.Close()
	s.logger.Info("remote client disconnected", "client_id", c.id)
}

// Close disconnects every client and waits for runs started remotely.
func (s *Server) Close() error {
	s.cancel()
	s.hub.closeAll()
	s.runs.Wait()
	return nil
}

// RequestDecision publishes p to web clients. It resolves later, when a
// client answers or the gate force-denies.
func (s *Server) RequestDecision(ctx context.Context, p *approval.Pending) error {
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
	s.hub.Broadcast(Event{Type: EventApproval, Approval: approvalInfo(p)})

	go func() {
		<-p.Done()
		s.mu.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.mu.Unlock()
		s.hub.Broadcast(Event{Type: EventApprovalCleared, Approval: approvalInfo(p)})
	}()
	return nil
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	presented := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

func (s *Server) initEvent() Event {
	ev := Event{
		Type:           EventInit,
		Status:         string(s.ctrl.Status()),
		ConversationID: s.ctrl.ConversationID(),
	}
	s.mu.Lock()
	if s.pending != nil {
		ev.Approval = approvalInfo(s.pending)
	}
	s.mu.Unlock()
	return ev
}

func (s *Server) handle(c *client, frame Frame) {
	switch frame.Type {
	case TypeMessage:
		text := strings.TrimSpace(frame.Text)
		if text == "" {
			c.sendEvent(Event{Type: EventError, Error: "text is required"})
			return
		}
		s.send(text)
	case TypeStop:
		s.ctrl.Stop()
	case TypeNew:
		s.ctrl.NewConversation()
		s.hub.Broadcast(Event{Type: EventInit, Status: string(s.ctrl.Status()), ConversationID: s.ctrl.ConversationID()})
	case TypeApproval:
		s.resolve(c, frame)
	case TypePing:
		c.sendEvent(Event{Type: EventPong})
	default:
		c.sendEvent(Event{Type: EventError, Error: "unknown frame type: " + frame.Type})
	}
}

// send starts a run in the background. While a run is working the
// controller queues the text and returns at once.
func (s *Server) send(text string) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		err := s.ctrl.SendMessage(s.ctx, text, nil)
		var loopErr *agent.LoopError
		if err != nil && !errors.As(err, &loopErr) {
			s.hub.Broadcast(Event{Type: EventError, Error: err.Error()})
		}
	}()
}

func (s *Server) resolve(c *client, frame Frame) {
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()
	if p == nil || (frame.ID != "" && frame.ID != p.ID) {
		c.sendEvent(Event{Type: EventError, Error: "no matching approval request"})
		return
	}
	decision := approval.Denied
	if frame.Approved {
		decision = approval.Approved
	}
	if p.ResolveBy(decision, "web:"+c.id) {
		s.logger.Info("approval answered remotely", "tool", p.ToolName, "decision", decision, "client_id", c.id)
	}
}

func approvalInfo(p *approval.Pending) *ApprovalInfo {
	return &ApprovalInfo{ID: p.ID, ToolName: p.ToolName, Arguments: p.Arguments}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.ToLower(origin)]
	}
}

type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte
}

// sendEvent queues ev for this client only.
func (c *client) sendEvent(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	defer func() { _ = recover() }()
	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendEvent(Event{Type: EventError, Error: "invalid frame: " + err.Error()})
			continue
		}
		c.server.handle(c, frame)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
