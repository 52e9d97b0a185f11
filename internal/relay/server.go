// Package relay is the websocket channel between clients: the server hub
// that owns the presence registry, and the client used by peers.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/presence"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("relay")

var (
	errNotJoined   = errors.New("join first")
	errNoAddress   = errors.New("register a relay address first")
	errUnreachable = errors.New("peer address not registered")
)

// CallStore persists call outcome records.
type CallStore interface {
	RecordCall(ev proto.CallEventPayload, at time.Time) (proto.CallRecord, error)
}

type Options struct {
	Bind           string
	AllowedOrigins []string

	Status  presence.StatusStore
	Friends presence.FriendLookup
	Calls   CallStore // optional
	Logs    *util.LogBuffer

	Liveness   time.Duration
	PruneEvery time.Duration

	// HistorySize bounds the in-memory call records served by
	// /calls/{userID}.json.
	HistorySize int
	Clock       clock.Clock
}

// Server is the relay hub. It implements presence.Broadcaster for its
// registry.
type Server struct {
	opts     Options
	clock    clock.Clock
	registry *presence.Registry
	upgrader websocket.Upgrader
	recent   *util.RingBuffer[proto.CallRecord]
	addr     net.Addr

	mu    sync.RWMutex
	conns map[*conn]struct{}
	users map[string]*conn              // userID -> current connection
	addrs map[string]*conn              // relay address -> connection
	rooms map[string]map[*conn]struct{} // group id -> members
}

func NewServer(opts Options) *Server {
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 200
	}
	s := &Server{
		opts:   opts,
		clock:  c,
		recent: util.NewRingBuffer[proto.CallRecord](opts.HistorySize),
		conns:  make(map[*conn]struct{}),
		users:  make(map[string]*conn),
		addrs:  make(map[string]*conn),
		rooms:  make(map[string]map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.registry = presence.New(opts.Status, s, presence.Options{
		Liveness:   opts.Liveness,
		PruneEvery: opts.PruneEvery,
		Friends:    opts.Friends,
		Clock:      c,
	})
	return s
}

func (s *Server) Registry() *presence.Registry { return s.registry }

// Addr is the bound listen address once Start has returned.
func (s *Server) Addr() net.Addr { return s.addr }

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/online.json", s.handleOnlineJSON)
	r.Get("/calls/{userID}.json", s.handleCallsJSON)
	if s.opts.Logs != nil {
		r.Get("/logs.json", s.opts.Logs.ServeLogsJSON)
	}
	return r
}

// Start listens on the configured address and serves until ctx is done.
// The prune sweep runs for the same lifetime.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.opts.Bind)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()

	go s.registry.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.closeAll()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("RELAY: serve: %v", err)
		}
	}()

	log.Infof("RELAY: listening on %s", s.addr)
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, origin) || slices.Contains(s.opts.AllowedOrigins, "*")
}

// closeAll drops every websocket; http.Server.Shutdown does not touch
// hijacked connections.
func (s *Server) closeAll() {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

// ── Connection lifecycle ──────────────────────────────────────────────────────

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("RELAY: upgrade: %v", err)
		return
	}
	c := newConn(ws)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	defer s.drop(c)

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("RELAY: read: %v", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var f proto.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.sendError(c, "", "malformed frame")
			continue
		}
		if err := s.dispatch(c, f); err != nil {
			log.Debugf("RELAY: %s rejected: %v", f.Event, err)
			s.sendError(c, f.ID, err.Error())
		}
	}
}

// drop forgets every mapping owned by c and prunes its user.
func (s *Server) drop(c *conn) {
	c.close()

	s.mu.Lock()
	delete(s.conns, c)
	userID := c.userID
	if userID != "" && s.users[userID] == c {
		delete(s.users, userID)
	}
	if c.addr != "" && s.addrs[c.addr] == c {
		delete(s.addrs, c.addr)
	}
	for groupID := range c.rooms {
		s.leaveRoomLocked(c, groupID)
	}
	s.mu.Unlock()

	if userID != "" {
		s.registry.Disconnect(userID, c)
	}
}

// ── Dispatch ──────────────────────────────────────────────────────────────────

func (s *Server) dispatch(c *conn, f proto.Frame) error {
	if f.Event == proto.EventJoin {
		return s.handleJoin(c, f)
	}

	userID := s.userOf(c)
	if userID == "" {
		return errNotJoined
	}

	switch f.Event {
	case proto.EventHeartbeat:
		s.registry.Heartbeat(userID)
		return nil

	case proto.EventSetStatus:
		var p proto.SetStatusPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		return s.registry.SetStatus(userID, p.Status)

	case proto.EventRegisterPeer:
		var p proto.RegisterPeerPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		if p.UserID != userID {
			return errors.New("register_peer: user id does not match connection")
		}
		s.registerAddr(c, p.RelayAddr)
		return nil

	case proto.EventGetPeerID:
		var p proto.GetPeerIDPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		s.sendFrame(c, proto.EventGetPeerID, f.ID, proto.PeerIDResult{RelayAddr: s.addrOf(p.UserID)})
		return nil

	case proto.EventRegisterCallEvent:
		var p proto.CallEventPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		if p.FromUserID != userID {
			return errors.New("register_call_event: user id does not match connection")
		}
		return s.recordCall(p)

	case proto.EventCallTermination:
		var p proto.CallTerminationPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		p.FromUserID = userID
		s.SendTo(p.ToUserID, proto.EventCallTermination, p)
		return nil

	case proto.EventCallMuteChange:
		var p proto.MuteChangePayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		p.FromUserID = userID
		s.SendTo(p.ToUserID, proto.EventPeerMuteChange, p)
		return nil

	case proto.EventCallScreenShareChange:
		var p proto.ScreenShareChangePayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		p.FromUserID = userID
		s.SendTo(p.ToUserID, proto.EventPeerScreenShareChange, p)
		return nil

	case proto.EventJoinGroupRoom:
		var p proto.GroupRoomPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		s.joinRoom(c, p.GroupID)
		return nil

	case proto.EventGroupCallInit:
		var p proto.GroupCallInitPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		p.FromUserID = userID
		s.joinRoom(c, p.GroupID)
		s.sendRoom(p.GroupID, c, proto.EventGroupCallStarted, p)
		return nil

	case proto.EventGroupCallPeerID:
		var p proto.GroupCallPeerIDPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		p.UserID = userID
		s.joinRoom(c, p.GroupID)
		s.sendRoom(p.GroupID, nil, proto.EventGroupPeerDiscovered, proto.GroupPeerDiscoveredPayload(p))
		return nil

	case proto.EventGroupCallLeave:
		var p proto.GroupCallLeavePayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		p.UserID = userID
		s.sendRoom(p.GroupID, c, proto.EventGroupCallLeave, p)
		s.leaveRoom(c, p.GroupID)
		return nil

	case proto.EventLinkSignal:
		var p proto.LinkSignalPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		return s.forwardSignal(c, p)
	}

	return errors.New("unknown event " + strconv.Quote(f.Event))
}

func (s *Server) handleJoin(c *conn, f proto.Frame) error {
	var p proto.JoinPayload
	if err := f.Decode(&p); err != nil {
		return err
	}
	userID, err := util.ValidateUserID(p.UserID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if c.userID != "" && c.userID != userID {
		s.mu.Unlock()
		return errors.New("connection already joined as " + c.userID)
	}
	c.userID = userID
	s.users[userID] = c
	s.mu.Unlock()

	status := s.registry.Join(userID, c)
	if f.ID != "" {
		s.sendFrame(c, proto.EventJoin, f.ID, proto.JoinResult{Status: status})
	}
	return nil
}

func (s *Server) userOf(c *conn) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.userID
}

// registerAddr binds a relay address to c, replacing any previous address
// of the same connection.
func (s *Server) registerAddr(c *conn, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.addr != "" && s.addrs[c.addr] == c {
		delete(s.addrs, c.addr)
	}
	c.addr = addr
	s.addrs[addr] = c
	log.Debugf("RELAY: %s registered address %s", c.userID, addr)
}

// addrOf returns the relay address of a connected user, or nil.
func (s *Server) addrOf(userID string) *string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.users[userID]
	if !ok || c.addr == "" {
		return nil
	}
	addr := c.addr
	return &addr
}

func (s *Server) recordCall(p proto.CallEventPayload) error {
	rec := proto.CallRecord{
		FromUserID: p.FromUserID,
		ToUserID:   p.ToUserID,
		Type:       p.Type,
		Status:     p.Status,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if s.opts.Calls != nil {
		stored, err := s.opts.Calls.RecordCall(p, rec.CreatedAt)
		if err != nil {
			log.Errorf("RELAY: record call %s -> %s: %v", p.FromUserID, p.ToUserID, err)
		} else {
			rec = stored
		}
	}
	s.recent.Push(rec)
	s.SendTo(rec.FromUserID, proto.EventCallEventRecorded, rec)
	if rec.ToUserID != rec.FromUserID {
		s.SendTo(rec.ToUserID, proto.EventCallEventRecorded, rec)
	}
	return nil
}

func (s *Server) forwardSignal(c *conn, p proto.LinkSignalPayload) error {
	s.mu.RLock()
	from := c.addr
	target := s.addrs[p.To]
	s.mu.RUnlock()

	if from == "" {
		return errNoAddress
	}
	if target == nil {
		return errUnreachable
	}
	p.From = from
	s.sendFrame(target, proto.EventLinkSignal, "", p)
	return nil
}

// ── Group rooms ───────────────────────────────────────────────────────────────

func (s *Server) joinRoom(c *conn, groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[groupID]
	if !ok {
		members = make(map[*conn]struct{})
		s.rooms[groupID] = members
	}
	members[c] = struct{}{}
	c.rooms[groupID] = struct{}{}
}

func (s *Server) leaveRoom(c *conn, groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveRoomLocked(c, groupID)
}

func (s *Server) leaveRoomLocked(c *conn, groupID string) {
	delete(c.rooms, groupID)
	members := s.rooms[groupID]
	delete(members, c)
	if len(members) == 0 {
		delete(s.rooms, groupID)
	}
}

// sendRoom delivers to every member of groupID except skip.
func (s *Server) sendRoom(groupID string, skip *conn, event string, payload any) {
	b, err := encode(event, "", payload)
	if err != nil {
		log.Errorf("RELAY: %v", err)
		return
	}
	s.mu.RLock()
	members := make([]*conn, 0, len(s.rooms[groupID]))
	for m := range s.rooms[groupID] {
		if m != skip {
			members = append(members, m)
		}
	}
	s.mu.RUnlock()
	for _, m := range members {
		m.enqueue(b)
	}
}

// ── Sending ───────────────────────────────────────────────────────────────────

// SendTo delivers an event to the user's current connection, if any.
func (s *Server) SendTo(userID, event string, payload any) {
	s.mu.RLock()
	c := s.users[userID]
	s.mu.RUnlock()
	if c == nil {
		return
	}
	s.sendFrame(c, event, "", payload)
}

// Broadcast delivers an event to every joined connection.
func (s *Server) Broadcast(event string, payload any) {
	b, err := encode(event, "", payload)
	if err != nil {
		log.Errorf("RELAY: %v", err)
		return
	}
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.users))
	for _, c := range s.users {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		if !c.enqueue(b) {
			log.Debugf("RELAY: dropped %s for slow client", event)
		}
	}
}

func (s *Server) sendFrame(c *conn, event, id string, payload any) {
	b, err := encode(event, id, payload)
	if err != nil {
		log.Errorf("RELAY: %v", err)
		return
	}
	if !c.enqueue(b) {
		log.Debugf("RELAY: dropped %s for slow client", event)
	}
}

func (s *Server) sendError(c *conn, id, msg string) {
	s.sendFrame(c, proto.EventError, id, proto.ErrorPayload{Message: msg})
}

func encode(event, id string, payload any) ([]byte, error) {
	f, err := proto.NewFrame(event, id, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

// GET /online.json
func (s *Server) handleOnlineJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	users := s.registry.Snapshot()
	if users == nil {
		users = []proto.OnlineUser{}
	}
	_ = json.NewEncoder(w).Encode(users)
}

// GET /calls/{userID}.json?limit=n
func (s *Server) handleCallsJSON(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records := s.recent.Last(limit, func(rec proto.CallRecord) bool {
		return rec.FromUserID == userID || rec.ToUserID == userID
	})
	if records == nil {
		records = []proto.CallRecord{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(records)
}
