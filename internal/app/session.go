package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/relay"
)

// relaySession keeps a client connected to the relay, redialing with a
// growing backoff, and routes every send through the current connection.
// It satisfies the relay surfaces of the call, group, link and monitor
// packages. Sends while disconnected fail with relay.ErrClosed.
type relaySession struct {
	url     string
	userID  string
	addr    string // our relay address, stable across reconnects
	timeout time.Duration

	// bind registers event handlers on a fresh connection before it joins.
	bind func(c *relay.Client)
	// resumed receives the status the relay restored on join.
	resumed func(status string)
	// up runs after every successful join.
	up func()

	mu sync.Mutex
	c  *relay.Client
}

// run dials until ctx is done.
func (s *relaySession) run(ctx context.Context) error {
	backoff := 250 * time.Millisecond
	for {
		c, err := relay.Dial(ctx, s.url, s.timeout)
		if err != nil {
			log.Warnf("APP: relay %s: %v", s.url, err)
		} else {
			backoff = 250 * time.Millisecond
			s.serve(ctx, c)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func (s *relaySession) serve(ctx context.Context, c *relay.Client) {
	if s.bind != nil {
		s.bind(c)
	}
	status, err := c.Resume(ctx, s.userID)
	if err != nil {
		log.Warnf("APP: join relay: %v", err)
		_ = c.Close()
		return
	}
	if s.resumed != nil {
		s.resumed(status)
	}
	if err := c.RegisterPeer(s.userID, s.addr); err != nil {
		log.Warnf("APP: register relay address: %v", err)
	}

	s.mu.Lock()
	s.c = c
	s.mu.Unlock()
	log.Infof("APP: connected to %s as %s (%s)", s.url, s.userID, status)
	if s.up != nil {
		s.up()
	}

	select {
	case <-ctx.Done():
		_ = c.Close()
	case <-c.Done():
		log.Warnf("APP: relay connection lost: %v", c.Err())
	}

	s.mu.Lock()
	if s.c == c {
		s.c = nil
	}
	s.mu.Unlock()
}

func (s *relaySession) client() (*relay.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil, relay.ErrClosed
	}
	return s.c, nil
}

func (s *relaySession) relayAddr() string { return s.addr }

// ── monitor.Emitter ───────────────────────────────────────────────────────────

func (s *relaySession) Connected() bool {
	c, err := s.client()
	return err == nil && c.Connected()
}

func (s *relaySession) SetStatus(status string) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.SetStatus(status)
}

func (s *relaySession) Heartbeat() error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.Heartbeat()
}

// ── call.Signaler ─────────────────────────────────────────────────────────────

func (s *relaySession) LookupAddr(ctx context.Context, userID string) (string, bool, error) {
	c, err := s.client()
	if err != nil {
		return "", false, err
	}
	return c.LookupAddr(ctx, userID)
}

func (s *relaySession) RecordCallEvent(ev proto.CallEventPayload) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.RecordCallEvent(ev)
}

func (s *relaySession) SendTermination(toUserID string) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.SendTermination(toUserID)
}

func (s *relaySession) SendMuteChange(toUserID string, muted bool) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.SendMuteChange(toUserID, muted)
}

func (s *relaySession) SendScreenShareChange(toUserID string, sharing bool) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.SendScreenShareChange(toUserID, sharing)
}

// ── group.Signaler ────────────────────────────────────────────────────────────

func (s *relaySession) JoinGroupRoom(groupID string) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.JoinGroupRoom(groupID)
}

func (s *relaySession) GroupInit(groupID, fromUserID string) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.GroupInit(groupID, fromUserID)
}

func (s *relaySession) GroupAnnounce(p proto.GroupCallPeerIDPayload) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.GroupAnnounce(p)
}

func (s *relaySession) GroupLeave(groupID, userID string) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.GroupLeave(groupID, userID)
}

// ── link.Transport ────────────────────────────────────────────────────────────

func (s *relaySession) SendSignal(to string, data json.RawMessage) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.SendSignal(to, data)
}
