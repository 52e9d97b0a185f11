package app

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/monitor"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/relay"
)

func startRelay(t *testing.T) string {
	return startRelayWith(t, nil)
}

func startRelayWith(t *testing.T, tweak func(*config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.Relay.Bind = "127.0.0.1:0"
	cfg.Relay.DBPath = "parley.db"
	if tweak != nil {
		tweak(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- RunRelay(ctx, Options{Dir: t.TempDir(), Cfg: cfg}, func(addr string) { ready <- addr })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case addr := <-ready:
		return addr
	case err := <-done:
		t.Fatalf("relay exited: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not start")
	}
	return ""
}

func startSession(t *testing.T, addr, userID string) (*relaySession, chan proto.Frame) {
	t.Helper()
	return startSessionOn(t, addr, userID, proto.EventOnlineUsers)
}

// startSessionOn connects userID and collects every frame of event.
func startSessionOn(t *testing.T, addr, userID, event string) (*relaySession, chan proto.Frame) {
	t.Helper()
	frames := make(chan proto.Frame, 32)
	s := &relaySession{
		url:    "ws://" + addr + "/ws",
		userID: userID,
		addr:   "addr-" + userID,
		bind: func(c *relay.Client) {
			c.On(event, func(f proto.Frame) {
				select {
				case frames <- f:
				default:
				}
			})
		},
	}
	runSession(t, s)
	return s, frames
}

// runSession runs s until the test ends and waits for its first join.
func runSession(t *testing.T, s *relaySession) {
	t.Helper()
	up := make(chan struct{}, 1)
	next := s.up
	s.up = func() {
		if next != nil {
			next()
		}
		select {
		case up <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-up:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never connected", s.userID)
	}
}

// waitStatus waits for a status delta of userID on deltas.
func waitStatus(t *testing.T, deltas chan proto.Frame, userID, status string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-deltas:
			var d proto.StatusChangePayload
			require.NoError(t, f.Decode(&d))
			if d.UserID == userID && d.Status == status {
				return
			}
		case <-deadline:
			t.Fatalf("no %s delta for %s", status, userID)
		}
	}
}

func hasStatus(deltas chan proto.Frame, userID string) bool {
	for {
		select {
		case f := <-deltas:
			var d proto.StatusChangePayload
			if f.Decode(&d) == nil && d.UserID == userID {
				return true
			}
		default:
			return false
		}
	}
}

type statusRecorder struct {
	monitor.Emitter
	mu       sync.Mutex
	statuses []string
}

func (r *statusRecorder) SetStatus(status string) error {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
	return r.Emitter.SetStatus(status)
}

func (r *statusRecorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func TestRelayServesHealth(t *testing.T) {
	addr := startRelay(t)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionJoinsAndRegistersAddress(t *testing.T) {
	addr := startRelay(t)
	alice, snapshots := startSession(t, addr, "alice")
	bob, _ := startSession(t, addr, "bob")

	assert.True(t, alice.Connected())
	select {
	case f := <-snapshots:
		assert.Equal(t, proto.EventOnlineUsers, f.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot after join")
	}

	assert.Eventually(t, func() bool {
		got, ok, err := alice.LookupAddr(context.Background(), "bob")
		return err == nil && ok && got == bob.relayAddr()
	}, 5*time.Second, 20*time.Millisecond)

	_, ok, err := alice.LookupAddr(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, bob.SetStatus(proto.StatusDND))
	require.NoError(t, bob.Heartbeat())
}

func TestSessionWithoutConnectionFails(t *testing.T) {
	s := &relaySession{addr: "addr-a"}

	assert.False(t, s.Connected())
	assert.ErrorIs(t, s.SetStatus(proto.StatusOnline), relay.ErrClosed)
	assert.ErrorIs(t, s.SendTermination("bob"), relay.ErrClosed)
	assert.ErrorIs(t, s.GroupLeave("g1", "alice"), relay.ErrClosed)
	assert.ErrorIs(t, s.SendSignal("addr-b", []byte(`{}`)), relay.ErrClosed)
	_, _, err := s.LookupAddr(context.Background(), "bob")
	assert.ErrorIs(t, err, relay.ErrClosed)
}

func TestResumedDNDSurvivesIdle(t *testing.T) {
	addr := startRelay(t)
	first, _ := startSession(t, addr, "bob")
	require.NoError(t, first.SetStatus(proto.StatusDND))
	_, _, err := first.LookupAddr(context.Background(), "nobody")
	require.NoError(t, err)

	// a second client for bob starts with the default preference
	mock := clock.NewMock()
	s := &relaySession{url: "ws://" + addr + "/ws", userID: "bob", addr: "addr-bob-2"}
	rec := &statusRecorder{Emitter: s}
	mon := monitor.New(rec, proto.StatusOnline, monitor.Options{
		IdleTimeout:       120 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		Clock:             mock,
	})
	t.Cleanup(mon.Stop)
	s.resumed = mon.Resume
	s.up = mon.Start
	runSession(t, s)
	assert.Equal(t, proto.StatusDND, mon.Manual())

	mock.Add(121 * time.Second)
	mon.Activity()
	assert.Never(t, func() bool { return len(rec.sent()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.False(t, mon.Idle())

	_, snaps := startSession(t, addr, "alice")
	assert.Eventually(t, func() bool {
		select {
		case f := <-snaps:
			var users []proto.OnlineUser
			return f.Decode(&users) == nil &&
				slices.Contains(users, proto.OnlineUser{ID: "bob", Status: proto.StatusDND})
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStatusDeltasReachEveryoneWithoutFriends(t *testing.T) {
	addr := startRelay(t)
	_, aliceDeltas := startSessionOn(t, addr, "alice", proto.EventUserStatusChange)
	bob, _ := startSession(t, addr, "bob")

	require.NoError(t, bob.SetStatus(proto.StatusDND))
	waitStatus(t, aliceDeltas, "bob", proto.StatusDND)
}

func TestStatusDeltasScopedToConfiguredFriends(t *testing.T) {
	addr := startRelayWith(t, func(c *config.Config) {
		c.Relay.Friends = []string{"alice:bob"}
	})
	_, aliceDeltas := startSessionOn(t, addr, "alice", proto.EventUserStatusChange)
	_, carolDeltas := startSessionOn(t, addr, "carol", proto.EventUserStatusChange)
	bob, _ := startSession(t, addr, "bob")

	require.NoError(t, bob.SetStatus(proto.StatusDND))
	waitStatus(t, aliceDeltas, "bob", proto.StatusDND)
	assert.Never(t, func() bool { return hasStatus(carolDeltas, "bob") }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRelayRejectsBadFriendship(t *testing.T) {
	cfg := config.Default()
	cfg.Relay.Bind = "127.0.0.1:0"
	cfg.Relay.Friends = []string{"alice"}
	err := RunRelay(context.Background(), Options{Dir: t.TempDir(), Cfg: cfg}, nil)
	assert.ErrorContains(t, err, "relay.friends")
}

func TestPromptInteractive(t *testing.T) {
	in := strings.NewReader("alice\nAlice\n\nn\n300\n\n\n")
	var out strings.Builder

	cfg := PromptInteractive(in, &out, "/tmp/p", "/tmp/p/parley.json", config.Default())
	assert.Equal(t, "alice", cfg.Identity.UserID)
	assert.Equal(t, "Alice", cfg.Identity.DisplayName)
	assert.Equal(t, config.Default().Relay.URL, cfg.Relay.URL)
	assert.Equal(t, 300, cfg.Presence.IdleTimeoutSec)
	assert.Equal(t, 640, cfg.Media.MaxWidth)
}

func TestPromptInteractiveKeepsValidConfig(t *testing.T) {
	in := strings.NewReader("alice\n\n\nn\n10\n\n\n")
	var out strings.Builder

	orig := config.Default()
	cfg := PromptInteractive(in, &out, "/tmp/p", "/tmp/p/parley.json", orig)
	assert.Equal(t, orig, cfg, "idle timeout below the heartbeat is rejected")
	assert.Contains(t, out.String(), "Invalid config")
}
