package link

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/call"
)

// bus delivers signals between managers the way the relay does.
type bus struct {
	mu    sync.Mutex
	peers map[string]*Manager
}

type endpoint struct {
	bus  *bus
	addr string
}

func (e *endpoint) SendSignal(to string, data json.RawMessage) error {
	e.bus.mu.Lock()
	m := e.bus.peers[to]
	e.bus.mu.Unlock()
	if m == nil {
		return errors.New("unknown address")
	}
	m.HandleSignal(e.addr, data)
	return nil
}

func newManager(t *testing.T, b *bus, addr string) *Manager {
	t.Helper()
	m, err := NewManager(&endpoint{bus: b, addr: addr}, nil, Options{})
	require.NoError(t, err)
	b.mu.Lock()
	b.peers[addr] = m
	b.mu.Unlock()
	t.Cleanup(m.Close)
	return m
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOfferAnswerAndClose(t *testing.T) {
	b := &bus{peers: map[string]*Manager{}}
	alice := newManager(t, b, "addr-a")
	bob := newManager(t, b, "addr-b")
	incoming := make(chan call.Link, 1)
	bob.OnIncoming(func(l call.Link) { incoming <- l })
	ctx := testContext(t)

	meta := call.Metadata{UserID: "alice", DisplayName: "Alice", Media: call.MediaAudio, Role: call.SessionPrimary}
	out, err := alice.CreateOutboundLink(ctx, "addr-b", nil, meta)
	require.NoError(t, err)

	var in call.Link
	select {
	case in = <-incoming:
	case <-ctx.Done():
		t.Fatal("no incoming link")
	}
	assert.Equal(t, "addr-a", in.Peer())
	assert.Equal(t, meta, in.Metadata())

	require.NoError(t, in.Answer(ctx, nil))
	assert.Error(t, in.Answer(ctx, nil), "a link is answered once")
	assert.Error(t, out.Answer(ctx, nil), "outbound links cannot be answered")

	assert.Eventually(t, func() bool {
		return out.(*Link).pc.SignalingState() == webrtc.SignalingStateStable
	}, 10*time.Second, 20*time.Millisecond)

	closed := make(chan struct{})
	in.OnClose(func() { close(closed) })
	require.NoError(t, out.Close())
	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatal("close did not reach the remote side")
	}
	assert.Eventually(t, func() bool { return alice.Len() == 0 && bob.Len() == 0 }, 5*time.Second, 20*time.Millisecond)

	replayed := false
	in.OnClose(func() { replayed = true })
	assert.True(t, replayed, "late handlers see the close")
	assert.ErrorIs(t, in.Answer(ctx, nil), ErrClosed)
}

func TestOfferWithoutHandlerIsClosed(t *testing.T) {
	b := &bus{peers: map[string]*Manager{}}
	alice := newManager(t, b, "addr-a")
	newManager(t, b, "addr-b")
	ctx := testContext(t)

	out, err := alice.CreateOutboundLink(ctx, "addr-b", nil, call.Metadata{UserID: "alice", Role: call.SessionPrimary})
	require.NoError(t, err)

	closed := make(chan struct{})
	out.OnClose(func() { close(closed) })
	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatal("unhandled offer was not refused")
	}
}

func TestOutboundToUnknownAddressFails(t *testing.T) {
	b := &bus{peers: map[string]*Manager{}}
	alice := newManager(t, b, "addr-a")

	_, err := alice.CreateOutboundLink(testContext(t), "addr-x", nil, call.Metadata{UserID: "alice"})
	require.Error(t, err)
	assert.Zero(t, alice.Len())
}

func TestStraySignalsAreIgnored(t *testing.T) {
	b := &bus{peers: map[string]*Manager{}}
	m := newManager(t, b, "addr-a")

	m.HandleSignal("addr-x", json.RawMessage(`not json`))
	m.HandleSignal("addr-x", json.RawMessage(`{"type":"answer","linkId":"nope","sdp":"v=0"}`))
	m.HandleSignal("addr-x", json.RawMessage(`{"type":"close","linkId":"nope"}`))
	m.HandleSignal("addr-x", json.RawMessage(`{"type":"offer","linkId":"l1","sdp":"v=0"}`))

	assert.Never(t, func() bool { return m.Len() != 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestAudioLevelExtension(t *testing.T) {
	ext := rtp.AudioLevelExtension{Level: 30, Voice: true}
	raw, err := ext.Marshal()
	require.NoError(t, err)

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}}
	require.NoError(t, pkt.SetExtension(3, raw))

	level, ok := audioLevel(pkt, 3)
	require.True(t, ok)
	assert.Equal(t, uint8(30), level)

	_, ok = audioLevel(pkt, 4)
	assert.False(t, ok)
}

func TestSpeakingDetector(t *testing.T) {
	d := speakingDetector{threshold: 50, hold: 500 * time.Millisecond}
	t0 := time.Unix(0, 0)

	assert.False(t, d.observe(90, t0), "quiet stays silent")
	assert.True(t, d.observe(20, t0), "loud starts speech")
	assert.True(t, d.speaking)
	assert.False(t, d.observe(25, t0.Add(100*time.Millisecond)))

	assert.False(t, d.observe(100, t0.Add(400*time.Millisecond)), "short pauses are held")
	assert.True(t, d.speaking)

	assert.True(t, d.observe(100, t0.Add(700*time.Millisecond)))
	assert.False(t, d.speaking)
}
