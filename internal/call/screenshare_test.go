package call

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScreenShareNeedsActiveCall(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.n.StartScreenShare(ctx, ScreenOptions{}), ErrNoActiveCall)

	require.NoError(t, h.n.Initiate(ctx, bob, true))
	assert.ErrorIs(t, h.n.StartScreenShare(ctx, ScreenOptions{}), ErrNoActiveCall, "ringing is not active")
}

func TestScreenShareAnnouncesStartAndStop(t *testing.T) {
	h := newHarness(t)
	primary, _ := activeCall(t, h)

	require.NoError(t, h.n.StartScreenShare(ctx, ScreenOptions{}))
	links := h.linker.all()
	require.Len(t, links, 2)
	share := links[1]
	assert.Equal(t, "addr-bob", share.Peer())
	assert.Equal(t, SessionScreenShare, share.Metadata().Role)
	assert.Equal(t, []bool{true}, h.sig.shared())
	s, _ := h.n.Current()
	assert.True(t, s.Sharing)

	require.NoError(t, h.n.StartScreenShare(ctx, ScreenOptions{}))
	assert.Len(t, h.linker.all(), 2, "a second start is a no-op")

	require.NoError(t, h.n.StopScreenShare())
	require.NoError(t, h.n.StopScreenShare())
	assert.Equal(t, []bool{true, false}, h.sig.shared())
	assert.True(t, share.isClosed())
	assert.True(t, h.media.displayTrack().isStopped())

	assert.False(t, primary.isClosed(), "the call itself continues")
	s, _ = h.n.Current()
	assert.Equal(t, StateActive, s.State)
	assert.False(t, s.Sharing)
}

func TestScreenShareEndedBySystem(t *testing.T) {
	h := newHarness(t)
	primary, _ := activeCall(t, h)
	require.NoError(t, h.n.StartScreenShare(ctx, ScreenOptions{}))

	h.media.displayTrack().end()

	assert.Equal(t, []bool{true, false}, h.sig.shared())
	assert.True(t, h.linker.all()[1].isClosed())
	assert.False(t, primary.isClosed())
	assert.Equal(t, StateActive, h.state())
}

func TestScreenShareCaptureFailure(t *testing.T) {
	h := newHarness(t)
	activeCall(t, h)
	h.media.display = &MediaError{Reason: ReasonPermissionDenied}

	err := h.n.StartScreenShare(ctx, ScreenOptions{})
	assert.Equal(t, ReasonPermissionDenied, ReasonOf(err))
	assert.Empty(t, h.sig.shared(), "nothing announced")
	assert.Len(t, h.linker.all(), 1)

	h.media.display = nil
	require.NoError(t, h.n.StartScreenShare(ctx, ScreenOptions{}), "a failed attempt leaves room for another")
}

func TestScreenShareLinkFailure(t *testing.T) {
	h := newHarness(t)
	activeCall(t, h)
	h.linker.err = errors.New("no route")

	require.Error(t, h.n.StartScreenShare(ctx, ScreenOptions{}))
	assert.Empty(t, h.sig.shared())
	assert.Equal(t, 1, countLive(h.media, MediaVideo), "only the camera is still capturing")
}

func TestReceivingScreenShareSwitchesRender(t *testing.T) {
	h := newHarness(t)
	activeCall(t, h)
	events, cancel := h.n.Subscribe()
	defer cancel()

	peerScreen := &fakeLink{peer: "addr-bob", meta: Metadata{UserID: "bob", Role: SessionScreenShare}}
	h.n.HandleIncoming(ctx, peerScreen)
	assert.True(t, peerScreen.isAnswered())
	assert.Nil(t, peerScreen.local, "screen shares are answered receive-only")

	screen := NewStream("screen", newTrack("screen", MediaVideo))
	peerScreen.sendStream(screen)
	assert.Same(t, screen, nextEvent(t, events, EventScreenStream).Stream)

	h.n.HandleRemoteScreenShare("bob", true)
	ev := nextEvent(t, events, EventRender)
	assert.Equal(t, SessionScreenShare, ev.Session.Render)
	assert.Same(t, screen, ev.Stream)

	h.n.HandleRemoteScreenShare("mallory", false)
	s, _ := h.n.Current()
	assert.Equal(t, SessionScreenShare, s.Render)

	h.n.HandleRemoteScreenShare("bob", false)
	s, _ = h.n.Current()
	assert.Equal(t, SessionPrimary, s.Render)
	assert.Equal(t, StateActive, s.State)
}

func TestPeerShareCloseRestoresPrimaryView(t *testing.T) {
	h := newHarness(t)
	activeCall(t, h)
	peerScreen := &fakeLink{peer: "addr-bob", meta: Metadata{UserID: "bob", Role: SessionScreenShare}}
	h.n.HandleIncoming(ctx, peerScreen)
	h.n.HandleRemoteScreenShare("bob", true)

	peerScreen.remoteClose()

	s, _ := h.n.Current()
	assert.Equal(t, SessionPrimary, s.Render)
	assert.Equal(t, StateActive, s.State)
}

func TestUnexpectedScreenShareIsClosed(t *testing.T) {
	h := newHarness(t)
	stray := &fakeLink{peer: "addr-eve", meta: Metadata{UserID: "eve", Role: SessionScreenShare}}
	h.n.HandleIncoming(ctx, stray)

	assert.True(t, stray.isClosed())
	assert.False(t, stray.isAnswered())
	assert.True(t, h.idle())
}

func countLive(m *fakeMedia, kind MediaKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tracks {
		if t.kind == kind && !t.isStopped() {
			n++
		}
	}
	return n
}
