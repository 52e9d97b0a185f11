package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/parley/internal/proto"
)

// ── Tracks and media ──────────────────────────────────────────────────────────

type fakeTrack struct {
	id   string
	kind MediaKind

	mu      sync.Mutex
	stopped bool
	enabled bool
	onEnded func()
}

func newTrack(id string, kind MediaKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string { return t.id }

func (t *fakeTrack) Kind() MediaKind { return t.kind }

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// end simulates the OS ending the capture.
func (t *fakeTrack) end() {
	t.mu.Lock()
	t.stopped = true
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) isEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

type fakeMedia struct {
	mu       sync.Mutex
	tracks   []*fakeTrack
	calls    []Constraints
	failures []error // consumed by GetUserMedia in order
	display  error
	gate     chan struct{}
	seq      int
}

func (m *fakeMedia) track(kind MediaKind) *fakeTrack {
	m.seq++
	t := newTrack(fmt.Sprintf("%s-%d", kind, m.seq), kind)
	m.tracks = append(m.tracks, t)
	return t
}

func (m *fakeMedia) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	var err error
	if len(m.failures) > 0 {
		err, m.failures = m.failures[0], m.failures[1:]
	}
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tracks := []Track{m.track(MediaAudio)}
	if c.Video {
		tracks = append(tracks, m.track(MediaVideo))
	}
	return NewStream("local", tracks...), nil
}

func (m *fakeMedia) GetDisplayMedia(ctx context.Context, withAudio bool) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.display != nil {
		return nil, m.display
	}
	tracks := []Track{m.track(MediaVideo)}
	if withAudio {
		tracks = append(tracks, m.track(MediaAudio))
	}
	return NewStream("display", tracks...), nil
}

// live counts captured tracks that were never stopped.
func (m *fakeMedia) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tracks {
		if !t.isStopped() {
			n++
		}
	}
	return n
}

func (m *fakeMedia) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *fakeMedia) displayTrack() *fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.tracks) - 1; i >= 0; i-- {
		if m.tracks[i].kind == MediaVideo {
			return m.tracks[i]
		}
	}
	return nil
}

// ── Links ─────────────────────────────────────────────────────────────────────

type fakeLink struct {
	peer string
	meta Metadata

	mu          sync.Mutex
	local       *Stream
	answered    bool
	closed      bool
	answerErr   error
	onStream    func(*Stream)
	onClose     func()
	onError     func(error)
	onConnected func()
}

func (l *fakeLink) Peer() string { return l.peer }

func (l *fakeLink) Metadata() Metadata { return l.meta }

func (l *fakeLink) Answer(ctx context.Context, local *Stream) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answered = true
	l.local = local
	return l.answerErr
}

func (l *fakeLink) OnRemoteStream(fn func(*Stream)) {
	l.mu.Lock()
	l.onStream = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnClose(fn func()) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnError(fn func(error)) {
	l.mu.Lock()
	l.onError = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnConnected(fn func()) {
	l.mu.Lock()
	l.onConnected = fn
	l.mu.Unlock()
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) isAnswered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.answered
}

func (l *fakeLink) sendStream(st *Stream) {
	l.mu.Lock()
	fn := l.onStream
	l.mu.Unlock()
	fn(st)
}

func (l *fakeLink) remoteClose() {
	l.mu.Lock()
	fn := l.onClose
	l.mu.Unlock()
	fn()
}

func (l *fakeLink) fail(err error) {
	l.mu.Lock()
	fn := l.onError
	l.mu.Unlock()
	fn(err)
}

func (l *fakeLink) connect() {
	l.mu.Lock()
	fn := l.onConnected
	l.mu.Unlock()
	fn()
}

type fakeLinker struct {
	mu    sync.Mutex
	links []*fakeLink
	err   error
}

func (f *fakeLinker) CreateOutboundLink(ctx context.Context, addr string, local *Stream, meta Metadata) (Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	l := &fakeLink{peer: addr, meta: meta, local: local}
	f.links = append(f.links, l)
	return l, nil
}

func (f *fakeLinker) all() []*fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeLink(nil), f.links...)
}

// ── Relay ─────────────────────────────────────────────────────────────────────

type fakeSignaler struct {
	mu           sync.Mutex
	addrs        map[string]string
	records      []proto.CallEventPayload
	terminations []string
	mutes        []bool
	shares       []bool
}

func (s *fakeSignaler) LookupAddr(ctx context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.addrs[userID]
	return addr, ok, nil
}

func (s *fakeSignaler) RecordCallEvent(ev proto.CallEventPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, ev)
	return nil
}

func (s *fakeSignaler) SendTermination(toUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminations = append(s.terminations, toUserID)
	return nil
}

func (s *fakeSignaler) SendMuteChange(toUserID string, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutes = append(s.mutes, muted)
	return nil
}

func (s *fakeSignaler) SendScreenShareChange(toUserID string, sharing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares = append(s.shares, sharing)
	return nil
}

func (s *fakeSignaler) recorded() []proto.CallEventPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]proto.CallEventPayload(nil), s.records...)
}

func (s *fakeSignaler) terminated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.terminations...)
}

func (s *fakeSignaler) shared() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.shares...)
}

// ── Harness ───────────────────────────────────────────────────────────────────

type harness struct {
	n      *Negotiator
	sig    *fakeSignaler
	media  *fakeMedia
	linker *fakeLinker
	clock  *clock.Mock
}

var (
	me    = Peer{UserID: "me", DisplayName: "Me"}
	bob   = Peer{UserID: "bob", DisplayName: "Bob"}
	ctx   = context.Background()
	wait  = time.Second
	poll  = 5 * time.Millisecond
	never = 50 * time.Millisecond
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sig:    &fakeSignaler{addrs: map[string]string{}},
		media:  &fakeMedia{},
		linker: &fakeLinker{},
		clock:  clock.NewMock(),
	}
	h.n = NewNegotiator(Options{
		Self:        me,
		Signaler:    h.sig,
		Linker:      h.linker,
		Media:       h.media,
		BusyTimeout: 30 * time.Second,
		RingTimeout: 6 * time.Second,
		Clock:       h.clock,
	})
	t.Cleanup(h.n.Close)
	return h
}

func (h *harness) state() State {
	s, ok := h.n.Current()
	if !ok {
		return StateIdle
	}
	return s.State
}

func (h *harness) idle() bool { return h.state() == StateIdle }

func remoteStream() (*Stream, []*fakeTrack) {
	a, v := newTrack("remote-audio", MediaAudio), newTrack("remote-video", MediaVideo)
	return NewStream("remote", a, v), []*fakeTrack{a, v}
}

func incomingLink(from string, media MediaKind) *fakeLink {
	return &fakeLink{
		peer: "addr-" + from,
		meta: Metadata{UserID: from, DisplayName: from, Media: media, Role: SessionPrimary},
	}
}
