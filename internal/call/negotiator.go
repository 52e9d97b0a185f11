// Package call drives the client side of a call: a single call slot moved
// through dialing, ringing, answer and teardown, plus the screen share that
// rides next to an active call.
// Coupling to the rest of parley is via the Signaler, Linker and
// MediaSource interfaces only.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("call")

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoActiveCall   = errors.New("no active call")
	ErrStale          = errors.New("call changed while waiting")
	ErrClosed         = errors.New("call negotiator closed")
)

// rejectLayout renders the reject record, e.g. "cancelled the call at [Oct 16:09:30]".
const rejectLayout = "Jan 2:15:04"

type State int

const (
	StateIdle State = iota
	StateDialing
	StateRingingOutgoing
	StateRingingIncoming
	StateConnecting
	StateActive
	StateEnded
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateDialing:         "dialing",
	StateRingingOutgoing: "ringing-outgoing",
	StateRingingIncoming: "ringing-incoming",
	StateConnecting:      "connecting",
	StateActive:          "active",
	StateEnded:           "ended",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type CallKind string

const (
	KindDirect CallKind = "direct"
	KindGroup  CallKind = "group"
)

// Peer identifies the other party of a call.
type Peer struct {
	UserID      string
	DisplayName string
	Avatar      string
}

// Session is a snapshot of the call slot.
type Session struct {
	ID        string
	Gen       uint64
	Kind      CallKind
	State     State
	Peer      Peer
	GroupID   string
	Outgoing  bool
	Video     bool
	Simulated bool // ringing out to a party without a relay address
	Muted     bool
	PeerMuted bool
	Sharing   bool        // we are sharing our screen
	Render    SessionKind // what the remote view shows
	StartedAt time.Time
}

type EventType string

const (
	EventState        EventType = "state"
	EventRemoteStream EventType = "remote_stream"
	EventScreenStream EventType = "screen_stream"
	EventRender       EventType = "render"
	EventMute         EventType = "mute"
	EventDuration     EventType = "duration"
	EventNotice       EventType = "notice"
)

type Event struct {
	Type    EventType
	Session Session
	Stream  *Stream
	Elapsed time.Duration
	Err     error
}

// GroupHandoff takes over an answered group call. link is nil when the call
// was announced over the relay instead of dialed.
type GroupHandoff func(ctx context.Context, groupID string, link Link, local *Stream) error

type Options struct {
	Self        Peer
	Signaler    Signaler
	Linker      Linker
	Media       MediaSource
	Quality     VideoQuality
	BusyTimeout time.Duration
	RingTimeout time.Duration
	Clock       clock.Clock
}

type session struct {
	info      Session
	addr      string // remote relay address
	link      Link
	local     *Stream
	remote    *Stream
	gotRemote bool

	busy   util.Timer
	ring   util.Timer
	ticker util.Timer

	share     *screenChannel // our outgoing screen share
	peerShare *screenChannel // the other party's screen share
}

// Negotiator owns the single call slot. Collaborator calls happen outside
// its lock; every continuation re-checks that the session it started with
// is still current.
type Negotiator struct {
	self        Peer
	sig         Signaler
	linker      Linker
	media       MediaSource
	quality     VideoQuality
	busyTimeout time.Duration
	ringTimeout time.Duration
	timers      *util.Scope
	clock       clock.Clock

	mu      sync.Mutex
	gen     uint64
	cur     *session
	handoff GroupHandoff
	subs    map[chan Event]struct{}
	closed  bool
}

func NewNegotiator(opts Options) *Negotiator {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 30 * time.Second
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 6 * time.Second
	}
	if opts.Quality == (VideoQuality{}) {
		opts.Quality = DefaultVideoQuality
	}
	timers := util.NewScope(opts.Clock)
	return &Negotiator{
		self:        opts.Self,
		sig:         opts.Signaler,
		linker:      opts.Linker,
		media:       opts.Media,
		quality:     opts.Quality,
		busyTimeout: opts.BusyTimeout,
		ringTimeout: opts.RingTimeout,
		timers:      timers,
		clock:       timers.Clock(),
		subs:        make(map[chan Event]struct{}),
	}
}

// SetGroupHandoff registers who takes over answered group calls.
func (n *Negotiator) SetGroupHandoff(fn GroupHandoff) {
	n.mu.Lock()
	n.handoff = fn
	n.mu.Unlock()
}

// Subscribe returns a channel of call events. Slow subscribers miss events.
func (n *Negotiator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
		n.mu.Unlock()
	}
}

// Current returns the call slot, if occupied.
func (n *Negotiator) Current() (Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cur == nil {
		return Session{}, false
	}
	return n.cur.info, true
}

// ── Outgoing ──────────────────────────────────────────────────────────────────

// Initiate calls target. Without a relay address for target the call rings
// out for the ring timeout and is recorded as Busy.
func (n *Negotiator) Initiate(ctx context.Context, target Peer, wantsVideo bool) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.cur != nil {
		n.mu.Unlock()
		return ErrCallInProgress
	}
	s := n.newSessionLocked(KindDirect, target)
	s.info.Outgoing = true
	s.info.Video = wantsVideo
	n.setStateLocked(s, StateDialing)
	n.mu.Unlock()

	addr, ok, err := n.sig.LookupAddr(ctx, target.UserID)

	n.mu.Lock()
	if n.cur != s {
		n.mu.Unlock()
		return ErrStale
	}
	if err != nil || !ok {
		if err != nil {
			log.Warnf("CALL: lookup %s failed, ringing out: %v", target.UserID, err)
		}
		gen := s.info.Gen
		s.info.Simulated = true
		s.ring = n.timers.AfterFunc(n.ringTimeout, func() { n.onRingTimeout(gen) })
		n.setStateLocked(s, StateRingingOutgoing)
		n.mu.Unlock()
		return nil
	}
	s.addr = addr
	n.mu.Unlock()

	stream, err := Acquire(ctx, n.media, wantsVideo, n.quality)

	n.mu.Lock()
	if n.cur != s {
		n.mu.Unlock()
		stream.Stop()
		return ErrStale
	}
	if err != nil {
		n.noticeLocked(s, err)
		rel := n.endLocked(s)
		n.mu.Unlock()
		rel.run()
		return err
	}
	s.local = stream
	s.info.Video = stream.HasVideo()
	meta := n.metadata(s.info.Video, "", SessionPrimary)
	n.mu.Unlock()

	link, err := n.linker.CreateOutboundLink(ctx, addr, stream, meta)

	n.mu.Lock()
	if n.cur != s {
		n.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		return ErrStale
	}
	if err != nil {
		err = fmt.Errorf("open link to %s: %w", target.UserID, err)
		n.noticeLocked(s, err)
		rel := n.endLocked(s)
		n.mu.Unlock()
		rel.run()
		return err
	}
	s.link = link
	n.setStateLocked(s, StateRingingOutgoing)
	gen := s.info.Gen
	n.mu.Unlock()

	n.watchLink(gen, link)
	return nil
}

// Cancel abandons an outgoing call that has not been answered yet.
func (n *Negotiator) Cancel() error {
	n.mu.Lock()
	s := n.cur
	if s == nil || !s.info.Outgoing ||
		(s.info.State != StateDialing && s.info.State != StateRingingOutgoing) {
		n.mu.Unlock()
		return nil
	}
	info := s.info
	rel := n.endLocked(s)
	n.mu.Unlock()
	rel.run()

	n.sendTermination(info)
	n.record(info, proto.CallStatusCanceled)
	return nil
}

func (n *Negotiator) onRingTimeout(gen uint64) {
	n.mu.Lock()
	s := n.cur
	if s == nil || s.info.Gen != gen || !s.info.Simulated || s.info.State != StateRingingOutgoing {
		n.mu.Unlock()
		return
	}
	info := s.info
	rel := n.endLocked(s)
	n.mu.Unlock()
	rel.run()

	log.Infof("CALL: %s did not pick up", info.Peer.UserID)
	n.record(info, proto.CallStatusBusy)
}

// ── Incoming ──────────────────────────────────────────────────────────────────

// HandleIncoming takes a link the remote party opened. While the slot is
// busy the link is closed.
func (n *Negotiator) HandleIncoming(ctx context.Context, link Link) {
	meta := link.Metadata()
	if meta.Role == SessionScreenShare {
		n.acceptScreenShare(ctx, link)
		return
	}

	n.mu.Lock()
	if n.closed || n.cur != nil {
		n.mu.Unlock()
		log.Infof("CALL: busy, closing incoming link from %s", meta.UserID)
		_ = link.Close()
		return
	}
	kind := KindDirect
	if meta.GroupID != "" {
		kind = KindGroup
	}
	s := n.newSessionLocked(kind, Peer{UserID: meta.UserID, DisplayName: meta.DisplayName, Avatar: meta.Avatar})
	s.info.GroupID = meta.GroupID
	s.info.Video = meta.Media != MediaAudio
	s.addr = link.Peer()
	s.link = link
	n.ringIncomingLocked(s)
	gen := s.info.Gen
	n.mu.Unlock()

	n.watchLink(gen, link)
}

// HandleGroupCallStarted rings for a group call announced over the relay.
func (n *Negotiator) HandleGroupCallStarted(groupID, fromUserID string) {
	if fromUserID == n.self.UserID {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.cur != nil {
		log.Infof("CALL: busy, ignoring group call %s from %s", groupID, fromUserID)
		return
	}
	s := n.newSessionLocked(KindGroup, Peer{UserID: fromUserID})
	s.info.GroupID = groupID
	n.ringIncomingLocked(s)
}

func (n *Negotiator) ringIncomingLocked(s *session) {
	gen, id := s.info.Gen, s.info.ID
	s.busy = n.timers.AfterFunc(n.busyTimeout, func() { n.onBusyTimeout(gen, id) })
	n.setStateLocked(s, StateRingingIncoming)
}

// onBusyTimeout ends an unanswered incoming call, provided the request that
// armed the timer is still the pending one.
func (n *Negotiator) onBusyTimeout(gen uint64, id string) {
	n.mu.Lock()
	s := n.cur
	if s == nil || s.info.Gen != gen || s.info.ID != id || s.info.State != StateRingingIncoming {
		n.mu.Unlock()
		return
	}
	info := s.info
	rel := n.endLocked(s)
	n.mu.Unlock()
	rel.run()

	log.Infof("CALL: call from %s ignored", info.Peer.UserID)
	if info.Kind == KindDirect {
		n.record(info, proto.CallStatusBusy)
	}
}

// Answer accepts the ringing incoming call. It is a no-op unless a call is
// ringing.
func (n *Negotiator) Answer(ctx context.Context) error {
	n.mu.Lock()
	s := n.cur
	if s == nil || s.info.State != StateRingingIncoming {
		n.mu.Unlock()
		return nil
	}
	s.busy.Stop()
	n.setStateLocked(s, StateConnecting)
	gen, video := s.info.Gen, s.info.Video
	n.mu.Unlock()

	stream, err := Acquire(ctx, n.media, video, n.quality)

	n.mu.Lock()
	if n.cur != s {
		n.mu.Unlock()
		stream.Stop()
		return ErrStale
	}
	if err != nil {
		info := s.info
		n.noticeLocked(s, err)
		rel := n.endLocked(s)
		n.mu.Unlock()
		rel.run()
		n.sendTermination(info)
		return err
	}
	s.info.Video = stream.HasVideo()
	link := s.link

	if s.info.Kind == KindGroup {
		handoff, groupID := n.handoff, s.info.GroupID
		s.link = nil
		rel := n.endLocked(s)
		n.mu.Unlock()
		rel.run()
		if handoff == nil {
			stream.Stop()
			if link != nil {
				_ = link.Close()
			}
			return fmt.Errorf("group call %s: no group handler", groupID)
		}
		return handoff(ctx, groupID, link, stream)
	}
	s.local = stream
	n.mu.Unlock()

	if err := link.Answer(ctx, stream); err != nil {
		err = fmt.Errorf("answer %s: %w", link.Peer(), err)
		n.terminate(gen, err)
		return err
	}
	return nil
}

// Reject declines the ringing incoming call. No-op unless a call is ringing.
func (n *Negotiator) Reject() error {
	n.mu.Lock()
	s := n.cur
	if s == nil || s.info.State != StateRingingIncoming {
		n.mu.Unlock()
		return nil
	}
	info := s.info
	rel := n.endLocked(s)
	n.mu.Unlock()
	rel.run()

	if info.Kind == KindDirect {
		n.record(info, "cancelled the call at ["+n.clock.Now().Format(rejectLayout)+"]")
	}
	n.sendTermination(info)
	return nil
}

// ── Teardown ──────────────────────────────────────────────────────────────────

// Terminate ends the call from any state, notifying the other party.
func (n *Negotiator) Terminate() error {
	if !n.terminate(0, nil) {
		return fmt.Errorf("terminate: %w", ErrNoActiveCall)
	}
	return nil
}

// terminate ends the current call, or only generation gen when gen is
// non-zero. cause, when set, is published as a notice.
func (n *Negotiator) terminate(gen uint64, cause error) bool {
	n.mu.Lock()
	s := n.cur
	if s == nil || (gen != 0 && s.info.Gen != gen) {
		n.mu.Unlock()
		return false
	}
	info, gotRemote := s.info, s.gotRemote
	if cause != nil {
		n.noticeLocked(s, cause)
	}
	rel := n.endLocked(s)
	n.mu.Unlock()
	rel.run()

	n.sendTermination(info)
	if info.Outgoing && !gotRemote {
		n.record(info, proto.CallStatusCanceled)
	}
	return true
}

// HandleRemoteTermination tears the call down after the other party ended
// it. Notices from anyone but the current peer are ignored.
func (n *Negotiator) HandleRemoteTermination(fromUserID string) {
	n.mu.Lock()
	s := n.cur
	if s == nil || (fromUserID != "" && s.info.Peer.UserID != fromUserID) {
		n.mu.Unlock()
		return
	}
	log.Infof("CALL: %s ended the call", s.info.Peer.UserID)
	rel := n.endLocked(s)
	n.mu.Unlock()
	rel.run()
}

// Close terminates any call and stops every timer.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	n.terminate(0, nil)
	n.timers.Close()

	n.mu.Lock()
	for ch := range n.subs {
		close(ch)
	}
	n.subs = make(map[chan Event]struct{})
	n.mu.Unlock()
}

// release holds what a finished session still has to let go of. It runs
// outside the lock.
type release struct {
	links   []Link
	streams []*Stream
}

func (r release) run() {
	for _, l := range r.links {
		_ = l.Close()
	}
	for _, s := range r.streams {
		s.Stop()
	}
}

// endLocked frees the slot, cancels the session's timers and collects every
// link and stream it owns.
func (n *Negotiator) endLocked(s *session) release {
	s.busy.Stop()
	s.ring.Stop()
	s.ticker.Stop()

	var rel release
	add := func(l Link, streams ...*Stream) {
		if l != nil {
			rel.links = append(rel.links, l)
		}
		for _, st := range streams {
			if st != nil {
				rel.streams = append(rel.streams, st)
			}
		}
	}
	add(s.link, s.local, s.remote)
	if s.share != nil {
		add(s.share.link, s.share.local)
	}
	if s.peerShare != nil {
		add(s.peerShare.link, s.peerShare.remote)
	}

	n.cur = nil
	n.setStateLocked(s, StateEnded)
	s.info.State = StateIdle
	n.publishLocked(Event{Type: EventState, Session: s.info})
	return rel
}

// ── Link events ───────────────────────────────────────────────────────────────

func (n *Negotiator) watchLink(gen uint64, link Link) {
	link.OnRemoteStream(func(st *Stream) { n.onRemoteStream(gen, st) })
	link.OnClose(func() { n.onLinkClosed(gen) })
	link.OnError(func(err error) {
		log.Warnf("CALL: link error: %v", err)
		n.terminate(gen, fmt.Errorf("link: %w", err))
	})
	if cn, ok := link.(ConnectNotifier); ok {
		cn.OnConnected(func() { n.onConnected(gen) })
	}
}

func (n *Negotiator) sessionLocked(gen uint64) *session {
	if n.cur == nil || n.cur.info.Gen != gen {
		return nil
	}
	return n.cur
}

func (n *Negotiator) onRemoteStream(gen uint64, st *Stream) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.sessionLocked(gen)
	if s == nil {
		return
	}
	s.remote = st
	s.gotRemote = true
	switch s.info.State {
	case StateRingingOutgoing, StateConnecting:
		n.activateLocked(s)
	}
	n.publishLocked(Event{Type: EventRemoteStream, Session: s.info, Stream: st})
}

func (n *Negotiator) onConnected(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.sessionLocked(gen)
	if s != nil && s.info.State == StateConnecting {
		n.activateLocked(s)
	}
}

func (n *Negotiator) onLinkClosed(gen uint64) {
	n.mu.Lock()
	s := n.sessionLocked(gen)
	if s == nil {
		n.mu.Unlock()
		return
	}
	log.Infof("CALL: link to %s closed", s.info.Peer.UserID)
	rel := n.endLocked(s)
	n.mu.Unlock()
	rel.run()
}

func (n *Negotiator) activateLocked(s *session) {
	s.info.StartedAt = n.clock.Now()
	gen := s.info.Gen
	s.ticker = n.timers.Every(time.Second, func() { n.onTick(gen) })
	n.setStateLocked(s, StateActive)
}

func (n *Negotiator) onTick(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.sessionLocked(gen)
	if s == nil || s.info.State != StateActive {
		return
	}
	n.publishLocked(Event{
		Type:    EventDuration,
		Session: s.info,
		Elapsed: n.clock.Now().Sub(s.info.StartedAt),
	})
}

// ── Mute ──────────────────────────────────────────────────────────────────────

// SetMuted enables or disables the local audio tracks and tells the other
// party.
func (n *Negotiator) SetMuted(muted bool) error {
	n.mu.Lock()
	s := n.cur
	if s == nil || s.local == nil {
		n.mu.Unlock()
		return fmt.Errorf("mute: %w", ErrNoActiveCall)
	}
	s.info.Muted = muted
	tracks := s.local.AudioTracks()
	info := s.info
	n.publishLocked(Event{Type: EventMute, Session: info})
	n.mu.Unlock()

	for _, t := range tracks {
		t.SetEnabled(!muted)
	}
	if info.Kind == KindDirect {
		if err := n.sig.SendMuteChange(info.Peer.UserID, muted); err != nil {
			log.Warnf("CALL: send mute change: %v", err)
		}
	}
	return nil
}

// HandleRemoteMute records the other party's mute state.
func (n *Negotiator) HandleRemoteMute(fromUserID string, muted bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.cur
	if s == nil || s.info.Peer.UserID != fromUserID {
		return
	}
	s.info.PeerMuted = muted
	n.publishLocked(Event{Type: EventMute, Session: s.info})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (n *Negotiator) newSessionLocked(kind CallKind, peer Peer) *session {
	n.gen++
	s := &session{info: Session{
		ID:     uuid.NewString(),
		Gen:    n.gen,
		Kind:   kind,
		Peer:   peer,
		Render: SessionPrimary,
	}}
	n.cur = s
	return s
}

func (n *Negotiator) setStateLocked(s *session, st State) {
	log.Debugf("CALL [%s]: %s -> %s", s.info.ID, s.info.State, st)
	s.info.State = st
	n.publishLocked(Event{Type: EventState, Session: s.info})
}

func (n *Negotiator) noticeLocked(s *session, err error) {
	log.Warnf("CALL [%s]: %v", s.info.ID, err)
	n.publishLocked(Event{Type: EventNotice, Session: s.info, Err: err})
}

func (n *Negotiator) publishLocked(ev Event) {
	for ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (n *Negotiator) metadata(video bool, groupID string, role SessionKind) Metadata {
	media := MediaAudio
	if video {
		media = MediaVideo
	}
	return Metadata{
		UserID:      n.self.UserID,
		DisplayName: n.self.DisplayName,
		Avatar:      n.self.Avatar,
		Media:       media,
		GroupID:     groupID,
		Role:        role,
	}
}

func (n *Negotiator) sendTermination(info Session) {
	if info.Kind != KindDirect || info.Peer.UserID == "" {
		return
	}
	if err := n.sig.SendTermination(info.Peer.UserID); err != nil {
		log.Warnf("CALL: send termination to %s: %v", info.Peer.UserID, err)
	}
}

// record registers a call outcome from us to the other party.
func (n *Negotiator) record(info Session, status string) {
	typ := proto.CallTypeVoice
	if info.Video {
		typ = proto.CallTypeVideo
	}
	ev := proto.CallEventPayload{
		FromUserID: n.self.UserID,
		ToUserID:   info.Peer.UserID,
		Type:       typ,
		Status:     status,
	}
	if err := n.sig.RecordCallEvent(ev); err != nil {
		log.Warnf("CALL: record %q: %v", status, err)
	}
}
