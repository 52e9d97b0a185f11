// Package group coordinates a full-mesh group call: every member holds one
// primary link to every other member. Members find each other through
// group_peer_discovered announcements relayed to the group room.
package group

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/proto"
)

var log = logging.Logger("group")

var (
	ErrInGroup   = errors.New("already in a group call")
	ErrNotInCall = errors.New("not in a group call")
	ErrNoAddr    = errors.New("no relay address registered yet")
)

// Signaler is the relay surface the mesh needs. *relay.Client satisfies it.
type Signaler interface {
	JoinGroupRoom(groupID string) error
	GroupInit(groupID, fromUserID string) error
	GroupAnnounce(p proto.GroupCallPeerIDPayload) error
	GroupLeave(groupID, userID string) error
}

type Options struct {
	Self     call.Peer
	Signaler Signaler
	Linker   call.Linker
	Media    call.MediaSource
	// RelayAddr returns our own relay address, empty until registered.
	RelayAddr func() string
}

// Participant is a roster entry.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Addr        string `json:"relayAddr,omitempty"`
	Dialed      bool   `json:"dialed"`    // we opened the link
	Connected   bool   `json:"connected"` // remote media arrived
	Speaking    bool   `json:"speaking"`
}

const (
	EventRoster   = "roster"
	EventStream   = "stream"
	EventSpeaking = "speaking"
	EventEnded    = "ended"
)

// Event is emitted to local listeners.
type Event struct {
	Type        string
	GroupID     string
	Participant Participant
	Stream      *call.Stream
}

type participant struct {
	info   Participant
	link   call.Link // nil while dialing or awaiting the peer's link
	remote *call.Stream
}

// speakingSource is implemented by remote audio tracks that report voice
// activity.
type speakingSource interface {
	OnSpeaking(fn func(speaking bool))
}

type Mesh struct {
	self      call.Peer
	sig       Signaler
	linker    call.Linker
	media     call.MediaSource
	relayAddr func() string

	mu        sync.Mutex
	groupID   string
	gen       uint64
	local     *call.Stream
	peers     map[string]*participant
	listeners []chan *Event
}

func New(opts Options) *Mesh {
	if opts.RelayAddr == nil {
		opts.RelayAddr = func() string { return "" }
	}
	return &Mesh{
		self:      opts.Self,
		sig:       opts.Signaler,
		linker:    opts.Linker,
		media:     opts.Media,
		relayAddr: opts.RelayAddr,
		peers:     make(map[string]*participant),
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Start opens a group call: it tells the room, captures audio and joins.
func (m *Mesh) Start(ctx context.Context, groupID string) error {
	if _, ok := m.Active(); ok {
		return ErrInGroup
	}
	if err := m.sig.GroupInit(groupID, m.self.UserID); err != nil {
		return fmt.Errorf("group call init: %w", err)
	}
	local, err := call.Acquire(ctx, m.media, false, call.DefaultVideoQuality)
	if err != nil {
		return err
	}
	if err := m.Join(ctx, groupID, local); err != nil {
		local.Stop()
		return err
	}
	return nil
}

// Join makes groupID the active group call with local as our media, then
// announces us to the room.
func (m *Mesh) Join(ctx context.Context, groupID string, local *call.Stream) error {
	m.mu.Lock()
	if m.groupID != "" {
		m.mu.Unlock()
		return ErrInGroup
	}
	m.gen++
	m.groupID = groupID
	m.local = local
	m.mu.Unlock()

	log.Infof("GROUP: joined call %s", groupID)
	if err := m.sig.JoinGroupRoom(groupID); err != nil {
		log.Warnf("GROUP: join room %s: %v", groupID, err)
	}
	return m.Announce()
}

// Handoff is the call.GroupHandoff: it joins the group answered from a ring
// and takes the link that rang, when there was one.
func (m *Mesh) Handoff(ctx context.Context, groupID string, link call.Link, local *call.Stream) error {
	if err := m.Join(ctx, groupID, local); err != nil {
		local.Stop()
		if link != nil {
			_ = link.Close()
		}
		return err
	}
	if link != nil {
		m.HandleIncoming(ctx, link)
	}
	return nil
}

// Announce publishes our relay address to the room.
func (m *Mesh) Announce() error {
	m.mu.Lock()
	groupID := m.groupID
	m.mu.Unlock()
	if groupID == "" {
		return ErrNotInCall
	}
	addr := m.relayAddr()
	if addr == "" {
		return ErrNoAddr
	}
	return m.sig.GroupAnnounce(proto.GroupCallPeerIDPayload{
		GroupID:     groupID,
		UserID:      m.self.UserID,
		RelayAddr:   addr,
		DisplayName: m.self.DisplayName,
		Avatar:      m.self.Avatar,
	})
}

// Leave tells the room we left and releases every link and track. Safe to
// call when not in a call.
func (m *Mesh) Leave() error {
	m.mu.Lock()
	groupID := m.groupID
	if groupID == "" {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	peers := m.peers
	local := m.local
	m.groupID = ""
	m.local = nil
	m.peers = make(map[string]*participant)
	m.mu.Unlock()

	if err := m.sig.GroupLeave(groupID, m.self.UserID); err != nil {
		log.Warnf("GROUP: leave %s: %v", groupID, err)
	}
	for _, p := range peers {
		release(p)
	}
	local.Stop()
	log.Infof("GROUP: left call %s", groupID)
	m.notifyListeners(&Event{Type: EventEnded, GroupID: groupID})
	return nil
}

// Close leaves any call and closes every listener.
func (m *Mesh) Close() {
	_ = m.Leave()
	m.mu.Lock()
	for _, ch := range m.listeners {
		close(ch)
	}
	m.listeners = nil
	m.mu.Unlock()
}

// Active returns the group call in progress.
func (m *Mesh) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupID, m.groupID != ""
}

// SetMuted enables or disables our audio for every participant.
func (m *Mesh) SetMuted(muted bool) error {
	m.mu.Lock()
	if m.groupID == "" {
		m.mu.Unlock()
		return ErrNotInCall
	}
	tracks := m.local.AudioTracks()
	m.mu.Unlock()
	for _, t := range tracks {
		t.SetEnabled(!muted)
	}
	return nil
}

// ── Discovery ─────────────────────────────────────────────────────────────────

// HandlePeerDiscovered links us to an announced member. Of two members who
// have no link yet, the one with the smaller user id dials; the other
// reserves the slot and re-announces so the dialer learns about it.
func (m *Mesh) HandlePeerDiscovered(ctx context.Context, d proto.GroupPeerDiscoveredPayload) {
	if d.UserID == m.self.UserID {
		return
	}
	m.mu.Lock()
	if m.groupID == "" || d.GroupID != m.groupID {
		m.mu.Unlock()
		return
	}
	if _, ok := m.peers[d.UserID]; ok {
		m.mu.Unlock()
		return
	}
	dial := m.self.UserID < d.UserID
	p := &participant{info: Participant{
		UserID:      d.UserID,
		DisplayName: d.DisplayName,
		Avatar:      d.Avatar,
		Addr:        d.RelayAddr,
		Dialed:      dial,
	}}
	m.peers[d.UserID] = p
	gen, local, groupID := m.gen, m.local, m.groupID
	m.mu.Unlock()
	m.publishRoster(groupID)

	if !dial {
		log.Debugf("GROUP: awaiting link from %s", d.UserID)
		if err := m.Announce(); err != nil {
			log.Warnf("GROUP: re-announce: %v", err)
		}
		return
	}

	media := call.MediaAudio
	if local.HasVideo() {
		media = call.MediaVideo
	}
	link, err := m.linker.CreateOutboundLink(ctx, d.RelayAddr, local, call.Metadata{
		UserID:      m.self.UserID,
		DisplayName: m.self.DisplayName,
		Avatar:      m.self.Avatar,
		Media:       media,
		GroupID:     groupID,
		Role:        call.SessionPrimary,
	})

	m.mu.Lock()
	if m.gen != gen || m.peers[d.UserID] != p {
		m.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		return
	}
	if err != nil {
		delete(m.peers, d.UserID)
		m.mu.Unlock()
		log.Warnf("GROUP: dial %s: %v", d.UserID, err)
		m.publishRoster(groupID)
		return
	}
	p.link = link
	m.mu.Unlock()

	m.watch(gen, p, link)
}

// HandleIncoming takes a link tagged with the active group and answers it
// with our media. It returns false when the link is not for this group call.
func (m *Mesh) HandleIncoming(ctx context.Context, link call.Link) bool {
	meta := link.Metadata()
	m.mu.Lock()
	if m.groupID == "" || meta.GroupID != m.groupID || meta.Role != call.SessionPrimary {
		m.mu.Unlock()
		return false
	}
	p, ok := m.peers[meta.UserID]
	if ok && (p.link != nil || p.info.Dialed) {
		m.mu.Unlock()
		log.Infof("GROUP: duplicate link from %s closed", meta.UserID)
		_ = link.Close()
		return true
	}
	if !ok {
		p = &participant{info: Participant{
			UserID:      meta.UserID,
			DisplayName: meta.DisplayName,
			Avatar:      meta.Avatar,
			Addr:        link.Peer(),
		}}
		m.peers[meta.UserID] = p
	}
	p.link = link
	gen, local, groupID := m.gen, m.local, m.groupID
	m.mu.Unlock()
	m.publishRoster(groupID)

	m.watch(gen, p, link)
	if err := link.Answer(ctx, local); err != nil {
		log.Warnf("GROUP: answer %s: %v", meta.UserID, err)
		m.drop(gen, p)
	}
	return true
}

// HandlePeerLeft removes a member that left the group call.
func (m *Mesh) HandlePeerLeft(groupID, userID string) {
	m.mu.Lock()
	if m.groupID == "" || groupID != m.groupID {
		m.mu.Unlock()
		return
	}
	p, ok := m.peers[userID]
	gen := m.gen
	m.mu.Unlock()
	if ok {
		log.Infof("GROUP: %s left %s", userID, groupID)
		m.drop(gen, p)
	}
}

// Roster returns the participants sorted by user id.
func (m *Mesh) Roster() []Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rosterLocked()
}

func (m *Mesh) rosterLocked() []Participant {
	out := lo.MapToSlice(m.peers, func(_ string, p *participant) Participant { return p.info })
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ── Link events ───────────────────────────────────────────────────────────────

func (m *Mesh) watch(gen uint64, p *participant, link call.Link) {
	link.OnRemoteStream(func(st *call.Stream) { m.onRemoteStream(gen, p, st) })
	link.OnClose(func() { m.drop(gen, p) })
	link.OnError(func(err error) {
		log.Warnf("GROUP: link to %s: %v", p.info.UserID, err)
		m.drop(gen, p)
	})
}

func (m *Mesh) onRemoteStream(gen uint64, p *participant, st *call.Stream) {
	m.mu.Lock()
	if m.gen != gen || m.peers[p.info.UserID] != p {
		m.mu.Unlock()
		return
	}
	p.remote = st
	p.info.Connected = true
	ev := &Event{Type: EventStream, GroupID: m.groupID, Participant: p.info, Stream: st}
	m.mu.Unlock()

	for _, t := range st.AudioTracks() {
		if src, ok := t.(speakingSource); ok {
			src.OnSpeaking(func(speaking bool) { m.onSpeaking(gen, p, speaking) })
		}
	}
	m.notifyListeners(ev)
}

func (m *Mesh) onSpeaking(gen uint64, p *participant, speaking bool) {
	m.mu.Lock()
	if m.gen != gen || m.peers[p.info.UserID] != p || p.info.Speaking == speaking {
		m.mu.Unlock()
		return
	}
	p.info.Speaking = speaking
	ev := &Event{Type: EventSpeaking, GroupID: m.groupID, Participant: p.info}
	m.mu.Unlock()
	m.notifyListeners(ev)
}

// drop removes p if it is still the roster entry of this call.
func (m *Mesh) drop(gen uint64, p *participant) {
	m.mu.Lock()
	if m.gen != gen || m.peers[p.info.UserID] != p {
		m.mu.Unlock()
		return
	}
	delete(m.peers, p.info.UserID)
	groupID := m.groupID
	m.mu.Unlock()

	release(p)
	m.publishRoster(groupID)
}

func release(p *participant) {
	if p.link != nil {
		_ = p.link.Close()
	}
	p.remote.Stop()
}

// ── Listeners ─────────────────────────────────────────────────────────────────

// Subscribe returns a channel of mesh events.
func (m *Mesh) Subscribe() <-chan *Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan *Event, 32)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (m *Mesh) Unsubscribe(ch <-chan *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Mesh) publishRoster(groupID string) {
	m.notifyListeners(&Event{Type: EventRoster, GroupID: groupID})
}

func (m *Mesh) notifyListeners(evt *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, listener := range m.listeners {
		select {
		case listener <- evt:
		default:
		}
	}
}
