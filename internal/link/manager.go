// Package link implements call.Linker on pion/webrtc. Offers and answers
// travel as opaque link_signal frames over the relay, addressed by relay
// address. Negotiation is non-trickle: a description is sent once ICE
// gathering has completed.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/call"
)

var log = logging.Logger("link")

var ErrClosed = errors.New("link closed")

const (
	sigOffer  = "offer"
	sigAnswer = "answer"
	sigClose  = "close"

	inboxSize = 64
)

// signal is the payload carried in a link_signal frame.
type signal struct {
	Type   string         `json:"type"`
	LinkID string         `json:"linkId"`
	SDP    string         `json:"sdp,omitempty"`
	Meta   *call.Metadata `json:"meta,omitempty"`
}

// Transport delivers a signal to a relay address. *relay.Client satisfies it.
type Transport interface {
	SendSignal(to string, data json.RawMessage) error
}

type Options struct {
	ICEServers []string

	// ICE timeouts. Zero values take the defaults below.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAlive           time.Duration
}

type inbound struct {
	from string
	sig  signal
}

// Manager owns every link of one client.
type Manager struct {
	api *webrtc.API
	cfg webrtc.Configuration
	out Transport

	inbox     chan inbound
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	links    map[string]*Link
	incoming func(call.Link)
}

// NewManager builds the webrtc API: codecs from capture (defaults when nil),
// the audio level header extension, default interceptors plus periodic PLI.
func NewManager(out Transport, capture *Capture, opts Options) (*Manager, error) {
	if opts.DisconnectedTimeout <= 0 {
		opts.DisconnectedTimeout = 30 * time.Second
	}
	if opts.FailedTimeout <= 0 {
		opts.FailedTimeout = 120 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 2 * time.Second
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := capture.populate(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create PLI interceptor: %w", err)
	}
	interceptorRegistry.Add(pli)

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAlive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var cfg webrtc.Configuration
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}

	m := &Manager{
		api:   api,
		cfg:   cfg,
		out:   out,
		inbox: make(chan inbound, inboxSize),
		done:  make(chan struct{}),
		links: make(map[string]*Link),
	}
	go m.loop()
	return m, nil
}

// OnIncoming sets the handler for links opened by remote parties. Each call
// runs on its own goroutine.
func (m *Manager) OnIncoming(fn func(call.Link)) {
	m.mu.Lock()
	m.incoming = fn
	m.mu.Unlock()
}

// CreateOutboundLink offers local to addr. The link is returned once the
// offer is sent; the answer is applied when it arrives.
func (m *Manager) CreateOutboundLink(ctx context.Context, addr string, local *call.Stream, meta call.Metadata) (call.Link, error) {
	l, err := m.newLink(uuid.NewString(), addr, meta, true)
	if err != nil {
		return nil, err
	}
	if err := l.addLocal(local, true); err != nil {
		l.teardown(false)
		return nil, err
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.teardown(false)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	desc, err := l.gather(ctx, offer)
	if err != nil {
		l.teardown(false)
		return nil, err
	}
	if err := m.send(addr, signal{Type: sigOffer, LinkID: l.id, SDP: desc, Meta: &meta}); err != nil {
		l.teardown(false)
		return nil, err
	}
	log.Debugf("LINK [%s]: offer sent to %s", l.id, addr)
	return l, nil
}

// HandleSignal queues a link_signal payload received from a relay address.
// It never blocks the caller; signals beyond the inbox are dropped.
func (m *Manager) HandleSignal(from string, data json.RawMessage) {
	var sig signal
	if err := json.Unmarshal(data, &sig); err != nil || sig.LinkID == "" {
		log.Warnf("LINK: malformed signal from %s", from)
		return
	}
	select {
	case m.inbox <- inbound{from: from, sig: sig}:
	case <-m.done:
	default:
		log.Warnf("LINK: inbox full, dropping %s from %s", sig.Type, from)
	}
}

// Len reports the number of open links.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// Close tears every link down and stops signal processing.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		links := make([]*Link, 0, len(m.links))
		for _, l := range m.links {
			links = append(links, l)
		}
		m.mu.Unlock()
		for _, l := range links {
			l.teardown(true)
		}
	})
}

func (m *Manager) loop() {
	for {
		select {
		case <-m.done:
			return
		case in := <-m.inbox:
			m.dispatch(in)
		}
	}
}

func (m *Manager) dispatch(in inbound) {
	switch in.sig.Type {
	case sigOffer:
		m.handleOffer(in)
	case sigAnswer:
		l := m.lookup(in.sig.LinkID, in.from)
		if l == nil || !l.outbound {
			log.Debugf("LINK [%s]: answer for unknown link from %s", in.sig.LinkID, in.from)
			return
		}
		if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: in.sig.SDP}); err != nil {
			l.fail(fmt.Errorf("apply answer: %w", err))
		}
	case sigClose:
		if l := m.lookup(in.sig.LinkID, in.from); l != nil {
			log.Debugf("LINK [%s]: closed by %s", l.id, in.from)
			l.teardown(false)
		}
	default:
		log.Warnf("LINK: unknown signal %q from %s", in.sig.Type, in.from)
	}
}

func (m *Manager) handleOffer(in inbound) {
	if in.sig.Meta == nil {
		log.Warnf("LINK [%s]: offer without metadata from %s", in.sig.LinkID, in.from)
		return
	}
	m.mu.Lock()
	_, dup := m.links[in.sig.LinkID]
	handler := m.incoming
	m.mu.Unlock()
	if dup {
		return
	}

	l, err := m.newLink(in.sig.LinkID, in.from, *in.sig.Meta, false)
	if err != nil {
		log.Errorf("LINK [%s]: %v", in.sig.LinkID, err)
		return
	}
	l.offer = in.sig.SDP
	if handler == nil {
		log.Warnf("LINK [%s]: no handler for incoming links", l.id)
		l.teardown(true)
		return
	}
	go handler(l)
}

func (m *Manager) newLink(id, peer string, meta call.Metadata, outbound bool) (*Link, error) {
	pc, err := m.api.NewPeerConnection(m.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &Link{m: m, id: id, peer: peer, meta: meta, outbound: outbound, pc: pc}
	l.watch()

	m.mu.Lock()
	m.links[id] = l
	m.mu.Unlock()
	return l, nil
}

func (m *Manager) lookup(id, from string) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok || l.peer != from {
		return nil
	}
	return l
}

func (m *Manager) forget(l *Link) {
	m.mu.Lock()
	if m.links[l.id] == l {
		delete(m.links, l.id)
	}
	m.mu.Unlock()
}

func (m *Manager) send(to string, sig signal) error {
	b, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	if err := m.out.SendSignal(to, b); err != nil {
		return fmt.Errorf("send %s: %w", sig.Type, err)
	}
	return nil
}
