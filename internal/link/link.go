package link

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/call"
)

var errICEFailed = errors.New("ice connection failed")

// localSource is a captured track that can feed a peer connection.
type localSource interface {
	call.Track
	trackLocal() webrtc.TrackLocal
	watchEnabled(fn func(enabled bool))
}

// Link is one peer connection to a remote relay address. Event handlers
// registered after the fact are replayed the latest remote stream, the
// connected notification, an error and the close.
type Link struct {
	m        *Manager
	id       string
	peer     string
	meta     call.Metadata
	outbound bool
	pc       *webrtc.PeerConnection
	offer    string // remote offer, inbound only

	mu          sync.Mutex
	answered    bool
	remote      []*remoteTrack
	stream      *call.Stream
	connected   bool
	failure     error
	closed      bool
	onStream    func(*call.Stream)
	onClose     func()
	onError     func(error)
	onConnected func()
}

func (l *Link) Peer() string { return l.peer }

func (l *Link) Metadata() call.Metadata { return l.meta }

// Answer accepts an inbound link, sending local. A nil stream answers
// receive-only.
func (l *Link) Answer(ctx context.Context, local *call.Stream) error {
	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		return ErrClosed
	case l.outbound || l.answered:
		l.mu.Unlock()
		return fmt.Errorf("link %s: nothing to answer", l.id)
	}
	l.answered = true
	l.mu.Unlock()

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: l.offer}); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	if err := l.addLocal(local, false); err != nil {
		return err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	desc, err := l.gather(ctx, answer)
	if err != nil {
		return err
	}
	return l.m.send(l.peer, signal{Type: sigAnswer, LinkID: l.id, SDP: desc})
}

func (l *Link) OnRemoteStream(fn func(*call.Stream)) {
	l.mu.Lock()
	l.onStream = fn
	st := l.stream
	l.mu.Unlock()
	if st != nil && fn != nil {
		fn(st)
	}
}

func (l *Link) OnConnected(fn func()) {
	l.mu.Lock()
	l.onConnected = fn
	replay := l.connected
	l.mu.Unlock()
	if replay && fn != nil {
		fn()
	}
}

func (l *Link) OnError(fn func(error)) {
	l.mu.Lock()
	l.onError = fn
	err := l.failure
	l.mu.Unlock()
	if err != nil && fn != nil {
		fn(err)
	}
}

func (l *Link) OnClose(fn func()) {
	l.mu.Lock()
	l.onClose = fn
	replay := l.closed
	l.mu.Unlock()
	if replay && fn != nil {
		fn()
	}
}

// Close tears the link down and tells the remote party.
func (l *Link) Close() error {
	l.teardown(true)
	return nil
}

func (l *Link) watch() {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		rt := newRemoteTrack(track, receiver)
		log.Debugf("LINK [%s]: remote %s track %s", l.id, rt.kind, track.Codec().MimeType)
		if rt.kind == call.MediaVideo {
			if err := l.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			}); err != nil {
				log.Debugf("LINK [%s]: initial PLI: %v", l.id, err)
			}
		}
		l.addRemote(rt)
		go rt.read()
	})

	l.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugf("LINK [%s]: %s", l.id, state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			l.mu.Lock()
			if l.closed || l.connected {
				l.mu.Unlock()
				return
			}
			l.connected = true
			fn := l.onConnected
			l.mu.Unlock()
			if fn != nil {
				fn()
			}
		case webrtc.PeerConnectionStateDisconnected:
			log.Warnf("LINK [%s]: connection to %s interrupted", l.id, l.peer)
		case webrtc.PeerConnectionStateFailed:
			l.fail(errICEFailed)
		case webrtc.PeerConnectionStateClosed:
			l.teardown(false)
		}
	})
}

// addRemote publishes the remote stream so far, once per arriving track.
func (l *Link) addRemote(rt *remoteTrack) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		rt.Stop()
		return
	}
	l.remote = append(l.remote, rt)
	tracks := make([]call.Track, 0, len(l.remote))
	for _, t := range l.remote {
		tracks = append(tracks, t)
	}
	st := call.NewStream(l.id, tracks...)
	l.stream = st
	fn := l.onStream
	l.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// addLocal attaches the captured tracks. The offerer also adds receive-only
// transceivers for kinds it does not send so the answer can carry them.
func (l *Link) addLocal(local *call.Stream, offerer bool) error {
	sending := make(map[webrtc.RTPCodecType]bool)
	if local != nil {
		for _, t := range local.Tracks {
			src, ok := t.(localSource)
			if !ok {
				log.Warnf("LINK [%s]: track %s cannot be sent", l.id, t.ID())
				continue
			}
			sender, err := l.pc.AddTrack(src.trackLocal())
			if err != nil {
				return fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			sending[codecType(t.Kind())] = true
			go drainRTCP(sender)
			src.watchEnabled(func(enabled bool) {
				var next webrtc.TrackLocal
				if enabled {
					next = src.trackLocal()
				}
				if err := sender.ReplaceTrack(next); err != nil {
					log.Debugf("LINK [%s]: replace track: %v", l.id, err)
				}
			})
		}
	}
	if !offerer {
		return nil
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if sending[kind] {
			continue
		}
		if _, err := l.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// gather sets desc as the local description and waits for ICE gathering so
// the description sent carries every candidate.
func (l *Link) gather(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	done := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	return l.pc.LocalDescription().SDP, nil
}

func (l *Link) fail(err error) {
	l.mu.Lock()
	if l.closed || l.failure != nil {
		l.mu.Unlock()
		return
	}
	l.failure = err
	fn := l.onError
	l.mu.Unlock()
	log.Warnf("LINK [%s]: %v", l.id, err)
	if fn != nil {
		fn(err)
	}
}

// teardown closes the peer connection once. notifyPeer sends a close signal
// first.
func (l *Link) teardown(notifyPeer bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	remote := l.remote
	fn := l.onClose
	l.mu.Unlock()

	l.m.forget(l)
	if notifyPeer {
		if err := l.m.send(l.peer, signal{Type: sigClose, LinkID: l.id}); err != nil {
			log.Debugf("LINK [%s]: %v", l.id, err)
		}
	}
	if err := l.pc.Close(); err != nil {
		log.Debugf("LINK [%s]: close: %v", l.id, err)
	}
	for _, t := range remote {
		t.Stop()
	}
	if fn != nil {
		fn()
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func codecType(k call.MediaKind) webrtc.RTPCodecType {
	if k == call.MediaVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}
