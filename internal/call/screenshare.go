package call

import (
	"context"
	"fmt"
)

// screenChannel is the secondary link of a call, keyed by the call's peer
// and SessionKind ScreenShare. It owns its own tracks.
type screenChannel struct {
	link      Link
	local     *Stream // captured display, sending side
	remote    *Stream // received display, receiving side
	announced bool    // the peer was told we are sharing
}

type ScreenOptions struct {
	WithSystemAudio bool
}

// StartScreenShare captures the display and opens a second link to the
// party of the active call. When the OS ends the capture the share stops on
// its own.
func (n *Negotiator) StartScreenShare(ctx context.Context, opts ScreenOptions) error {
	n.mu.Lock()
	s := n.cur
	if s == nil || s.info.State != StateActive || s.addr == "" || s.info.Kind != KindDirect {
		n.mu.Unlock()
		return fmt.Errorf("screen share: %w", ErrNoActiveCall)
	}
	if s.share != nil {
		n.mu.Unlock()
		return nil
	}
	ch := &screenChannel{}
	s.share = ch
	addr, gen := s.addr, s.info.Gen
	n.mu.Unlock()

	stream, err := n.media.GetDisplayMedia(ctx, opts.WithSystemAudio)

	n.mu.Lock()
	if n.sessionLocked(gen) != s || s.share != ch {
		n.mu.Unlock()
		stream.Stop()
		return ErrStale
	}
	if err != nil {
		s.share = nil
		n.mu.Unlock()
		return fmt.Errorf("screen share: %w", err)
	}
	ch.local = stream
	meta := n.metadata(true, "", SessionScreenShare)
	n.mu.Unlock()

	link, err := n.linker.CreateOutboundLink(ctx, addr, stream, meta)

	n.mu.Lock()
	if n.sessionLocked(gen) != s || s.share != ch {
		n.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		return ErrStale
	}
	if err != nil {
		s.share = nil
		n.mu.Unlock()
		stream.Stop()
		return fmt.Errorf("screen share link: %w", err)
	}
	ch.link = link
	ch.announced = true
	s.info.Sharing = true
	peer := s.info.Peer.UserID
	n.publishLocked(Event{Type: EventState, Session: s.info})
	n.mu.Unlock()

	for _, t := range stream.VideoTracks() {
		t.OnEnded(func() {
			log.Infof("CALL: screen capture ended by the system")
			n.stopShare(gen, ch)
		})
	}
	link.OnClose(func() { n.stopShare(gen, ch) })
	link.OnError(func(err error) {
		log.Warnf("CALL: screen share link: %v", err)
		n.stopShare(gen, ch)
	})

	if err := n.sig.SendScreenShareChange(peer, true); err != nil {
		log.Warnf("CALL: send screen share change: %v", err)
	}
	return nil
}

// StopScreenShare closes the screen share link and stops its tracks.
// Idempotent.
func (n *Negotiator) StopScreenShare() error {
	n.mu.Lock()
	s := n.cur
	if s == nil || s.share == nil {
		n.mu.Unlock()
		return nil
	}
	gen, ch := s.info.Gen, s.share
	n.mu.Unlock()
	n.stopShare(gen, ch)
	return nil
}

func (n *Negotiator) stopShare(gen uint64, ch *screenChannel) {
	n.mu.Lock()
	s := n.sessionLocked(gen)
	if s == nil || s.share != ch {
		n.mu.Unlock()
		return
	}
	s.share = nil
	s.info.Sharing = false
	peer := s.info.Peer.UserID
	n.publishLocked(Event{Type: EventState, Session: s.info})
	n.mu.Unlock()

	if ch.link != nil {
		_ = ch.link.Close()
	}
	ch.local.Stop()
	if ch.announced {
		if err := n.sig.SendScreenShareChange(peer, false); err != nil {
			log.Warnf("CALL: send screen share change: %v", err)
		}
	}
}

// acceptScreenShare answers a screen share link from the party of the
// active call receive-only. Anything else is closed.
func (n *Negotiator) acceptScreenShare(ctx context.Context, link Link) {
	meta := link.Metadata()

	n.mu.Lock()
	s := n.cur
	if s == nil || s.info.State != StateActive || s.info.Peer.UserID != meta.UserID {
		n.mu.Unlock()
		log.Infof("CALL: unexpected screen share from %s", meta.UserID)
		_ = link.Close()
		return
	}
	prev := s.peerShare
	ch := &screenChannel{link: link}
	s.peerShare = ch
	gen := s.info.Gen
	n.mu.Unlock()

	if prev != nil {
		_ = prev.link.Close()
		prev.remote.Stop()
	}

	link.OnRemoteStream(func(st *Stream) {
		n.mu.Lock()
		defer n.mu.Unlock()
		s := n.sessionLocked(gen)
		if s == nil || s.peerShare != ch {
			return
		}
		ch.remote = st
		n.publishLocked(Event{Type: EventScreenStream, Session: s.info, Stream: st})
	})
	link.OnClose(func() { n.dropPeerShare(gen, ch) })
	link.OnError(func(error) { n.dropPeerShare(gen, ch) })

	if err := link.Answer(ctx, nil); err != nil {
		log.Warnf("CALL: answer screen share: %v", err)
		n.dropPeerShare(gen, ch)
	}
}

func (n *Negotiator) dropPeerShare(gen uint64, ch *screenChannel) {
	n.mu.Lock()
	s := n.sessionLocked(gen)
	if s == nil || s.peerShare != ch {
		n.mu.Unlock()
		return
	}
	s.peerShare = nil
	if s.info.Render == SessionScreenShare {
		s.info.Render = SessionPrimary
		n.publishLocked(Event{Type: EventRender, Session: s.info, Stream: s.remote})
	}
	n.mu.Unlock()

	_ = ch.link.Close()
	ch.remote.Stop()
}

// HandleRemoteScreenShare switches what the remote view renders. The
// primary call is left alone.
func (n *Negotiator) HandleRemoteScreenShare(fromUserID string, sharing bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.cur
	if s == nil || s.info.Peer.UserID != fromUserID {
		return
	}
	render, stream := SessionPrimary, s.remote
	if sharing {
		render = SessionScreenShare
		if s.peerShare != nil {
			stream = s.peerShare.remote
		}
	}
	if s.info.Render == render {
		return
	}
	s.info.Render = render
	n.publishLocked(Event{Type: EventRender, Session: s.info, Stream: stream})
}
