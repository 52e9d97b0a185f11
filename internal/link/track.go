package link

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/call"
)

const (
	// Audio level is -dBov: 0 is loudest, 127 silence.
	speakingLevel = 50
	speakingHold  = 600 * time.Millisecond
)

// remoteTrack is a track received over a link. Audio tracks report whether
// the sender is speaking from the RTP audio level header extension.
type remoteTrack struct {
	track   *webrtc.TrackRemote
	kind    call.MediaKind
	levelID uint8

	mu         sync.Mutex
	enabled    bool
	stopped    bool
	onEnded    func()
	onSpeaking func(bool)
	detector   speakingDetector
}

func newRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) *remoteTrack {
	rt := &remoteTrack{
		track:    track,
		kind:     call.MediaAudio,
		enabled:  true,
		detector: speakingDetector{threshold: speakingLevel, hold: speakingHold},
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		rt.kind = call.MediaVideo
		return rt
	}
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			rt.levelID = uint8(ext.ID)
		}
	}
	return rt
}

func (t *remoteTrack) ID() string { return t.track.ID() }

func (t *remoteTrack) Kind() call.MediaKind { return t.kind }

// SetEnabled only gates speaking reports; a remote track cannot be paused.
func (t *remoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *remoteTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *remoteTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// OnSpeaking reports speaking transitions of an audio track.
func (t *remoteTrack) OnSpeaking(fn func(speaking bool)) {
	t.mu.Lock()
	t.onSpeaking = fn
	t.mu.Unlock()
}

// read drains RTP until the connection goes away.
func (t *remoteTrack) read() {
	for {
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			t.mu.Lock()
			fn := t.onEnded
			stopped := t.stopped
			t.stopped = true
			t.mu.Unlock()
			if fn != nil && !stopped {
				fn()
			}
			return
		}
		if t.levelID == 0 {
			continue
		}
		level, ok := audioLevel(pkt, t.levelID)
		if !ok {
			continue
		}
		t.mu.Lock()
		changed := t.detector.observe(level, time.Now())
		speaking := t.detector.speaking
		fn := t.onSpeaking
		report := t.enabled && !t.stopped
		t.mu.Unlock()
		if changed && report && fn != nil {
			fn(speaking)
		}
	}
}

// audioLevel reads the ssrc-audio-level extension from pkt.
func audioLevel(pkt *rtp.Packet, id uint8) (uint8, bool) {
	b := pkt.GetExtension(id)
	if b == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(b); err != nil {
		return 0, false
	}
	return ext.Level, true
}

// speakingDetector turns audio levels into speaking transitions. Speech
// starts on the first loud packet and ends after hold without one.
type speakingDetector struct {
	threshold uint8
	hold      time.Duration

	speaking bool
	lastLoud time.Time
}

// observe returns true when the speaking state changed.
func (d *speakingDetector) observe(level uint8, now time.Time) bool {
	if level <= d.threshold {
		d.lastLoud = now
		if !d.speaking {
			d.speaking = true
			return true
		}
		return false
	}
	if d.speaking && now.Sub(d.lastLoud) >= d.hold {
		d.speaking = false
		return true
	}
	return false
}
