//go:build linux

package link

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/call"
)

// Capture is the call.MediaSource backed by V4L2 cameras, the system
// microphone and X11 screen capture. Its codecs are the ones links offer.
type Capture struct {
	selector *mediadevices.CodecSelector
}

// NewCapture prepares VP8 and Opus encoders. bitRate is the VP8 target in
// bits per second; zero keeps 1.5 Mbps.
func NewCapture(bitRate int) (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000
	if bitRate > 0 {
		vpxParams.BitRate = bitRate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("LINK: no media devices found")
	}
	for _, d := range devices {
		log.Debugf("LINK: media device kind=%v label=%q", d.Kind, d.Label)
	}

	return &Capture{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

func (c *Capture) populate(me *webrtc.MediaEngine) error {
	if c == nil {
		return me.RegisterDefaultCodecs()
	}
	c.selector.Populate(me)
	return nil
}

func (c *Capture) GetUserMedia(ctx context.Context, cons call.Constraints) (*call.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mc := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(tc *mediadevices.MediaTrackConstraints) {
			if cons.EnhancedAudio {
				tc.ChannelCount = prop.Int(1)
				tc.SampleRate = prop.Int(48000)
			}
		},
	}
	if cons.Video {
		mc.Video = func(tc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras poison the encoder.
			tc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if cons.MaxWidth > 0 {
				tc.Width = prop.IntRanged{Max: cons.MaxWidth}
			}
			if cons.MaxHeight > 0 {
				tc.Height = prop.IntRanged{Max: cons.MaxHeight}
			}
			if cons.FrameRate > 0 {
				tc.FrameRate = prop.FloatRanged{Max: float32(cons.FrameRate)}
			}
		}
	}

	ms, err := mediadevices.GetUserMedia(mc)
	if err != nil {
		return nil, classify(err)
	}
	return c.wrap(ms)
}

func (c *Capture) GetDisplayMedia(ctx context.Context, withAudio bool) (*call.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if withAudio {
		log.Infof("LINK: system audio capture is not available, sharing video only")
	}
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, classify(err)
	}
	return c.wrap(ms)
}

// wrap checks every video track can be encoded before handing the stream
// out; a broken encoder would fail negotiation later.
func (c *Capture) wrap(ms mediadevices.MediaStream) (*call.Stream, error) {
	raw := ms.GetTracks()
	tracks := make([]call.Track, 0, len(raw))
	for _, t := range raw {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			r, err := t.NewEncodedReader(webrtc.MimeTypeVP8)
			if err != nil {
				for _, t := range raw {
					_ = t.Close()
				}
				return nil, &call.MediaError{Reason: call.ReasonOther, Err: fmt.Errorf("video encoder: %w", err)}
			}
			_ = r.Close()
		}
		tracks = append(tracks, newLocalTrack(t))
	}
	log.Infof("LINK: local media captured, %d tracks", len(tracks))
	return call.NewStream(uuid.NewString(), tracks...), nil
}

// classify maps a driver error onto a capture failure reason.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	reason := call.ReasonOther
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not permitted"):
		reason = call.ReasonPermissionDenied
	case strings.Contains(msg, "busy"):
		reason = call.ReasonDeviceBusy
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "no such"), strings.Contains(msg, "not found"):
		reason = call.ReasonDeviceMissing
	}
	return &call.MediaError{Reason: reason, Err: err}
}

// localTrack adapts a mediadevices track to call.Track.
type localTrack struct {
	t    mediadevices.Track
	kind call.MediaKind

	mu      sync.Mutex
	stopped bool
	enabled bool
	hooks   []func(bool)
	onEnded func()
}

func newLocalTrack(t mediadevices.Track) *localTrack {
	lt := &localTrack{t: t, kind: call.MediaAudio, enabled: true}
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		lt.kind = call.MediaVideo
	}
	t.OnEnded(func(err error) {
		lt.mu.Lock()
		fn := lt.onEnded
		stopped := lt.stopped
		lt.stopped = true
		lt.mu.Unlock()
		if err != nil {
			log.Debugf("LINK: local track %s ended: %v", t.ID(), err)
		}
		if fn != nil && !stopped {
			fn()
		}
	})
	return lt
}

func (l *localTrack) ID() string { return l.t.ID() }

func (l *localTrack) Kind() call.MediaKind { return l.kind }

func (l *localTrack) SetEnabled(enabled bool) {
	l.mu.Lock()
	if l.enabled == enabled {
		l.mu.Unlock()
		return
	}
	l.enabled = enabled
	hooks := append([]func(bool)(nil), l.hooks...)
	l.mu.Unlock()
	for _, fn := range hooks {
		fn(enabled)
	}
}

func (l *localTrack) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	_ = l.t.Close()
}

func (l *localTrack) OnEnded(fn func()) {
	l.mu.Lock()
	l.onEnded = fn
	l.mu.Unlock()
}

func (l *localTrack) trackLocal() webrtc.TrackLocal { return l.t }

func (l *localTrack) watchEnabled(fn func(bool)) {
	l.mu.Lock()
	l.hooks = append(l.hooks, fn)
	l.mu.Unlock()
}
