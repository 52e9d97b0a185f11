package call

import (
	"context"
	"errors"
	"fmt"
)

// Reason classifies a capture failure.
type Reason int

const (
	ReasonOther Reason = iota
	ReasonPermissionDenied
	ReasonDeviceMissing
	ReasonDeviceBusy
)

func (r Reason) String() string {
	switch r {
	case ReasonPermissionDenied:
		return "permission denied"
	case ReasonDeviceMissing:
		return "device missing"
	case ReasonDeviceBusy:
		return "device busy"
	default:
		return "capture failed"
	}
}

// MediaError is returned by a MediaSource when capture fails.
type MediaError struct {
	Reason Reason
	Err    error
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return "media: " + e.Reason.String()
	}
	return fmt.Sprintf("media: %s: %v", e.Reason, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// ReasonOf extracts the capture failure reason from err.
func ReasonOf(err error) Reason {
	var me *MediaError
	if errors.As(err, &me) {
		return me.Reason
	}
	return ReasonOther
}

// VideoQuality caps the first-tier camera capture.
type VideoQuality struct {
	MaxWidth  int
	MaxHeight int
	FrameRate int
}

// DefaultVideoQuality is 640x480 at 30fps.
var DefaultVideoQuality = VideoQuality{MaxWidth: 640, MaxHeight: 480, FrameRate: 30}

// Acquire captures local media with graceful fallback:
//
//  1. constrained video and enhanced audio
//  2. unconstrained video and plain audio
//  3. enhanced audio only, when tier 2 found no usable camera
//
// Permission denials and other failures at tier 2 propagate. Calls without
// video go straight to tier 3.
func Acquire(ctx context.Context, src MediaSource, wantVideo bool, q VideoQuality) (*Stream, error) {
	audioOnly := Constraints{EnhancedAudio: true}
	if !wantVideo {
		s, err := src.GetUserMedia(ctx, audioOnly)
		if err != nil {
			return nil, fmt.Errorf("audio capture: %w", err)
		}
		return s, nil
	}

	s, err := src.GetUserMedia(ctx, Constraints{
		Video:         true,
		MaxWidth:      q.MaxWidth,
		MaxHeight:     q.MaxHeight,
		FrameRate:     q.FrameRate,
		EnhancedAudio: true,
	})
	if err == nil {
		return s, nil
	}
	log.Warnf("CALL: constrained capture failed (%s), trying basic", ReasonOf(err))
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s, err = src.GetUserMedia(ctx, Constraints{Video: true})
	if err == nil {
		return s, nil
	}
	switch ReasonOf(err) {
	case ReasonDeviceMissing, ReasonDeviceBusy:
		log.Warnf("CALL: camera unavailable (%s), switching to audio only", ReasonOf(err))
	default:
		return nil, fmt.Errorf("video capture: %w", err)
	}

	s, err = src.GetUserMedia(ctx, audioOnly)
	if err != nil {
		return nil, fmt.Errorf("audio-only capture: %w", err)
	}
	return s, nil
}
