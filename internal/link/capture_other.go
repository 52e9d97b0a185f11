//go:build !linux

package link

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/call"
)

var errNoDrivers = errors.New("no capture drivers on this platform")

// Capture has no devices outside linux; links still receive media.
type Capture struct{}

func NewCapture(int) (*Capture, error) {
	log.Infof("LINK: local capture unavailable on this platform, calls are receive-only")
	return &Capture{}, nil
}

func (c *Capture) populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (c *Capture) GetUserMedia(context.Context, call.Constraints) (*call.Stream, error) {
	return nil, &call.MediaError{Reason: call.ReasonDeviceMissing, Err: errNoDrivers}
}

func (c *Capture) GetDisplayMedia(context.Context, bool) (*call.Stream, error) {
	return nil, &call.MediaError{Reason: call.ReasonDeviceMissing, Err: errNoDrivers}
}
