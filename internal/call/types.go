package call

import (
	"context"

	"github.com/petervdpas/parley/internal/proto"
)

// Signaler is the only surface the call package needs from the relay layer.
// *relay.Client satisfies it.
type Signaler interface {
	LookupAddr(ctx context.Context, userID string) (addr string, ok bool, err error)
	RecordCallEvent(ev proto.CallEventPayload) error
	SendTermination(toUserID string) error
	SendMuteChange(toUserID string, muted bool) error
	SendScreenShareChange(toUserID string, sharing bool) error
}

// MediaKind is the kind of a single track.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Track is one local or remote media track.
type Track interface {
	ID() string
	Kind() MediaKind
	SetEnabled(enabled bool)
	// Stop releases the track. Safe to call more than once.
	Stop()
	// OnEnded fires once when the track ends for any reason other than
	// Stop, e.g. the OS ended a display capture.
	OnEnded(fn func())
}

// Stream groups the tracks of one capture or one remote party.
type Stream struct {
	ID     string
	Tracks []Track
}

func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{ID: id, Tracks: tracks}
}

func (s *Stream) byKind(k MediaKind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.Tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) AudioTracks() []Track { return s.byKind(MediaAudio) }
func (s *Stream) VideoTracks() []Track { return s.byKind(MediaVideo) }
func (s *Stream) HasVideo() bool { return len(s.VideoTracks()) > 0 }

// Stop stops every track. Nil-safe.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// SessionKind tags a link as the primary call or a screen share riding
// next to it.
type SessionKind string

const (
	SessionPrimary     SessionKind = "primary"
	SessionScreenShare SessionKind = "screenShare"
)

// Metadata travels with an outbound link and is visible to the callee
// before it answers.
type Metadata struct {
	UserID      string      `json:"userId"`
	DisplayName string      `json:"displayName,omitempty"`
	Avatar      string      `json:"avatar,omitempty"`
	Media       MediaKind   `json:"media"`
	GroupID     string      `json:"groupId,omitempty"`
	Role        SessionKind `json:"role"`
}

// Link is one negotiated media connection to a remote relay address.
// Handlers may be registered after the event happened; implementations
// replay a remote stream or a close that arrived earlier.
type Link interface {
	// Peer is the remote relay address.
	Peer() string
	Metadata() Metadata
	// Answer accepts an incoming link. A nil stream answers receive-only.
	Answer(ctx context.Context, local *Stream) error
	OnRemoteStream(fn func(*Stream))
	OnClose(fn func())
	OnError(fn func(error))
	Close() error
}

// ConnectNotifier is implemented by links that report transport
// connectivity separately from remote media.
type ConnectNotifier interface {
	OnConnected(fn func())
}

// Linker opens outbound links.
type Linker interface {
	CreateOutboundLink(ctx context.Context, addr string, local *Stream, meta Metadata) (Link, error)
}

// Constraints select a capture. Zero video limits mean an unconstrained
// camera.
type Constraints struct {
	Video         bool
	MaxWidth      int
	MaxHeight     int
	FrameRate     int
	EnhancedAudio bool // echo cancellation, noise suppression, auto gain
}

// MediaSource captures local media.
type MediaSource interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	GetDisplayMedia(ctx context.Context, withAudio bool) (*Stream, error)
}
