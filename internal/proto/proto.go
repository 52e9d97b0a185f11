// Package proto defines the relay wire format: one JSON frame per websocket
// message, routed by its event name.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// ── Status values ─────────────────────────────────────────────────────────────
const (
	StatusOnline    = "online"
	StatusDND       = "dnd"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// ValidStatus reports whether s is one of the four manual statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusDND, StatusInvisible, StatusOffline:
		return true
	}
	return false
}

// ── Event names ───────────────────────────────────────────────────────────────
const (
	// Presence
	EventJoin             = "join"               // client → relay
	EventHeartbeat        = "heartbeat"          // client → relay
	EventSetStatus        = "set_status"         // client → relay
	EventUserStatusChange = "user_status_change" // relay → clients (delta)
	EventOnlineUsers      = "online_users"       // relay → clients (snapshot)

	// Relay addresses
	EventRegisterPeer = "register_peer" // client → relay
	EventGetPeerID    = "get_peer_id"   // client → relay, answered with the same id

	// Call control
	EventRegisterCallEvent     = "register_call_event"      // client → relay
	EventCallEventRecorded     = "call_event_recorded"      // relay → both parties
	EventCallTermination       = "call_termination"         // client → relay → peer
	EventCallMuteChange        = "call_mute_change"         // client → relay
	EventPeerMuteChange        = "peer_mute_change"         // relay → peer
	EventCallScreenShareChange = "call_screen_share_change" // client → relay
	EventPeerScreenShareChange = "peer_screen_share_change" // relay → peer

	// Group calls
	EventJoinGroupRoom       = "join_group_room"       // client → relay
	EventGroupCallInit       = "group_call_init"       // client → relay
	EventGroupCallStarted    = "group_call_started"    // relay → other room members
	EventGroupCallPeerID     = "group_call_peer_id"    // client → relay
	EventGroupPeerDiscovered = "group_peer_discovered" // relay → whole room
	EventGroupCallLeave      = "group_call_leave"      // client → relay → room

	// Link signaling brokered between relay addresses.
	EventLinkSignal = "link_signal"

	EventError = "error" // relay → client
)

// Frame is the envelope of every relay message.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`   // request id for request/response pairs
	Data  json.RawMessage `json:"data,omitempty"` // event payload
}

// NewFrame marshals payload into a frame. A nil payload leaves Data empty.
func NewFrame(event, id string, payload any) (Frame, error) {
	f := Frame{Event: event, ID: id}
	if payload == nil {
		return f, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", event, err)
	}
	f.Data = b
	return f, nil
}

// Decode unmarshals the frame payload into v and validates it.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Event, err)
	}
	if err := Validate(v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return nil
}

// ── Presence payloads ─────────────────────────────────────────────────────────

type JoinPayload struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// JoinResult answers a join sent with an id. Status is the status the relay
// resumed for the user.
type JoinResult struct {
	Status string `json:"status" validate:"required,oneof=online dnd invisible"`
}

type SetStatusPayload struct {
	Status string `json:"status" validate:"required,oneof=online dnd invisible offline"`
}

// StatusChangePayload is the delta sent on every logical status transition.
// Status is always the public status (never "invisible").
type StatusChangePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// OnlineUser is one row of the online_users snapshot.
type OnlineUser struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ── Relay address payloads ────────────────────────────────────────────────────

type RegisterPeerPayload struct {
	UserID    string `json:"userId" validate:"required,max=128"`
	RelayAddr string `json:"relayAddr" validate:"required,max=128"`
}

type GetPeerIDPayload struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// PeerIDResult answers get_peer_id. RelayAddr is null when the user has no
// registered address.
type PeerIDResult struct {
	RelayAddr *string `json:"relayAddr"`
}

// ── Call control payloads ─────────────────────────────────────────────────────

// Call record types.
const (
	CallTypeVideo = "video"
	CallTypeVoice = "voice"
)

// Call record statuses. Rejections carry a timestamped free-form status.
const (
	CallStatusBusy     = "Busy"
	CallStatusCanceled = "Canceled"
)

type CallEventPayload struct {
	FromUserID string `json:"fromUserId" validate:"required,max=128"`
	ToUserID   string `json:"toUserId" validate:"required,max=128"`
	Type       string `json:"type" validate:"omitempty,oneof=video voice"`
	Status     string `json:"status" validate:"max=256"`
}

// CallRecord is a stored call outcome.
type CallRecord struct {
	ID         string    `json:"id"` // ulid
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

type CallTerminationPayload struct {
	ToUserID   string `json:"toUserId" validate:"required,max=128"`
	FromUserID string `json:"fromUserId,omitempty"` // filled in by the relay
}

type MuteChangePayload struct {
	ToUserID   string `json:"toUserId,omitempty" validate:"omitempty,max=128"`
	FromUserID string `json:"fromUserId,omitempty"`
	IsMuted    bool   `json:"isMuted"`
}

type ScreenShareChangePayload struct {
	ToUserID   string `json:"toUserId,omitempty" validate:"omitempty,max=128"`
	FromUserID string `json:"fromUserId,omitempty"`
	IsSharing  bool   `json:"isSharing"`
}

// ── Group call payloads ───────────────────────────────────────────────────────

type GroupRoomPayload struct {
	GroupID string `json:"groupId" validate:"required,max=128"`
}

type GroupCallInitPayload struct {
	GroupID    string `json:"groupId" validate:"required,max=128"`
	FromUserID string `json:"fromUserId" validate:"required,max=128"`
}

// GroupCallPeerIDPayload is a member announcing its relay address to a group.
type GroupCallPeerIDPayload struct {
	GroupID     string `json:"groupId" validate:"required,max=128"`
	UserID      string `json:"userId" validate:"required,max=128"`
	RelayAddr   string `json:"relayAddr" validate:"required,max=128"`
	DisplayName string `json:"displayName" validate:"max=256"`
	Avatar      string `json:"avatar" validate:"max=1024"`
}

// GroupPeerDiscoveredPayload is relayed to every room member, including the
// announcer.
type GroupPeerDiscoveredPayload struct {
	GroupID     string `json:"groupId"`
	UserID      string `json:"userId"`
	RelayAddr   string `json:"relayAddr"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

type GroupCallLeavePayload struct {
	GroupID string `json:"groupId" validate:"required,max=128"`
	UserID  string `json:"userId" validate:"required,max=128"`
}

// ── Link signaling ────────────────────────────────────────────────────────────

// LinkSignalPayload carries one opaque link negotiation message between two
// relay addresses. The relay sets From.
type LinkSignalPayload struct {
	To   string          `json:"to" validate:"required,max=128"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data" validate:"required"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
