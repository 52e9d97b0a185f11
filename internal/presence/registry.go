// Package presence holds the relay's authoritative map of connected users
// and their live status.
package presence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"

	"github.com/petervdpas/parley/internal/proto"
)

var log = logging.Logger("presence")

var (
	ErrInvalidStatus = errors.New("invalid status")
	ErrNotJoined     = errors.New("user has not joined")
)

// Broadcaster delivers events to connected users. Implementations must not
// block: the registry calls them while holding its lock.
type Broadcaster interface {
	SendTo(userID, event string, payload any)
	Broadcast(event string, payload any)
}

// StatusStore persists manual statuses across connections.
type StatusStore interface {
	LoadStatus(userID string) (string, error)
	SaveStatus(userID, status string) error
}

// FriendLookup lists who should receive a user's status deltas.
type FriendLookup interface {
	Friends(userID string) ([]string, error)
}

// Entry is one connected user.
type Entry struct {
	UserID       string
	Status       string // live status, may be invisible
	LastActiveAt time.Time
	Conn         any // transport handle of the current connection
}

// PublicStatus is what other users see: invisible shows as offline.
func PublicStatus(status string) string {
	if status == proto.StatusInvisible {
		return proto.StatusOffline
	}
	return status
}

// visibilityChanged reports whether moving between two statuses changes how
// the user is classified in the snapshot.
func visibilityChanged(from, to string) bool {
	inv := func(s string) bool { return s == proto.StatusInvisible }
	off := func(s string) bool { return PublicStatus(s) == proto.StatusOffline }
	return inv(from) != inv(to) || off(from) != off(to)
}

type Options struct {
	// Entries idle longer than Liveness are evicted by Prune.
	Liveness time.Duration
	// PruneEvery is the sweep period used by Run.
	PruneEvery time.Duration
	// Friends scopes deltas to online friends. Nil sends deltas to everyone.
	Friends FriendLookup
	Clock   clock.Clock
}

// Registry serializes every mutation and its broadcast under one mutex.
type Registry struct {
	store   StatusStore
	out     Broadcaster
	friends FriendLookup
	clock   clock.Clock

	liveness   time.Duration
	pruneEvery time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
}

func New(store StatusStore, out Broadcaster, opts Options) *Registry {
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	if opts.Liveness <= 0 {
		opts.Liveness = 130 * time.Second
	}
	if opts.PruneEvery <= 0 {
		opts.PruneEvery = 30 * time.Second
	}
	return &Registry{
		store:      store,
		out:        out,
		friends:    opts.Friends,
		clock:      c,
		liveness:   opts.Liveness,
		pruneEvery: opts.PruneEvery,
		entries:    make(map[string]*Entry),
	}
}

// Join registers userID on conn and resumes its persisted status. A
// persisted offline (or unknown) status comes back as online.
func (r *Registry) Join(userID string, conn any) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	persisted, err := r.store.LoadStatus(userID)
	if err != nil {
		log.Warnf("PRESENCE: load status for %s: %v", userID, err)
	}
	status := proto.StatusOnline
	if proto.ValidStatus(persisted) && persisted != proto.StatusOffline {
		status = persisted
	}

	r.entries[userID] = &Entry{
		UserID:       userID,
		Status:       status,
		LastActiveAt: r.clock.Now(),
		Conn:         conn,
	}
	if status != persisted && status != proto.StatusInvisible {
		r.persistLocked(userID, status)
	}

	public := PublicStatus(status)
	log.Infof("PRESENCE: %s joined as %s (public: %s)", userID, status, public)
	r.sendDeltaLocked(userID, public)
	r.broadcastSnapshotLocked()
	return status
}

// SetStatus applies an explicit status change.
func (r *Registry) SetStatus(userID, status string) error {
	if !proto.ValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		return ErrNotJoined
	}
	old := e.Status
	e.Status = status
	e.LastActiveAt = r.clock.Now()
	r.persistLocked(userID, status)

	public := PublicStatus(status)
	log.Infof("PRESENCE: %s set to %s (public: %s)", userID, status, public)
	r.sendDeltaLocked(userID, public)
	if visibilityChanged(old, status) {
		r.broadcastSnapshotLocked()
	}
	return nil
}

// Heartbeat refreshes the entry's activity time. It reports whether the user
// is joined.
func (r *Registry) Heartbeat(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return false
	}
	e.LastActiveAt = r.clock.Now()
	return true
}

// Prune evicts entries whose last activity is older than the liveness
// threshold and returns the evicted user ids.
func (r *Registry) Prune(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	snapshot := false
	for id, e := range r.entries {
		if now.Sub(e.LastActiveAt) <= r.liveness {
			continue
		}
		log.Infof("PRESENCE: pruning idle user %s", id)
		if r.evictLocked(id) {
			snapshot = true
		}
		evicted = append(evicted, id)
	}
	if snapshot {
		r.broadcastSnapshotLocked()
	}
	slices.Sort(evicted)
	return evicted
}

// Disconnect removes userID when conn is still its current connection.
// A stale connection closing after a rejoin is ignored.
func (r *Registry) Disconnect(userID string, conn any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok || e.Conn != conn {
		return false
	}
	log.Infof("PRESENCE: %s disconnected", userID)
	if r.evictLocked(userID) {
		r.broadcastSnapshotLocked()
	}
	return true
}

// evictLocked removes the entry, persists offline and sends the offline
// delta. It reports whether the entry was visible, i.e. whether the snapshot
// changed.
func (r *Registry) evictLocked(userID string) bool {
	e := r.entries[userID]
	delete(r.entries, userID)
	r.persistLocked(userID, proto.StatusOffline)
	if e.Status == proto.StatusInvisible {
		return false
	}
	r.sendDeltaLocked(userID, proto.StatusOffline)
	return true
}

// Run prunes on a fixed period until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Prune(r.clock.Now())
		}
	}
}

// Lookup returns a copy of the entry for userID.
func (r *Registry) Lookup(userID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot lists visible users with their live status, sorted by id.
func (r *Registry) Snapshot() []proto.OnlineUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Len returns the number of connected users, visible or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) snapshotLocked() []proto.OnlineUser {
	visible := lo.Filter(lo.Values(r.entries), func(e *Entry, _ int) bool {
		return e.Status != proto.StatusInvisible
	})
	users := lo.Map(visible, func(e *Entry, _ int) proto.OnlineUser {
		return proto.OnlineUser{ID: e.UserID, Status: e.Status}
	})
	slices.SortFunc(users, func(a, b proto.OnlineUser) int { return strings.Compare(a.ID, b.ID) })
	return users
}

func (r *Registry) broadcastSnapshotLocked() {
	r.out.Broadcast(proto.EventOnlineUsers, r.snapshotLocked())
}

// sendDeltaLocked sends one status delta to the user's online friends and to
// the user's own connection.
func (r *Registry) sendDeltaLocked(userID, public string) {
	payload := proto.StatusChangePayload{UserID: userID, Status: public}
	if r.friends == nil {
		r.out.Broadcast(proto.EventUserStatusChange, payload)
		return
	}
	friends, err := r.friends.Friends(userID)
	if err != nil {
		log.Warnf("PRESENCE: friends of %s: %v", userID, err)
	}
	for _, id := range friends {
		if _, online := r.entries[id]; online && id != userID {
			r.out.SendTo(id, proto.EventUserStatusChange, payload)
		}
	}
	if _, online := r.entries[userID]; online {
		r.out.SendTo(userID, proto.EventUserStatusChange, payload)
	}
}

func (r *Registry) persistLocked(userID, status string) {
	if err := r.store.SaveStatus(userID, status); err != nil {
		log.Errorf("PRESENCE: persist %s=%s: %v", userID, status, err)
	}
}
