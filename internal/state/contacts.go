// Package state keeps the client's view of who is reachable, fed by the
// relay's snapshots and deltas.
package state

import (
	"slices"
	"sync"
	"time"

	"github.com/petervdpas/parley/internal/proto"
)

type Contact struct {
	UserID   string
	Status   string // public status as published by the relay
	LastSeen time.Time
}

type ContactEvent struct {
	Type    string   `json:"type"` // "update" or "snapshot"
	UserID  string   `json:"user_id,omitempty"`
	Contact *Contact `json:"contact,omitempty"`
}

// ContactTable mirrors the relay's published presence. A user missing from
// the table is offline.
type ContactTable struct {
	mu        sync.Mutex
	contacts  map[string]Contact
	listeners []chan ContactEvent
	now       func() time.Time
}

func NewContactTable() *ContactTable {
	return &ContactTable{
		contacts: map[string]Contact{},
		now:      time.Now,
	}
}

// ApplySnapshot replaces the online set with an online_users snapshot.
func (t *ContactTable) ApplySnapshot(users []proto.OnlineUser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	next := make(map[string]Contact, len(users))
	for _, u := range users {
		next[u.ID] = Contact{UserID: u.ID, Status: u.Status, LastSeen: now}
	}
	t.contacts = next
	t.notifyListeners(ContactEvent{Type: "snapshot"})
}

// ApplyDelta applies one user_status_change. Offline removes the contact.
func (t *ContactTable) ApplyDelta(p proto.StatusChangePayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Status == proto.StatusOffline {
		if _, ok := t.contacts[p.UserID]; !ok {
			return
		}
		delete(t.contacts, p.UserID)
		t.notifyListeners(ContactEvent{Type: "update", UserID: p.UserID})
		return
	}
	c := Contact{UserID: p.UserID, Status: p.Status, LastSeen: t.now()}
	t.contacts[p.UserID] = c
	t.notifyListeners(ContactEvent{Type: "update", UserID: p.UserID, Contact: &c})
}

// Status returns the public status of userID, offline when unknown.
func (t *ContactTable) Status(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.contacts[userID]; ok {
		return c.Status
	}
	return proto.StatusOffline
}

// Online lists reachable contacts sorted by id.
func (t *ContactTable) Online() []Contact {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Contact, 0, len(t.contacts))
	for _, c := range t.contacts {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Contact) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out
}

func (t *ContactTable) Subscribe() chan ContactEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan ContactEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *ContactTable) Unsubscribe(ch chan ContactEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *ContactTable) notifyListeners(evt ContactEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
