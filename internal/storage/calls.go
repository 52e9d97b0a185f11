package storage

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/petervdpas/parley/internal/proto"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newRecordID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// RecordCall stores a call outcome and returns the stored record.
func (d *DB) RecordCall(ev proto.CallEventPayload, at time.Time) (proto.CallRecord, error) {
	typ := ev.Type
	if typ == "" {
		typ = proto.CallTypeVoice
	}
	status := ev.Status
	if status == "" {
		status = "Missed " + typ + " call"
	}
	rec := proto.CallRecord{
		ID:         newRecordID(at),
		FromUserID: ev.FromUserID,
		ToUserID:   ev.ToUserID,
		Type:       typ,
		Status:     status,
		CreatedAt:  at.UTC(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO call_events (id, from_user_id, to_user_id, type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.FromUserID, rec.ToUserID, rec.Type, rec.Status, rec.CreatedAt,
	)
	if err != nil {
		return proto.CallRecord{}, err
	}
	return rec, nil
}

// CallHistory returns the newest call records involving userID.
func (d *DB) CallHistory(userID string, limit int) ([]proto.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, from_user_id, to_user_id, type, status, created_at
		FROM call_events
		WHERE from_user_id = ? OR to_user_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		userID, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []proto.CallRecord
	for rows.Next() {
		var r proto.CallRecord
		if err := rows.Scan(&r.ID, &r.FromUserID, &r.ToUserID, &r.Type, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
