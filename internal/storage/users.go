package storage

import (
	"database/sql"
	"errors"
)

// User is the persisted part of a user record.
type User struct {
	ID          string
	DisplayName string
	Avatar      string
	Status      string
}

// GetUser returns the stored user, or false if unknown.
func (d *DB) GetUser(id string) (User, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var u User
	err := d.db.QueryRow(
		`SELECT id, display_name, avatar, status FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.DisplayName, &u.Avatar, &u.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

// LoadStatus returns the persisted manual status, or "" for an unknown user.
func (d *DB) LoadStatus(userID string) (string, error) {
	u, ok, err := d.GetUser(userID)
	if err != nil || !ok {
		return "", err
	}
	return u.Status, nil
}

// SaveStatus persists a manual status, creating the user row if needed.
func (d *DB) SaveStatus(userID, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO users (id, status) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status     = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		userID, status,
	)
	return err
}
