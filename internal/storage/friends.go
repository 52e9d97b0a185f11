package storage

// SyncFriends replaces every stored friendship with pairs. Each pair is
// mutual.
func (d *DB) SyncFriends(pairs [][2]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM friends`); err != nil {
		return err
	}
	for _, p := range pairs {
		for _, pair := range [][2]string{{p[0], p[1]}, {p[1], p[0]}} {
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO friends (user_id, friend_id) VALUES (?, ?)`,
				pair[0], pair[1],
			); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// Friends lists the friend ids of userID, sorted.
func (d *DB) Friends(userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(
		`SELECT friend_id FROM friends WHERE user_id = ? ORDER BY friend_id`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
