package storage

import "time"

// SetStatus upserts a user's persisted presence snapshot. Called by the
// registry on every transition; best-effort by contract.
func (d *DB) SetStatus(userID, status string, lastSeen time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO presence (user_id, status, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status    = excluded.status,
			last_seen = excluded.last_seen`,
		userID, status, lastSeen.UnixMilli(),
	)
	return err
}

// LastSeen returns the persisted status and last-seen time for a user, or
// false if the user has never been online.
func (d *DB) LastSeen(userID string) (status string, lastSeen time.Time, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var millis int64
	err := d.db.QueryRow(`
		SELECT status, last_seen FROM presence WHERE user_id = ?`, userID).
		Scan(&status, &millis)
	if err != nil {
		return "", time.Time{}, false
	}
	return status, time.UnixMilli(millis), true
}
