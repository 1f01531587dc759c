package storage

// AddContact records a pending contact request from userID to contactID.
// Re-adding an existing pair is a no-op and keeps its accepted flag.
func (d *DB) AddContact(userID, contactID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO contacts (user_id, contact_id, accepted)
		VALUES (?, ?, 0)
		ON CONFLICT(user_id, contact_id) DO NOTHING`,
		userID, contactID,
	)
	return err
}

// AcceptContact marks the relation accepted in both directions. Presence
// fan-out only ever considers accepted relations.
func (d *DB) AcceptContact(userID, contactID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO contacts (user_id, contact_id, accepted)
		VALUES (?, ?, 1), (?, ?, 1)
		ON CONFLICT(user_id, contact_id) DO UPDATE SET accepted = 1`,
		userID, contactID, contactID, userID,
	)
	return err
}

// RemoveContact deletes the relation in both directions.
func (d *DB) RemoveContact(userID, contactID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		DELETE FROM contacts
		WHERE (user_id = ? AND contact_id = ?)
		   OR (user_id = ? AND contact_id = ?)`,
		userID, contactID, contactID, userID,
	)
	return err
}

// AcceptedContacts returns the ids of all accepted contacts of userID.
// This is the scoping set for presence broadcasts.
func (d *DB) AcceptedContacts(userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT contact_id FROM contacts
		WHERE user_id = ? AND accepted = 1`, userID)
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
