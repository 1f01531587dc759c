package storage

import "time"

// CallRecord is one row of the relay-observed call history.
type CallRecord struct {
	SessionID      string
	CallerID       string
	CalleeID       string
	ConversationID string
	Mode           string
	StartedAt      time.Time
	EndedAt        time.Time // zero while the call is live
	EndReason      string
}

// RecordCallStart inserts a call-history row when the relay first sees an
// offer for a session. Re-recording the same session is a no-op, so the
// caller does not need to track which offers it has already seen.
func (d *DB) RecordCallStart(r CallRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO call_records
			(session_id, caller_id, callee_id, conversation_id, mode, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		r.SessionID, r.CallerID, r.CalleeID, r.ConversationID, r.Mode,
		r.StartedAt.UnixMilli(),
	)
	return err
}

// RecordCallEnd stamps the end time and reason on a session's row. The
// first termination wins; a second terminate for the same session (both
// sides hang up, or a disconnect races a hangup) leaves the row unchanged.
func (d *DB) RecordCallEnd(sessionID, reason string, endedAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		UPDATE call_records
		SET ended_at = ?, end_reason = ?
		WHERE session_id = ? AND ended_at IS NULL`,
		endedAt.UnixMilli(), reason, sessionID,
	)
	return err
}

// CallHistory returns the most recent calls involving userID, newest first.
func (d *DB) CallHistory(userID string, limit int) ([]CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT session_id, caller_id, callee_id,
		       COALESCE(conversation_id, ''), mode,
		       started_at, COALESCE(ended_at, 0), COALESCE(end_reason, '')
		FROM call_records
		WHERE caller_id = ? OR callee_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var r CallRecord
		var started, ended int64
		if err := rows.Scan(&r.SessionID, &r.CallerID, &r.CalleeID,
			&r.ConversationID, &r.Mode, &started, &ended, &r.EndReason); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if ended > 0 {
			r.EndedAt = time.UnixMilli(ended)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
