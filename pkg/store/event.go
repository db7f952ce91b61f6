package store

// RecordEvent inserts a DedupEvent row and one DedupEventInode row per
// participant, in a single transaction. Called once per full-hash
// bucket of a Commonality3 cohort in which at least one destination
// was cloned.
func (s *Store) RecordEvent(fsID int64, itemSize int64, participants []InodeRef) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec("INSERT INTO dedup_event (fs_id, item_size) VALUES (?, ?)", fsID, itemSize)
	if err != nil {
		return err
	}
	eventID, err := result.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare("INSERT INTO dedup_event_inode (event_id, vol_id, ino) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range participants {
		if _, err := stmt.Exec(eventID, p.VolID, p.Ino); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DedupEventSummary is one recorded event with its participant count,
// used by the "show" CLI command's report table.
type DedupEventSummary struct {
	ID           int64
	ItemSize     int64
	CreatedAt    int64
	Participants int
}

// ListEvents returns recent dedup events for a filesystem, most
// recent first.
func (s *Store) ListEvents(fsID int64, limit int) ([]DedupEventSummary, error) {
	rows, err := s.conn.Query(`
		SELECT e.id, e.item_size, e.created_at, COUNT(i.id)
		FROM dedup_event e
		LEFT JOIN dedup_event_inode i ON i.event_id = e.id
		WHERE e.fs_id = ?
		GROUP BY e.id
		ORDER BY e.created_at DESC
		LIMIT ?`, fsID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DedupEventSummary
	for rows.Next() {
		var ev DedupEventSummary
		if err := rows.Scan(&ev.ID, &ev.ItemSize, &ev.CreatedAt, &ev.Participants); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
