package store

import "database/sql"

// VolumeRow is the persisted record of a subvolume.
type VolumeRow struct {
	ID                    int64
	FSID                  int64
	RootID                uint64
	SizeCutoff            int64
	LastTrackedGeneration uint64
	LastTrackedSizeCutoff sql.NullInt64
	LastKnownMountpoint   string
	Description           string
	CreatedAt             int64
	UpdatedAt             int64
}

// GetOrCreateVolume looks up a volume row by (fsID, rootID), inserting
// one with defaultCutoff as its initial size_cutoff if none exists.
func (s *Store) GetOrCreateVolume(fsID int64, rootID uint64, defaultCutoff int64) (*VolumeRow, bool, error) {
	vol, err := s.getVolume(fsID, rootID)
	if err == nil {
		return vol, false, nil
	} else if err != sql.ErrNoRows {
		return nil, false, err
	}

	result, err := s.conn.Exec(
		"INSERT INTO volume (fs_id, root_id, size_cutoff) VALUES (?, ?, ?)",
		fsID, rootID, defaultCutoff,
	)
	if err != nil {
		return nil, false, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, err
	}

	vol, err = s.getVolumeByID(id)
	if err != nil {
		return nil, false, err
	}
	return vol, true, nil
}

func (s *Store) getVolume(fsID int64, rootID uint64) (*VolumeRow, error) {
	row := s.conn.QueryRow(`
		SELECT id, fs_id, root_id, size_cutoff, last_tracked_generation,
		       last_tracked_size_cutoff, last_known_mountpoint, description,
		       created_at, updated_at
		FROM volume WHERE fs_id = ? AND root_id = ?`, fsID, rootID)
	return scanVolume(row)
}

func (s *Store) getVolumeByID(id int64) (*VolumeRow, error) {
	row := s.conn.QueryRow(`
		SELECT id, fs_id, root_id, size_cutoff, last_tracked_generation,
		       last_tracked_size_cutoff, last_known_mountpoint, description,
		       created_at, updated_at
		FROM volume WHERE id = ?`, id)
	return scanVolume(row)
}

func scanVolume(row *sql.Row) (*VolumeRow, error) {
	v := &VolumeRow{}
	if err := row.Scan(&v.ID, &v.FSID, &v.RootID, &v.SizeCutoff, &v.LastTrackedGeneration,
		&v.LastTrackedSizeCutoff, &v.LastKnownMountpoint, &v.Description,
		&v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	return v, nil
}

// FilesystemIDForVolume returns the fs_id owning a volume, used by the
// Deduper to record a DedupEvent against the right filesystem.
func (s *Store) FilesystemIDForVolume(volID int64) (int64, error) {
	var fsID int64
	row := s.conn.QueryRow("SELECT fs_id FROM volume WHERE id = ?", volID)
	if err := row.Scan(&fsID); err != nil {
		return 0, err
	}
	return fsID, nil
}

// ListVolumes returns every volume belonging to a filesystem.
func (s *Store) ListVolumes(fsID int64) ([]*VolumeRow, error) {
	rows, err := s.conn.Query(`
		SELECT id, fs_id, root_id, size_cutoff, last_tracked_generation,
		       last_tracked_size_cutoff, last_known_mountpoint, description,
		       created_at, updated_at
		FROM volume WHERE fs_id = ? ORDER BY root_id`, fsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*VolumeRow
	for rows.Next() {
		v := &VolumeRow{}
		if err := rows.Scan(&v.ID, &v.FSID, &v.RootID, &v.SizeCutoff, &v.LastTrackedGeneration,
			&v.LastTrackedSizeCutoff, &v.LastKnownMountpoint, &v.Description,
			&v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateScanWatermark records the generation and size cutoff a scan
// completed at, called once the Scanner finishes a volume pass
// cleanly.
func (s *Store) UpdateScanWatermark(volID int64, generation uint64, sizeCutoff int64) error {
	_, err := s.conn.Exec(`
		UPDATE volume
		SET last_tracked_generation = ?, last_tracked_size_cutoff = ?, updated_at = strftime('%s', 'now')
		WHERE id = ?`, generation, sizeCutoff, volID)
	return err
}

// UpdateMountpoint records the path a volume was most recently seen
// mounted at, and appends to volume_path_history if it differs from
// the last known entry.
func (s *Store) UpdateMountpoint(volID int64, path string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var last sql.NullString
	row := tx.QueryRow("SELECT last_known_mountpoint FROM volume WHERE id = ?", volID)
	if err := row.Scan(&last); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"UPDATE volume SET last_known_mountpoint = ?, updated_at = strftime('%s', 'now') WHERE id = ?",
		path, volID,
	); err != nil {
		return err
	}

	if !last.Valid || last.String != path {
		if _, err := tx.Exec(
			"INSERT INTO volume_path_history (vol_id, path) VALUES (?, ?)", volID, path,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ForgetVolume deletes all inode rows for a volume and resets its scan
// watermark to zero, in one transaction. Mirrors bedup's forget_vol.
func (s *Store) ForgetVolume(volID int64) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM inode WHERE vol_id = ?", volID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"UPDATE volume SET last_tracked_generation = 0, last_tracked_size_cutoff = NULL, updated_at = strftime('%s', 'now') WHERE id = ?",
		volID,
	); err != nil {
		return err
	}

	return tx.Commit()
}
