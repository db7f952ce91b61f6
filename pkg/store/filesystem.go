package store

import "database/sql"

// FilesystemRow is the persisted record of a btrfs filesystem, keyed
// by its stable UUID.
type FilesystemRow struct {
	ID        int64
	UUID      string
	CreatedAt int64
	UpdatedAt int64
}

// GetOrCreateFilesystem looks up a filesystem row by UUID, inserting
// one if none exists. The bool return reports whether a row was
// created.
func (s *Store) GetOrCreateFilesystem(uuid string) (*FilesystemRow, bool, error) {
	row := s.conn.QueryRow(
		"SELECT id, uuid, created_at, updated_at FROM filesystem WHERE uuid = ?", uuid,
	)
	fs := &FilesystemRow{}
	if err := row.Scan(&fs.ID, &fs.UUID, &fs.CreatedAt, &fs.UpdatedAt); err == nil {
		return fs, false, nil
	} else if err != sql.ErrNoRows {
		return nil, false, err
	}

	result, err := s.conn.Exec("INSERT INTO filesystem (uuid) VALUES (?)", uuid)
	if err != nil {
		return nil, false, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, err
	}

	row = s.conn.QueryRow(
		"SELECT id, uuid, created_at, updated_at FROM filesystem WHERE id = ?", id,
	)
	fs = &FilesystemRow{}
	if err := row.Scan(&fs.ID, &fs.UUID, &fs.CreatedAt, &fs.UpdatedAt); err != nil {
		return nil, false, err
	}
	return fs, true, nil
}

// ListFilesystems returns every tracked filesystem, used by the
// "show" CLI command.
func (s *Store) ListFilesystems() ([]*FilesystemRow, error) {
	rows, err := s.conn.Query("SELECT id, uuid, created_at, updated_at FROM filesystem ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FilesystemRow
	for rows.Next() {
		fs := &FilesystemRow{}
		if err := rows.Scan(&fs.ID, &fs.UUID, &fs.CreatedAt, &fs.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}
