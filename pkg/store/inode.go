package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// InodeRef identifies one inode by its owning volume and inode number.
type InodeRef struct {
	VolID int64
	Ino   uint64
}

// UpsertInode records or updates an inode discovered by the Scanner,
// setting has_updates=true and clearing any cached fingerprints from a
// prior pass since its content may have changed.
func (s *Store) UpsertInode(volID int64, ino uint64, size int64) error {
	_, err := s.conn.Exec(`
		INSERT INTO inode (vol_id, ino, size, has_updates, mini_hash, fiemap_hash)
		VALUES (?, ?, ?, 1, NULL, NULL)
		ON CONFLICT(vol_id, ino) DO UPDATE SET
			size = excluded.size,
			has_updates = 1,
			mini_hash = NULL,
			fiemap_hash = NULL`,
		volID, ino, size)
	return err
}

// DeleteInode removes an inode row, used when path lookup returns "no
// such inode" or the file no longer qualifies (shrunk below cutoff,
// no longer regular).
func (s *Store) DeleteInode(volID int64, ino uint64) error {
	_, err := s.conn.Exec("DELETE FROM inode WHERE vol_id = ? AND ino = ?", volID, ino)
	return err
}

// ClearMiniHash invalidates a cached mini-hash, forcing recomputation
// on the next grouping pass.
func (s *Store) ClearMiniHash(volID int64, ino uint64) error {
	_, err := s.conn.Exec("UPDATE inode SET mini_hash = NULL WHERE vol_id = ? AND ino = ?", volID, ino)
	return err
}

// ClearFiemapHash invalidates a cached fiemap-hash.
func (s *Store) ClearFiemapHash(volID int64, ino uint64) error {
	_, err := s.conn.Exec("UPDATE inode SET fiemap_hash = NULL WHERE vol_id = ? AND ino = ?", volID, ino)
	return err
}

// SetMiniHash records a computed mini-hash for an inode.
func (s *Store) SetMiniHash(volID int64, ino uint64, hash string) error {
	_, err := s.conn.Exec("UPDATE inode SET mini_hash = ? WHERE vol_id = ? AND ino = ?", hash, volID, ino)
	return err
}

// SetFiemapHash records a computed fiemap-hash for an inode.
func (s *Store) SetFiemapHash(volID int64, ino uint64, hash string) error {
	_, err := s.conn.Exec("UPDATE inode SET fiemap_hash = ? WHERE vol_id = ? AND ino = ?", hash, volID, ino)
	return err
}

// GetMiniHash returns an inode's cached mini-hash, if any.
func (s *Store) GetMiniHash(ref InodeRef) (string, bool, error) {
	var hash sql.NullString
	row := s.conn.QueryRow("SELECT mini_hash FROM inode WHERE vol_id = ? AND ino = ?", ref.VolID, ref.Ino)
	if err := row.Scan(&hash); err != nil {
		return "", false, err
	}
	return hash.String, hash.Valid, nil
}

// GetFiemapHash returns an inode's cached fiemap-hash, if any.
func (s *Store) GetFiemapHash(ref InodeRef) (string, bool, error) {
	var hash sql.NullString
	row := s.conn.QueryRow("SELECT fiemap_hash FROM inode WHERE vol_id = ? AND ino = ?", ref.VolID, ref.Ino)
	if err := row.Scan(&hash); err != nil {
		return "", false, err
	}
	return hash.String, hash.Valid, nil
}

// SetHasUpdates restores or clears the pending-dedup flag for one
// inode directly, used by the Grouper to re-mark inodes the Deduper
// reports as skipped after a window's ClearUpdates call already
// cleared them.
func (s *Store) SetHasUpdates(ref InodeRef, val bool) error {
	v := 0
	if val {
		v = 1
	}
	_, err := s.conn.Exec("UPDATE inode SET has_updates = ? WHERE vol_id = ? AND ino = ?", v, ref.VolID, ref.Ino)
	return err
}

// MaxInodeSize returns the largest Inode.size across volIDs, the
// initial window's size_high: the window must start above the maximum
// tracked size, not merely the first Commonality1's size, so
// singleton-size inodes still have their update flag cleared.
func (s *Store) MaxInodeSize(volIDs []int64) (int64, error) {
	if len(volIDs) == 0 {
		return 0, nil
	}
	query, args := inClause("SELECT COALESCE(MAX(size), 0) FROM inode WHERE vol_id IN (%s)", volIDs)
	var max sql.NullInt64
	if err := s.conn.QueryRow(query, args...).Scan(&max); err != nil {
		return 0, err
	}
	return scanNullInt64(max), nil
}

// ClearUpdates sets has_updates=false for inodes in [sizeLow, sizeHigh]
// across the given volumes, called between windows once a size band
// has been fully narrowed and either deduped or found to have no
// remaining commonality.
func (s *Store) ClearUpdates(volIDs []int64, sizeLow, sizeHigh int64) error {
	if len(volIDs) == 0 {
		return nil
	}
	query, args := inClause(
		"UPDATE inode SET has_updates = 0 WHERE size >= ? AND size <= ? AND vol_id IN (%s)",
		volIDs,
	)
	args = append([]any{sizeLow, sizeHigh}, args...)
	_, err := s.conn.Exec(query, args...)
	return err
}

func inClause(template string, volIDs []int64) (string, []any) {
	placeholders := make([]string, len(volIDs))
	args := make([]any, len(volIDs))
	for i, id := range volIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	return fmt.Sprintf(template, strings.Join(placeholders, ", ")), args
}

func scanNullInt64(v sql.NullInt64) int64 {
	if !v.Valid {
		return 0
	}
	return v.Int64
}
