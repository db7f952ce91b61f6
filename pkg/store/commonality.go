package store

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

// Commonality1 is one size value shared by >=2 inodes across a set of
// volumes, the coarsest narrowing stage bedup calls Commonality1.
type Commonality1 struct {
	Size    int64
	Members []InodeRef
}

// Commonality2 narrows a Commonality1 group by (size, mini_hash).
type Commonality2 struct {
	Size     int64
	MiniHash string
	Members  []InodeRef
}

// Commonality3 narrows a Commonality2 group by (size, mini_hash,
// fiemap_hash); at most one exists per Commonality2 group.
type Commonality3 struct {
	Size       int64
	MiniHash   string
	FiemapHash string
	Members    []InodeRef
}

// IterCommonalitySizes lazily yields Commonality1 groups across
// volIDs, ordered by size descending, the same traversal order as
// bedup's windowed_query(attr=Inode.size). The sequence stops as soon
// as the context is cancelled or a query fails; a yielded error ends
// iteration.
func (s *Store) IterCommonalitySizes(ctx context.Context, volIDs []int64) iter.Seq2[Commonality1, error] {
	return func(yield func(Commonality1, error) bool) {
		if len(volIDs) == 0 {
			return
		}

		windowStart := int64(1<<63 - 1)
		for {
			query, _ := commonality1Query(volIDs, windowStart)

			rows, err := s.conn.QueryContext(ctx, query, commonality1Args(volIDs, windowStart)...)
			if err != nil {
				yield(Commonality1{}, err)
				return
			}

			groups := map[int64][]InodeRef{}
			var order []int64
			gotRows := false
			for rows.Next() {
				var size int64
				var ref InodeRef
				if err := rows.Scan(&size, &ref.VolID, &ref.Ino); err != nil {
					rows.Close()
					yield(Commonality1{}, err)
					return
				}
				if _, ok := groups[size]; !ok {
					order = append(order, size)
				}
				groups[size] = append(groups[size], ref)
				gotRows = true
			}
			closeErr := rows.Close()
			if err := rows.Err(); err != nil {
				yield(Commonality1{}, err)
				return
			}
			if closeErr != nil {
				yield(Commonality1{}, closeErr)
				return
			}
			if !gotRows {
				return
			}

			for _, size := range order {
				if !yield(Commonality1{Size: size, Members: groups[size]}, nil) {
					return
				}
				windowStart = size
			}
		}
	}
}

func commonality1Query(volIDs []int64, windowStart int64) (string, []any) {
	placeholders := strings.Repeat("?, ", len(volIDs))
	placeholders = strings.TrimSuffix(placeholders, ", ")
	query := fmt.Sprintf(`
		SELECT size, vol_id, ino
		FROM inode
		WHERE vol_id IN (%s) AND size IN (
			SELECT size FROM inode WHERE vol_id IN (%s) AND size < ?
			GROUP BY size HAVING COUNT(*) >= 2
			ORDER BY size DESC
			LIMIT 1000
		)
		ORDER BY size DESC, vol_id, ino`, placeholders, placeholders)
	return query, nil
}

func commonality1Args(volIDs []int64, windowStart int64) []any {
	args := make([]any, 0, len(volIDs)*2+1)
	for _, id := range volIDs {
		args = append(args, id)
	}
	for _, id := range volIDs {
		args = append(args, id)
	}
	args = append(args, windowStart)
	return args
}

// RefineCommonality2 narrows a Commonality1 group by mini_hash,
// returning only sub-groups with >=2 members (a singleton mini_hash
// means the size collision was coincidental).
func (s *Store) RefineCommonality2(c1 Commonality1) ([]Commonality2, error) {
	query, args := inClause(`
		SELECT mini_hash, vol_id, ino
		FROM inode
		WHERE size = ? AND vol_id IN (%s) AND mini_hash IS NOT NULL
		ORDER BY mini_hash`, volIDsOf(c1.Members))
	args = append([]any{c1.Size}, args...)

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := map[string][]InodeRef{}
	var order []string
	for rows.Next() {
		var hash string
		var ref InodeRef
		if err := rows.Scan(&hash, &ref.VolID, &ref.Ino); err != nil {
			return nil, err
		}
		if _, ok := groups[hash]; !ok {
			order = append(order, hash)
		}
		groups[hash] = append(groups[hash], ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Commonality2
	for _, hash := range order {
		members := groups[hash]
		if len(members) < 2 {
			continue
		}
		out = append(out, Commonality2{Size: c1.Size, MiniHash: hash, Members: members})
	}
	return out, nil
}

// RefineCommonality3 narrows a Commonality2 group by fiemap_hash. The
// contract guarantees at most one qualifying group survives, since
// fiemap_hash is the final narrowing stage before full-hash
// verification; nil is returned when no sub-group has >=2 members.
func (s *Store) RefineCommonality3(c2 Commonality2) (*Commonality3, error) {
	query, args := inClause(`
		SELECT fiemap_hash, vol_id, ino
		FROM inode
		WHERE size = ? AND mini_hash = ? AND vol_id IN (%s) AND fiemap_hash IS NOT NULL
		ORDER BY fiemap_hash`, volIDsOf(c2.Members))
	args = append([]any{c2.Size, c2.MiniHash}, args...)

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := map[string][]InodeRef{}
	var order []string
	for rows.Next() {
		var hash string
		var ref InodeRef
		if err := rows.Scan(&hash, &ref.VolID, &ref.Ino); err != nil {
			return nil, err
		}
		if _, ok := groups[hash]; !ok {
			order = append(order, hash)
		}
		groups[hash] = append(groups[hash], ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, hash := range order {
		members := groups[hash]
		if len(members) >= 2 {
			return &Commonality3{Size: c2.Size, MiniHash: c2.MiniHash, FiemapHash: hash, Members: members}, nil
		}
	}
	return nil, nil
}

func volIDsOf(refs []InodeRef) []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, r := range refs {
		if !seen[r.VolID] {
			seen[r.VolID] = true
			out = append(out, r.VolID)
		}
	}
	return out
}
