package store

import (
	"context"
	"os"
)

// Stats holds store statistics.
type Stats struct {
	DBPath      string      `json:"db_path,omitempty"`
	DBSizeBytes int64       `json:"db_size_bytes,omitempty"`
	Entries     int64       `json:"entries"`
	Tapes       []TapeStats `json:"tapes"`
}

// TapeStats holds per-tape counts.
type TapeStats struct {
	Tape    string         `json:"tape"`
	Entries int64          `json:"entries"`
	Anchors int            `json:"anchors"`
	Kinds   map[string]int `json:"kinds"`
}

// CollectStats walks every tape of the store. dbPath may be empty for
// backends without a local file.
func CollectStats(ctx context.Context, s Store, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath, Tapes: []TapeStats{}}
	if dbPath != "" {
		if info, err := os.Stat(dbPath); err == nil {
			st.DBSizeBytes = info.Size()
		}
	}

	names, err := s.Tapes(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		entries, err := ExportAll(ctx, s, name)
		if err != nil {
			return st, err
		}
		ts := TapeStats{Tape: name, Entries: int64(len(entries)), Kinds: map[string]int{}}
		for _, e := range entries {
			ts.Kinds[string(e.Kind)]++
		}
		ts.Anchors = ts.Kinds["anchor"]
		st.Entries += ts.Entries
		st.Tapes = append(st.Tapes, ts)
	}
	return st, nil
}
