package store

import (
	"context"
	"fmt"
	"os"
)

// Stats counts the rows of a store.
type Stats struct {
	SchemaVersion int `json:"schema_version"`
	Scopes        int `json:"scopes"`
	Experiments   int `json:"experiments"`
	Designs       int `json:"designs"`
	Sources       int `json:"sources"`
	Runs          int `json:"runs"`
	Values        int `json:"values"`
}

// Stats returns row counts for the whole store.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	v, err := readSchemaVersion(ctx, s.db)
	if err != nil {
		return st, err
	}
	st.SchemaVersion = v

	counts := []struct {
		table string
		dst   *int
	}{
		{"scopes", &st.Scopes},
		{"experiments", &st.Experiments},
		{"designs", &st.Designs},
		{"sources", &st.Sources},
		{"runs", &st.Runs},
		{"measures", &st.Values},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dst); err != nil {
			return st, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}
	return st, nil
}

// Snapshot writes a consistent copy of the store to dest, which must not
// exist. The copy is compacted and carries no WAL.
func (s *Store) Snapshot(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot destination %s already exists", dest)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("failed to snapshot store: %w", err)
	}
	s.log.Debug("wrote snapshot", "dest", dest)
	return nil
}
