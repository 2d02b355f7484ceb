package vm

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ---------------------------------------------------------------------------
// Profile persistence
// ---------------------------------------------------------------------------

// ProfileStore persists instruction profiles into a sqlite database so
// hot-opcode data accumulates across runs.
type ProfileStore struct {
	db *sql.DB
}

// OpenProfileStore opens (or creates) the profile database at path.
func OpenProfileStore(path string) (*ProfileStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("profile store: open %s: %w", path, err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS instruction_profile (
			opcode       TEXT PRIMARY KEY,
			encountered  INTEGER NOT NULL,
			avg_ns       INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("profile store: create schema: %w", err)
	}

	return &ProfileStore{db: db}, nil
}

// Close releases the database handle.
func (s *ProfileStore) Close() error {
	return s.db.Close()
}

// Merge folds a run's profile into the stored totals. Averages are
// combined weighted by encounter counts.
func (s *ProfileStore) Merge(profile *InstructionProfile) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("profile store: begin: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.Prepare(`
		INSERT INTO instruction_profile (opcode, encountered, avg_ns, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(opcode) DO UPDATE SET
			avg_ns = (instruction_profile.avg_ns * instruction_profile.encountered + excluded.avg_ns * excluded.encountered)
				/ (instruction_profile.encountered + excluded.encountered),
			encountered = instruction_profile.encountered + excluded.encountered,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("profile store: prepare: %w", err)
	}
	defer upsert.Close()

	now := time.Now().Unix()
	for op := 0; op < OpcodeCount; op++ {
		entry := profile.Entry(Opcode(op))
		if entry.Encountered == 0 {
			continue
		}
		if _, err := upsert.Exec(Opcode(op).Name(), entry.Encountered, int64(entry.AverageLength), now); err != nil {
			return fmt.Errorf("profile store: upsert %s: %w", Opcode(op).Name(), err)
		}
	}

	return tx.Commit()
}

// Encountered returns the stored encounter count for an opcode name.
func (s *ProfileStore) Encountered(opcode string) (uint64, error) {
	var count uint64
	err := s.db.QueryRow(
		`SELECT encountered FROM instruction_profile WHERE opcode = ?`, opcode).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("profile store: query %s: %w", opcode, err)
	}
	return count, nil
}
