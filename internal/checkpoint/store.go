// Package checkpoint implements self-describing, write-once history
// snapshots backed by sqlite, grounded on the teacher's internal/daemon/db
// package: db.go's Open() (modernc.org/sqlite, WAL mode, migrate()-driven
// schema) and units.go's prepared-statement CRUD style, adapted from
// per-unit rows to one row per named history snapshot.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hpcflow/ensemble/internal/history"
)

// Store persists named history snapshots. A name is write-once: Save on
// an existing name is rejected, matching §6's "existence-check prevents
// rewrite" for snapshot files.
type Store struct {
	conn *sql.DB
}

// Open creates or opens a sqlite database at path, enabling WAL mode and
// running migrations, mirroring the teacher's db.Open().
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("checkpoint: enable WAL mode: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS snapshots (
	name         TEXT PRIMARY KEY,
	created_at   DATETIME NOT NULL,
	h_ind        INTEGER NOT NULL,
	h0_count     INTEGER NOT NULL,
	specs_json   TEXT NOT NULL,
	rows_json    TEXT NOT NULL
);
`
	_, err := s.conn.Exec(schema)
	return err
}

// Exists reports whether name has already been written, satisfying
// manager.Checkpointer.
func (s *Store) Exists(name string) (bool, error) {
	var n int
	err := s.conn.QueryRow(`SELECT 1 FROM snapshots WHERE name = ?`, name).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checkpoint: check existence of %q: %w", name, err)
	}
	return true, nil
}

// row is the self-describing, columnar per-row record a snapshot stores:
// every user-declared field plus the reserved bookkeeping columns,
// keyed by name so the file remains readable without the original Specs.
// GivenTime is null while the row has not been given (given_time = +Inf
// in the history), since JSON has no infinity.
type row struct {
	SimID     int            `json:"sim_id"`
	Given     bool           `json:"given"`
	GivenTime *float64       `json:"given_time"`
	Returned  bool           `json:"returned"`
	SimWorker int            `json:"sim_worker"`
	GenWorker int            `json:"gen_worker"`
	Fields    map[string]any `json:"fields"`
}

// Save persists h's filled rows (indices [0, H_ind)) under name. It fails
// if name already exists — callers (the manager's checkpoint step) are
// expected to call Exists first, but Save enforces it independently via
// the primary key so a race still fails safely rather than silently
// overwriting an existing snapshot.
func (s *Store) Save(name string, h *history.History) error {
	specsJSON, err := json.Marshal(h.Specs())
	if err != nil {
		return fmt.Errorf("checkpoint: marshal specs: %w", err)
	}

	fieldNames := h.FieldNames()
	hInd := h.HInd()
	rows := make([]row, hInd)
	for i := 0; i < hInd; i++ {
		fields := make(map[string]any, len(fieldNames))
		for _, name := range fieldNames {
			v, err := h.Field(name, i)
			if err != nil {
				return fmt.Errorf("checkpoint: read field %q at row %d: %w", name, i, err)
			}
			fields[name] = v
		}
		var givenTime *float64
		if gt := h.GivenTime(i); !math.IsInf(gt, 0) {
			givenTime = &gt
		}
		rows[i] = row{
			SimID:     h.SimID(i),
			Given:     h.Given(i),
			GivenTime: givenTime,
			Returned:  h.Returned(i),
			SimWorker: h.SimWorker(i),
			GenWorker: h.GenWorker(i),
			Fields:    fields,
		}
	}

	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal rows: %w", err)
	}

	_, err = s.conn.Exec(
		`INSERT INTO snapshots (name, created_at, h_ind, h0_count, specs_json, rows_json) VALUES (?, ?, ?, ?, ?, ?)`,
		name, time.Now(), hInd, h.H0Count(), string(specsJSON), string(rowsJSON),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: save snapshot %q: %w", name, err)
	}
	return nil
}

// Snapshot is a decoded, read-only view of a persisted snapshot, returned
// by Load for diagnostics and the CLI's status display.
type Snapshot struct {
	Name      string
	CreatedAt time.Time
	HInd      int
	H0Count   int
	Specs     history.Specs
}

// Load reads back a snapshot's metadata (not its row data, which is only
// needed for a full restore, out of scope for status display).
func (s *Store) Load(name string) (Snapshot, error) {
	var snap Snapshot
	var specsJSON string
	err := s.conn.QueryRow(
		`SELECT name, created_at, h_ind, h0_count, specs_json FROM snapshots WHERE name = ?`, name,
	).Scan(&snap.Name, &snap.CreatedAt, &snap.HInd, &snap.H0Count, &specsJSON)
	if err == sql.ErrNoRows {
		return Snapshot{}, fmt.Errorf("checkpoint: snapshot %q not found", name)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: load snapshot %q: %w", name, err)
	}
	if err := json.Unmarshal([]byte(specsJSON), &snap.Specs); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: decode specs for %q: %w", name, err)
	}
	return snap, nil
}

// List returns every persisted snapshot name, most recent first.
func (s *Store) List() ([]string, error) {
	rows, err := s.conn.Query(`SELECT name FROM snapshots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list snapshots: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
