package state

import (
	"database/sql"
	"sort"
	"time"

	"github.com/sahilm/fuzzy"
	_ "modernc.org/sqlite"

	"github.com/JeromySt/foreman/internal/core"
)

// Compile-time interface conformance check.
var _ core.JobIndex = (*SQLiteIndex)(nil)

// SQLiteIndex is the global reverse index over all plans' jobs. It is
// derived data: rebuildable from the plan store, kept in step with every
// state save, and used for jobId-only addressing (legacy command forms).
type SQLiteIndex struct {
	db *sql.DB
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	plan_id     TEXT NOT NULL,
	node_id     TEXT NOT NULL,
	producer_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (plan_id, node_id)
);
CREATE INDEX IF NOT EXISTS idx_jobs_producer ON jobs(producer_id);
`

// OpenIndex opens (creating if needed) the sqlite job index at path.
func OpenIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.ErrIO("INDEX_OPEN", "opening job index").WithCause(err)
	}
	// The index has a single writer (the runner); one connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(indexSchema); err != nil {
		_ = db.Close()
		return nil, core.ErrIO("INDEX_SCHEMA", "creating job index schema").WithCause(err)
	}
	return &SQLiteIndex{db: db}, nil
}

// Close closes the index.
func (x *SQLiteIndex) Close() error {
	return x.db.Close()
}

// UpsertPlan replaces the index rows for a plan with its current nodes.
func (x *SQLiteIndex) UpsertPlan(plan *core.Plan) error {
	tx, err := x.db.Begin()
	if err != nil {
		return core.ErrIO("INDEX_TX", "starting index transaction").WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM jobs WHERE plan_id = ?`, string(plan.ID)); err != nil {
		return core.ErrIO("INDEX_WRITE", "clearing plan rows").WithCause(err)
	}
	now := time.Now().UTC()
	for _, id := range plan.NodeOrder {
		node := plan.Nodes[id]
		st := plan.State(id)
		if _, err := tx.Exec(
			`INSERT INTO jobs (plan_id, node_id, producer_id, status, updated_at) VALUES (?, ?, ?, ?, ?)`,
			string(plan.ID), string(node.ID), string(node.ProducerID), string(st.Status), now,
		); err != nil {
			return core.ErrIO("INDEX_WRITE", "inserting job row").WithCause(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return core.ErrIO("INDEX_TX", "committing index transaction").WithCause(err)
	}
	return nil
}

// RemovePlan drops a plan's rows.
func (x *SQLiteIndex) RemovePlan(id core.PlanID) error {
	if _, err := x.db.Exec(`DELETE FROM jobs WHERE plan_id = ?`, string(id)); err != nil {
		return core.ErrIO("INDEX_WRITE", "removing plan rows").WithCause(err)
	}
	return nil
}

// Find resolves a producer id or node uuid to its plan. Ambiguous producer
// ids (present in several plans) resolve to the most recently updated row.
func (x *SQLiteIndex) Find(ref string) (core.PlanID, core.NodeID, error) {
	row := x.db.QueryRow(
		`SELECT plan_id, node_id FROM jobs
		 WHERE node_id = ? OR producer_id = ?
		 ORDER BY updated_at DESC LIMIT 1`, ref, ref)
	var planID, nodeID string
	if err := row.Scan(&planID, &nodeID); err != nil {
		if err == sql.ErrNoRows {
			return "", "", core.ErrNotFound("job", ref)
		}
		return "", "", core.ErrIO("INDEX_READ", "querying job index").WithCause(err)
	}
	return core.PlanID(planID), core.NodeID(nodeID), nil
}

// Search returns fuzzy matches on producer ids, best first.
func (x *SQLiteIndex) Search(query string, limit int) ([]core.JobIndexEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := x.db.Query(`SELECT plan_id, node_id, producer_id, status, updated_at FROM jobs`)
	if err != nil {
		return nil, core.ErrIO("INDEX_READ", "querying job index").WithCause(err)
	}
	defer rows.Close()

	var entries []core.JobIndexEntry
	var producers []string
	for rows.Next() {
		var e core.JobIndexEntry
		var planID, nodeID, producerID, status string
		if err := rows.Scan(&planID, &nodeID, &producerID, &status, &e.UpdatedAt); err != nil {
			return nil, core.ErrIO("INDEX_READ", "scanning job row").WithCause(err)
		}
		e.PlanID = core.PlanID(planID)
		e.NodeID = core.NodeID(nodeID)
		e.ProducerID = core.ProducerID(producerID)
		e.Status = core.NodeStatus(status)
		entries = append(entries, e)
		producers = append(producers, producerID)
	}
	if err := rows.Err(); err != nil {
		return nil, core.ErrIO("INDEX_READ", "iterating job rows").WithCause(err)
	}

	matches := fuzzy.Find(query, producers)
	sort.Stable(matches)
	out := make([]core.JobIndexEntry, 0, limit)
	for _, m := range matches {
		out = append(out, entries[m.Index])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
