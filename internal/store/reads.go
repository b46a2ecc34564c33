package store

import (
	"database/sql"
	"fmt"

	"github.com/caseflowd/caseflow/internal/models"
)

// Read-side queries used by the dashboard and the curator. These run
// outside WithTx but share the process's single database connection, so in
// the conductor process they wait for an open manager transaction; WAL mode
// lets other processes read while the manager writes.

func (s *Store) ListCases() ([]models.Case, error) {
	rows, err := s.db.Query(`
		SELECT case_id, status, current_step, resource_index, progress,
		       correlation_id, created_at, updated_at, terminal_at,
		       error_kind, error_message, parked_step, parked_at
		FROM cases ORDER BY created_at DESC, case_id`)
	if err != nil {
		return nil, fmt.Errorf("listing cases: %w", err)
	}
	defer rows.Close()

	var cases []models.Case
	for rows.Next() {
		var c models.Case
		if err := rows.Scan(&c.ID, &c.Status, &c.CurrentStep, &c.ResourceIndex,
			&c.Progress, &c.CorrelationID, &c.CreatedAt, &c.UpdatedAt,
			&c.TerminalAt, &c.ErrorKind, &c.ErrorMessage,
			&c.ParkedStep, &c.ParkedAt); err != nil {
			return nil, fmt.Errorf("scanning case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

func (s *Store) CaseHistory(caseID string) ([]models.HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, case_id, ts, from_status, to_status, step, cause
		FROM case_history WHERE case_id = ? ORDER BY id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", caseID, err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.ID, &e.CaseID, &e.At, &e.FromStatus,
			&e.ToStatus, &e.Step, &e.Cause); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ListGPUs() ([]models.GPU, error) {
	rows, err := s.db.Query(`
		SELECT gpu_index, gpu_id, state, owner_case_id, utilization,
		       memory_used, memory_total, temperature, updated_at
		FROM gpu_resources ORDER BY gpu_index`)
	if err != nil {
		return nil, fmt.Errorf("listing GPUs: %w", err)
	}
	defer rows.Close()

	var gpus []models.GPU
	for rows.Next() {
		var g models.GPU
		if err := rows.Scan(&g.Index, &g.ID, &g.State, &g.OwnerCaseID,
			&g.Utilization, &g.MemoryUsed, &g.MemoryTotal,
			&g.Temperature, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning GPU: %w", err)
		}
		gpus = append(gpus, g)
	}
	return gpus, rows.Err()
}

// UpsertGPUMetrics is the curator's write path. A GPU never seen before is
// seeded as FREE; an existing row keeps its state and owner and only the
// metric columns move.
func (s *Store) UpsertGPUMetrics(g models.GPU) error {
	res, err := s.db.Exec(`
		UPDATE gpu_resources
		SET utilization = ?, memory_used = ?, memory_total = ?,
		    temperature = ?, updated_at = ?
		WHERE gpu_index = ?`,
		g.Utilization, g.MemoryUsed, g.MemoryTotal,
		g.Temperature, g.UpdatedAt, g.Index)
	if err != nil {
		return fmt.Errorf("updating GPU %d metrics: %w", g.Index, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = s.db.Exec(`
			INSERT INTO gpu_resources
				(gpu_index, gpu_id, state, owner_case_id, utilization,
				 memory_used, memory_total, temperature, updated_at)
			VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?)`,
			g.Index, g.ID, models.GPUStateFree, g.Utilization,
			g.MemoryUsed, g.MemoryTotal, g.Temperature, g.UpdatedAt)
		if err != nil {
			return fmt.Errorf("seeding GPU %d: %w", g.Index, err)
		}
	}
	return nil
}

// CountByStatus returns how many cases sit in the given status.
func (s *Store) CountByStatus(status models.CaseStatus) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM cases WHERE status = ?`, status).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("counting %s cases: %w", status, err)
	}
	return n, nil
}
