package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caseflowd/caseflow/internal/db"
	"github.com/caseflowd/caseflow/internal/models"
)

var (
	// ErrNotFound is returned when a case does not exist.
	ErrNotFound = errors.New("case not found")
	// ErrConflict is returned when a mutation targets a terminal case.
	ErrConflict = errors.New("case is terminal")
	// ErrNoFreeGPU is returned when no GPU slot is available for reservation.
	ErrNoFreeGPU = errors.New("no free GPU")
	// ErrBusy wraps a store contention failure that survived in-process retries.
	ErrBusy = errors.New("store busy")
)

const busyAttempts = 5

// Store is the single gate for all Conductor persistence. Every public
// operation runs as one transaction; WithTx lets the caller compose several
// mutations (and the outbound publish) into a single transaction.
type Store struct {
	db *db.DB
}

func New(database *db.DB) *Store {
	return &Store{db: database}
}

// Tx exposes the gateway operations bound to one open transaction.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, committing on success. Busy/locked
// failures are retried with capped exponential backoff; past that the error
// wraps ErrBusy so callers can nack-requeue the triggering event.
func (s *Store) WithTx(fn func(tx *Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < busyAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<attempt) * 10 * time.Millisecond)
		}

		err := s.runTx(fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrBusy, lastErr)
}

func (s *Store) runTx(fn func(tx *Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// AdmitCase inserts the case into the scanned ledger and creates a NEW case
// row atomically. Returns false when the case was already admitted.
func (s *Store) AdmitCase(caseID, correlationID string) (bool, error) {
	var inserted bool
	err := s.WithTx(func(tx *Tx) error {
		var err error
		inserted, err = tx.AdmitCase(caseID, correlationID)
		return err
	})
	return inserted, err
}

func (t *Tx) AdmitCase(caseID, correlationID string) (bool, error) {
	now := time.Now().UTC()

	res, err := t.tx.Exec("INSERT OR IGNORE INTO scanned_cases (case_id, discovered_at) VALUES (?, ?)", caseID, now)
	if err != nil {
		return false, fmt.Errorf("admitting case %s: %w", caseID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	_, err = t.tx.Exec(`
		INSERT INTO cases (case_id, status, progress, correlation_id, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)
	`, caseID, models.CaseStatusNew, correlationID, now, now)
	if err != nil {
		return false, fmt.Errorf("creating case %s: %w", caseID, err)
	}

	if err := t.appendHistory(caseID, models.CaseStatusNew, models.CaseStatusNew, nil, "case discovered"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) LoadCase(caseID string) (*models.Case, error) {
	var c *models.Case
	err := s.WithTx(func(tx *Tx) error {
		var err error
		c, err = tx.LoadCase(caseID)
		return err
	})
	return c, err
}

func (t *Tx) LoadCase(caseID string) (*models.Case, error) {
	row := t.tx.QueryRow(`
		SELECT case_id, status, current_step, resource_index, progress, correlation_id,
		       created_at, updated_at, terminal_at, error_kind, error_message, parked_step, parked_at
		FROM cases WHERE case_id = ?
	`, caseID)

	var c models.Case
	err := row.Scan(&c.ID, &c.Status, &c.CurrentStep, &c.ResourceIndex, &c.Progress, &c.CorrelationID,
		&c.CreatedAt, &c.UpdatedAt, &c.TerminalAt, &c.ErrorKind, &c.ErrorMessage, &c.ParkedStep, &c.ParkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loading case %s: %w", caseID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading case %s: %w", caseID, err)
	}
	return &c, nil
}

// AdvanceToStep moves the case into PROCESSING on the given step, recording
// the declared progress and the resource it runs on (nil clears the column).
func (s *Store) AdvanceToStep(caseID, step string, resource *int, progress int) error {
	return s.WithTx(func(tx *Tx) error {
		return tx.AdvanceToStep(caseID, step, resource, progress)
	})
}

func (t *Tx) AdvanceToStep(caseID, step string, resource *int, progress int) error {
	c, err := t.LoadCase(caseID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return fmt.Errorf("advancing case %s: %w", caseID, ErrConflict)
	}

	now := time.Now().UTC()
	_, err = t.tx.Exec(`
		UPDATE cases
		SET status = ?, current_step = ?, resource_index = ?, progress = ?,
		    parked_step = NULL, parked_at = NULL, updated_at = ?
		WHERE case_id = ?
	`, models.CaseStatusProcessing, step, resource, progress, now, caseID)
	if err != nil {
		return fmt.Errorf("advancing case %s: %w", caseID, err)
	}

	return t.appendHistory(caseID, c.Status, models.CaseStatusProcessing, &step, "dispatching step "+step)
}

// ParkForResource moves the case into PENDING_RESOURCE, remembering the step
// it is blocked on. A case parked again keeps its original park timestamp so
// the FIFO wake order stays stable across failed wakes.
func (s *Store) ParkForResource(caseID, intendedStep string) error {
	return s.WithTx(func(tx *Tx) error {
		return tx.ParkForResource(caseID, intendedStep)
	})
}

func (t *Tx) ParkForResource(caseID, intendedStep string) error {
	c, err := t.LoadCase(caseID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return fmt.Errorf("parking case %s: %w", caseID, ErrConflict)
	}
	if c.ResourceIndex != nil {
		return fmt.Errorf("parking case %s: case still holds GPU %d", caseID, *c.ResourceIndex)
	}

	now := time.Now().UTC()
	_, err = t.tx.Exec(`
		UPDATE cases
		SET status = ?, parked_step = ?, parked_at = COALESCE(parked_at, ?), updated_at = ?
		WHERE case_id = ?
	`, models.CaseStatusPendingResource, intendedStep, now, now, caseID)
	if err != nil {
		return fmt.Errorf("parking case %s: %w", caseID, err)
	}

	return t.appendHistory(caseID, c.Status, models.CaseStatusPendingResource, &intendedStep, "no GPU available")
}

// MarkCompleted records the terminal COMPLETED state and frees any held GPU
// slot in the same transaction. Returns the released slot index, if any.
func (s *Store) MarkCompleted(caseID string) (*int, error) {
	var released *int
	err := s.WithTx(func(tx *Tx) error {
		var err error
		released, err = tx.MarkCompleted(caseID)
		return err
	})
	return released, err
}

func (t *Tx) MarkCompleted(caseID string) (*int, error) {
	return t.markTerminal(caseID, models.CaseStatusCompleted, nil, nil, "workflow completed")
}

// MarkFailed records the terminal FAILED state with the carried error fields
// and frees any held GPU slot. Returns the released slot index, if any.
func (s *Store) MarkFailed(caseID, errorKind, errorMessage string) (*int, error) {
	var released *int
	err := s.WithTx(func(tx *Tx) error {
		var err error
		released, err = tx.MarkFailed(caseID, errorKind, errorMessage)
		return err
	})
	return released, err
}

func (t *Tx) MarkFailed(caseID, errorKind, errorMessage string) (*int, error) {
	return t.markTerminal(caseID, models.CaseStatusFailed, &errorKind, &errorMessage, "workflow failed: "+errorMessage)
}

func (t *Tx) markTerminal(caseID string, status models.CaseStatus, errorKind, errorMessage *string, cause string) (*int, error) {
	c, err := t.LoadCase(caseID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("finishing case %s: %w", caseID, ErrConflict)
	}

	progress := 100
	if status == models.CaseStatusFailed {
		progress = c.Progress
	}

	now := time.Now().UTC()
	_, err = t.tx.Exec(`
		UPDATE cases
		SET status = ?, resource_index = NULL, progress = ?, terminal_at = ?,
		    error_kind = ?, error_message = ?, parked_step = NULL, parked_at = NULL, updated_at = ?
		WHERE case_id = ?
	`, status, progress, now, errorKind, errorMessage, now, caseID)
	if err != nil {
		return nil, fmt.Errorf("finishing case %s: %w", caseID, err)
	}

	if c.ResourceIndex != nil {
		if err := t.ReleaseGPU(*c.ResourceIndex); err != nil {
			return nil, err
		}
	}

	if err := t.appendHistory(caseID, c.Status, status, c.CurrentStep, cause); err != nil {
		return nil, err
	}
	return c.ResourceIndex, nil
}

// TryReserveGPU reserves the lowest-indexed FREE slot for the case, writing
// the reservation and the case's resource column in one transaction. If the
// case already holds a slot the same index is returned.
func (s *Store) TryReserveGPU(caseID string) (int, error) {
	var index int
	err := s.WithTx(func(tx *Tx) error {
		var err error
		index, err = tx.TryReserveGPU(caseID)
		return err
	})
	return index, err
}

func (t *Tx) TryReserveGPU(caseID string) (int, error) {
	c, err := t.LoadCase(caseID)
	if err != nil {
		return 0, err
	}
	if c.ResourceIndex != nil {
		return *c.ResourceIndex, nil
	}

	var index int
	err = t.tx.QueryRow(`
		SELECT gpu_index FROM gpu_resources WHERE state = ? ORDER BY gpu_index ASC LIMIT 1
	`, models.GPUStateFree).Scan(&index)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoFreeGPU
	}
	if err != nil {
		return 0, fmt.Errorf("finding free GPU: %w", err)
	}

	now := time.Now().UTC()
	_, err = t.tx.Exec(`
		UPDATE gpu_resources SET state = ?, owner_case_id = ?, updated_at = ? WHERE gpu_index = ?
	`, models.GPUStateReserved, caseID, now, index)
	if err != nil {
		return 0, fmt.Errorf("reserving GPU %d: %w", index, err)
	}

	_, err = t.tx.Exec("UPDATE cases SET resource_index = ?, updated_at = ? WHERE case_id = ?", index, now, caseID)
	if err != nil {
		return 0, fmt.Errorf("recording GPU %d on case %s: %w", index, caseID, err)
	}
	return index, nil
}

// ReleaseGPU flips the slot back to FREE. Releasing an already-free slot is a
// logged no-op.
func (s *Store) ReleaseGPU(index int) error {
	return s.WithTx(func(tx *Tx) error {
		return tx.ReleaseGPU(index)
	})
}

func (t *Tx) ReleaseGPU(index int) error {
	now := time.Now().UTC()
	res, err := t.tx.Exec(`
		UPDATE gpu_resources SET state = ?, owner_case_id = NULL, updated_at = ?
		WHERE gpu_index = ? AND state = ?
	`, models.GPUStateFree, now, index, models.GPUStateReserved)
	if err != nil {
		return fmt.Errorf("releasing GPU %d: %w", index, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		log.Printf("Store: release of GPU %d ignored, slot already FREE", index)
	}
	return nil
}

// ListParked returns pending cases in wake order: oldest park first, ties
// broken by case id.
func (s *Store) ListParked() ([]models.ParkedCase, error) {
	var parked []models.ParkedCase
	err := s.WithTx(func(tx *Tx) error {
		var err error
		parked, err = tx.ListParked()
		return err
	})
	return parked, err
}

func (t *Tx) ListParked() ([]models.ParkedCase, error) {
	rows, err := t.tx.Query(`
		SELECT case_id, parked_step, parked_at FROM cases
		WHERE status = ? AND parked_step IS NOT NULL
		ORDER BY parked_at ASC, case_id ASC
	`, models.CaseStatusPendingResource)
	if err != nil {
		return nil, fmt.Errorf("listing parked cases: %w", err)
	}
	defer rows.Close()

	var parked []models.ParkedCase
	for rows.Next() {
		var p models.ParkedCase
		if err := rows.Scan(&p.CaseID, &p.IntendedStep, &p.ParkedAt); err != nil {
			return nil, err
		}
		parked = append(parked, p)
	}
	return parked, rows.Err()
}

func (t *Tx) appendHistory(caseID string, from, to models.CaseStatus, step *string, cause string) error {
	_, err := t.tx.Exec(`
		INSERT INTO case_history (case_id, ts, from_status, to_status, step, cause)
		VALUES (?, ?, ?, ?, ?, ?)
	`, caseID, time.Now().UTC(), from, to, step, cause)
	if err != nil {
		return fmt.Errorf("appending history for %s: %w", caseID, err)
	}
	return nil
}
