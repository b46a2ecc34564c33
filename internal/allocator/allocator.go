// Package allocator mediates the GPU pool for the workflow manager.
// Reservation is on demand; after a release, NextParked reports the
// oldest parked case so the manager can wake it.
package allocator

import (
	"errors"
	"fmt"
	"log"

	"github.com/caseflowd/caseflow/internal/models"
	"github.com/caseflowd/caseflow/internal/store"
)

// Allocator owns pool policy: lowest free slot first, one slot per case,
// oldest parked case woken first. Reserve and Release run on the caller's
// open transaction so a reservation commits or rolls back together with
// the case mutation that needed it.
type Allocator struct {
	store *store.Store
}

func New(s *store.Store) *Allocator {
	return &Allocator{store: s}
}

// Reserve grabs the lowest free slot for the case on the open
// transaction. Idempotent for a case that already holds one. Returns
// store.ErrNoFreeGPU untouched when the pool is dry so the caller can
// park the case.
func (a *Allocator) Reserve(tx *store.Tx, caseID string) (int, error) {
	index, err := tx.TryReserveGPU(caseID)
	if err != nil {
		if errors.Is(err, store.ErrNoFreeGPU) {
			return 0, err
		}
		return 0, fmt.Errorf("reserving GPU for %s: %w", caseID, err)
	}
	log.Printf("Allocator: GPU %d reserved for case %s", index, caseID)
	return index, nil
}

// Release frees a slot on the open transaction. Releasing an already-free
// slot is not an error; the store logs and moves on.
func (a *Allocator) Release(tx *store.Tx, index int) error {
	if err := tx.ReleaseGPU(index); err != nil {
		return fmt.Errorf("releasing GPU %d: %w", index, err)
	}
	log.Printf("Allocator: GPU %d released", index)
	return nil
}

// NextParked returns the case that has waited longest for a slot, or
// ok=false when nothing is parked.
func (a *Allocator) NextParked() (models.ParkedCase, bool, error) {
	parked, err := a.store.ListParked()
	if err != nil {
		return models.ParkedCase{}, false, fmt.Errorf("listing parked cases: %w", err)
	}
	if len(parked) == 0 {
		return models.ParkedCase{}, false, nil
	}
	return parked[0], true, nil
}
