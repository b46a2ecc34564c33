package allocator

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caseflowd/caseflow/internal/db"
	"github.com/caseflowd/caseflow/internal/store"
)

func newTestAllocator(t *testing.T) (*Allocator, *store.Store, *db.DB) {
	t.Helper()
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	dbPath := filepath.Join(t.TempDir(), "test_allocator.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Init(); err != nil {
		t.Fatal(err)
	}
	s := store.New(database)
	return New(s), s, database
}

func seedGPU(t *testing.T, database *db.DB, index int) {
	t.Helper()
	_, err := database.Exec(`
		INSERT INTO gpu_resources (gpu_index, gpu_id, state, utilization, memory_used, memory_total, temperature, updated_at)
		VALUES (?, ?, 'FREE', 0, 0, 24576, 0, ?)
	`, index, "GPU-"+string(rune('a'+index)), time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
}

func admit(t *testing.T, s *store.Store, caseID string) {
	t.Helper()
	if _, err := s.AdmitCase(caseID, "corr-"+caseID); err != nil {
		t.Fatal(err)
	}
}

func TestReserveLowestFreeOnCallerTx(t *testing.T) {
	a, s, database := newTestAllocator(t)
	seedGPU(t, database, 0)
	seedGPU(t, database, 1)
	admit(t, s, "C1")
	admit(t, s, "C2")

	err := s.WithTx(func(tx *store.Tx) error {
		index, err := a.Reserve(tx, "C1")
		if err != nil {
			return err
		}
		if index != 0 {
			t.Fatalf("want lowest free slot 0, got %d", index)
		}
		// Re-reserving inside the same transaction hands back the held slot.
		again, err := a.Reserve(tx, "C1")
		if err != nil {
			return err
		}
		if again != 0 {
			t.Fatalf("re-reserve must be idempotent, got %d", again)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTx(func(tx *store.Tx) error {
		index, err := a.Reserve(tx, "C2")
		if err != nil {
			return err
		}
		if index != 1 {
			t.Fatalf("want slot 1 for second case, got %d", index)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReservePassesThroughPoolExhaustion(t *testing.T) {
	a, s, database := newTestAllocator(t)
	seedGPU(t, database, 0)
	admit(t, s, "C1")
	admit(t, s, "C2")

	err := s.WithTx(func(tx *store.Tx) error {
		if _, err := a.Reserve(tx, "C1"); err != nil {
			return err
		}
		_, err := a.Reserve(tx, "C2")
		if !errors.Is(err, store.ErrNoFreeGPU) {
			t.Fatalf("want ErrNoFreeGPU, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReservationRollsBackWithCallerTx(t *testing.T) {
	a, s, database := newTestAllocator(t)
	seedGPU(t, database, 0)
	admit(t, s, "C1")
	admit(t, s, "C2")

	boom := errors.New("handler failed after reserve")
	err := s.WithTx(func(tx *store.Tx) error {
		if _, err := a.Reserve(tx, "C1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want handler error, got %v", err)
	}

	// The rolled-back reservation must leave the slot FREE for the next case.
	err = s.WithTx(func(tx *store.Tx) error {
		index, err := a.Reserve(tx, "C2")
		if err != nil {
			return err
		}
		if index != 0 {
			t.Fatalf("want slot 0 after rollback, got %d", index)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReleaseFreesSlotAndToleratesFree(t *testing.T) {
	a, s, database := newTestAllocator(t)
	seedGPU(t, database, 0)
	admit(t, s, "C1")
	admit(t, s, "C2")

	err := s.WithTx(func(tx *store.Tx) error {
		if _, err := a.Reserve(tx, "C1"); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTx(func(tx *store.Tx) error {
		if err := a.Release(tx, 0); err != nil {
			return err
		}
		// Double release is a no-op, not an error.
		return a.Release(tx, 0)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTx(func(tx *store.Tx) error {
		index, err := a.Reserve(tx, "C2")
		if err != nil {
			return err
		}
		if index != 0 {
			t.Fatalf("released slot not reusable, got %d", index)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNextParkedOldestFirst(t *testing.T) {
	a, s, _ := newTestAllocator(t)
	admit(t, s, "C1")
	admit(t, s, "C2")

	if _, ok, err := a.NextParked(); err != nil || ok {
		t.Fatalf("want empty pool, got ok=%v err=%v", ok, err)
	}

	err := s.WithTx(func(tx *store.Tx) error {
		if err := tx.ParkForResource("C1", "run_sim"); err != nil {
			return err
		}
		return tx.ParkForResource("C2", "run_sim")
	})
	if err != nil {
		t.Fatal(err)
	}

	parked, ok, err := a.NextParked()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || parked.CaseID != "C1" || parked.IntendedStep != "run_sim" {
		t.Fatalf("want oldest parked case C1, got ok=%v %+v", ok, parked)
	}
}
