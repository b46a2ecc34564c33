package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/caseflowd/caseflow/internal/allocator"
	"github.com/caseflowd/caseflow/internal/broker"
	"github.com/caseflowd/caseflow/internal/metrics"
	"github.com/caseflowd/caseflow/internal/models"
	"github.com/caseflowd/caseflow/internal/store"
	"github.com/caseflowd/caseflow/internal/workflow"
)

// Manager owns the per-case state machine. Every handler performs one
// store transaction covering all mutations for the event, publishes the
// outbound command from inside that transaction, and only then reports an
// ack decision. A publish failure rolls the transaction back so the event
// can be redelivered.
type Manager struct {
	store      *store.Store
	alloc      *allocator.Allocator
	wf         *workflow.Definition
	dispatcher *Dispatcher
}

func NewManager(s *store.Store, a *allocator.Allocator, wf *workflow.Definition, d *Dispatcher) *Manager {
	return &Manager{store: s, alloc: a, wf: wf, dispatcher: d}
}

func (m *Manager) HandleNewCase(ctx context.Context, env *broker.Envelope) (Decision, error) {
	var p NewCasePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.CaseID == "" {
		return DecisionDeadLetter, fmt.Errorf("bad %s payload: %v", env.Command, err)
	}

	err := m.store.WithTx(func(tx *store.Tx) error {
		inserted, err := tx.AdmitCase(p.CaseID, env.CorrelationID)
		if err != nil {
			return err
		}
		if !inserted {
			c, err := tx.LoadCase(p.CaseID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					log.Printf("Manager: case %s already scanned but absent, dropping (correlation_id=%s)",
						p.CaseID, env.CorrelationID)
					return nil
				}
				return err
			}
			if c.Status != models.CaseStatusNew {
				log.Printf("Manager: duplicate new_case_found for %s in %s, dropping (correlation_id=%s)",
					p.CaseID, c.Status, env.CorrelationID)
				return nil
			}
			// NEW after a crash before dispatch: fall through and redispatch.
		}

		first, ok := m.wf.FirstStep()
		if !ok {
			log.Printf("Manager: workflow has no steps, failing case %s (correlation_id=%s)",
				p.CaseID, env.CorrelationID)
			_, err := tx.MarkFailed(p.CaseID, models.ErrorKindConfiguration, "workflow has no steps")
			if err == nil {
				metrics.CasesFailed.Inc()
			}
			return err
		}
		return m.enterStep(ctx, tx, p.CaseID, env.CorrelationID, first, nil)
	})
	m.refreshParkedGauge()
	return m.decide(env, err)
}

func (m *Manager) HandleSuccess(ctx context.Context, env *broker.Envelope) (Decision, error) {
	var p SuccessPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.CaseID == "" {
		return DecisionDeadLetter, fmt.Errorf("bad %s payload: %v", env.Command, err)
	}

	var released *int
	err := m.store.WithTx(func(tx *store.Tx) error {
		released = nil
		c, err := tx.LoadCase(p.CaseID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Printf("Manager: %s for unknown case %s, dropping (correlation_id=%s)",
					env.Command, p.CaseID, env.CorrelationID)
				return nil
			}
			return err
		}
		if c.Status != models.CaseStatusProcessing || c.CurrentStep == nil {
			log.Printf("Manager: stale %s for case %s in %s, dropping (correlation_id=%s)",
				env.Command, p.CaseID, c.Status, env.CorrelationID)
			return nil
		}

		next, ok, err := m.wf.NextStep(*c.CurrentStep)
		if err != nil {
			return err
		}
		if !ok {
			released, err = tx.MarkCompleted(p.CaseID)
			if err == nil {
				metrics.CasesCompleted.Inc()
				log.Printf("Manager: case %s completed (correlation_id=%s)", p.CaseID, c.CorrelationID)
			}
			return err
		}

		if !next.Type.NeedsGPU() && c.ResourceIndex != nil {
			idx := *c.ResourceIndex
			if err := m.alloc.Release(tx, idx); err != nil {
				return err
			}
			released = &idx
			c.ResourceIndex = nil
		}
		return m.enterStep(ctx, tx, p.CaseID, c.CorrelationID, next, c.ResourceIndex)
	})
	m.refreshParkedGauge()
	if err == nil && released != nil {
		m.wakeNext(ctx)
	}
	return m.decide(env, err)
}

func (m *Manager) HandleFailure(ctx context.Context, env *broker.Envelope) (Decision, error) {
	var p FailurePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.CaseID == "" {
		return DecisionDeadLetter, fmt.Errorf("bad %s payload: %v", env.Command, err)
	}

	var released *int
	err := m.store.WithTx(func(tx *store.Tx) error {
		released = nil
		c, err := tx.LoadCase(p.CaseID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Printf("Manager: %s for unknown case %s, dropping (correlation_id=%s)",
					env.Command, p.CaseID, env.CorrelationID)
				return nil
			}
			return err
		}
		if c.Status.Terminal() {
			log.Printf("Manager: %s for terminal case %s, dropping (correlation_id=%s)",
				env.Command, p.CaseID, env.CorrelationID)
			return nil
		}

		kind := p.ErrorType
		if kind == "" {
			kind = models.ErrorKindWorkerFailure
		}
		released, err = tx.MarkFailed(p.CaseID, kind, p.ErrorMessage)
		if err == nil {
			metrics.CasesFailed.Inc()
			log.Printf("Manager: case %s failed at step %v: %s: %s (correlation_id=%s)",
				p.CaseID, c.CurrentStep, kind, p.ErrorMessage, c.CorrelationID)
		}
		return err
	})
	m.refreshParkedGauge()
	if err == nil && released != nil {
		m.wakeNext(ctx)
	}
	return m.decide(env, err)
}

// handleRetryParked re-enters the state machine for a case woken after a
// GPU release. A failed reservation leaves the case parked with its
// original park timestamp so it keeps its place in line.
func (m *Manager) handleRetryParked(ctx context.Context, caseID string) error {
	err := m.store.WithTx(func(tx *store.Tx) error {
		c, err := tx.LoadCase(caseID)
		if err != nil {
			return err
		}
		if c.Status != models.CaseStatusPendingResource || c.ParkedStep == nil {
			log.Printf("Manager: retry_parked for case %s in %s, dropping (correlation_id=%s)",
				caseID, c.Status, c.CorrelationID)
			return nil
		}

		step, ok := m.wf.StepByName(*c.ParkedStep)
		if !ok {
			log.Printf("Manager: parked step %q no longer in workflow, failing case %s (correlation_id=%s)",
				*c.ParkedStep, caseID, c.CorrelationID)
			_, err := tx.MarkFailed(caseID, models.ErrorKindConfiguration,
				fmt.Sprintf("parked step %q not in workflow", *c.ParkedStep))
			if err == nil {
				metrics.CasesFailed.Inc()
			}
			return err
		}
		return m.enterStep(ctx, tx, caseID, c.CorrelationID, step, nil)
	})
	m.refreshParkedGauge()
	return err
}

// enterStep reserves a GPU when the step needs one (parking the case when
// the pool is dry), renders the command for execute steps, records the
// advance and dispatches the outbound command, all on the caller's
// transaction. held carries a slot the case already owns.
func (m *Manager) enterStep(ctx context.Context, tx *store.Tx, caseID, correlationID string, step models.Step, held *int) error {
	var resource *int
	command := ""

	if step.Type.NeedsGPU() {
		if held != nil {
			resource = held
		} else {
			index, err := m.alloc.Reserve(tx, caseID)
			if err != nil {
				if errors.Is(err, store.ErrNoFreeGPU) {
					log.Printf("Manager: no free GPU for case %s, parking before step %s (correlation_id=%s)",
						caseID, step.Name, correlationID)
					return tx.ParkForResource(caseID, step.Name)
				}
				return err
			}
			metrics.GPUReservations.Inc()
			resource = &index
		}
		rendered, err := m.wf.RenderCommand(step.Name, caseID, *resource)
		if err != nil {
			log.Printf("Manager: cannot render command for step %s, failing case %s: %v (correlation_id=%s)",
				step.Name, caseID, err, correlationID)
			if _, ferr := tx.MarkFailed(caseID, models.ErrorKindConfiguration, err.Error()); ferr != nil {
				return ferr
			}
			metrics.CasesFailed.Inc()
			return nil
		}
		command = rendered
	}

	if err := tx.AdvanceToStep(caseID, step.Name, resource, step.Progress); err != nil {
		return err
	}

	gpuIndex := -1
	if resource != nil {
		gpuIndex = *resource
	}
	if err := m.dispatcher.Dispatch(ctx, step, caseID, correlationID, command, gpuIndex); err != nil {
		return err
	}
	log.Printf("Manager: case %s dispatched to step %s (correlation_id=%s)",
		caseID, step.Name, correlationID)
	return nil
}

// wakeNext wakes at most one parked case, oldest first. Runs after the
// releasing transaction commits so the freed slot is visible.
func (m *Manager) wakeNext(ctx context.Context) {
	parked, ok, err := m.alloc.NextParked()
	if err != nil {
		log.Printf("Manager: cannot list parked cases: %v", err)
		return
	}
	if !ok {
		return
	}
	if err := m.handleRetryParked(ctx, parked.CaseID); err != nil {
		log.Printf("Manager: waking parked case %s failed: %v", parked.CaseID, err)
	}
}

func (m *Manager) decide(env *broker.Envelope, err error) (Decision, error) {
	if err == nil {
		return DecisionAck, nil
	}
	if errors.Is(err, store.ErrBusy) {
		log.Printf("Manager: store busy handling %s, requeueing (correlation_id=%s): %v",
			env.Command, env.CorrelationID, err)
		return DecisionRequeue, err
	}
	log.Printf("Manager: handling %s failed, requeueing (correlation_id=%s): %v",
		env.Command, env.CorrelationID, err)
	return DecisionRequeue, err
}

func (m *Manager) refreshParkedGauge() {
	if n, err := m.store.CountByStatus(models.CaseStatusPendingResource); err == nil {
		metrics.ParkedCases.Set(float64(n))
	}
}
