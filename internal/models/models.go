package models

import (
	"time"
)

type CaseStatus string

const (
	CaseStatusNew             CaseStatus = "NEW"
	CaseStatusPendingResource CaseStatus = "PENDING_RESOURCE"
	CaseStatusProcessing      CaseStatus = "PROCESSING"
	CaseStatusCompleted       CaseStatus = "COMPLETED"
	CaseStatusFailed          CaseStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s CaseStatus) Terminal() bool {
	return s == CaseStatusCompleted || s == CaseStatusFailed
}

type Case struct {
	ID            string     `json:"case_id"`
	Status        CaseStatus `json:"status"`
	CurrentStep   *string    `json:"current_step,omitempty"`
	ResourceIndex *int       `json:"resource_index,omitempty"`
	Progress      int        `json:"progress"`
	CorrelationID string     `json:"correlation_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	TerminalAt    *time.Time `json:"terminal_at,omitempty"`
	ErrorKind     *string    `json:"error_kind,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	ParkedStep    *string    `json:"parked_step,omitempty"`
	ParkedAt      *time.Time `json:"parked_at,omitempty"`
}

type GPUState string

const (
	GPUStateFree     GPUState = "FREE"
	GPUStateReserved GPUState = "RESERVED"
)

type GPU struct {
	Index       int       `json:"gpu_index"`
	ID          string    `json:"gpu_id"`
	State       GPUState  `json:"state"`
	OwnerCaseID *string   `json:"owner_case_id,omitempty"`
	Utilization float64   `json:"utilization"`
	MemoryUsed  int       `json:"memory_used"`
	MemoryTotal int       `json:"memory_total"`
	Temperature float64   `json:"temperature"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type StepType string

const (
	StepTypeUpload   StepType = "upload"
	StepTypeExecute  StepType = "execute"
	StepTypeDownload StepType = "download"
)

// NeedsGPU reports whether a step of this type requires a reserved GPU slot.
func (t StepType) NeedsGPU() bool {
	return t == StepTypeExecute
}

type Step struct {
	Name     string   `json:"name"`
	Type     StepType `json:"type"`
	Progress int      `json:"progress"`
}

type ParkedCase struct {
	CaseID       string    `json:"case_id"`
	IntendedStep string    `json:"intended_step"`
	ParkedAt     time.Time `json:"parked_at"`
}

type HistoryEntry struct {
	ID         int64      `json:"id"`
	CaseID     string     `json:"case_id"`
	At         time.Time  `json:"ts"`
	FromStatus CaseStatus `json:"from_status"`
	ToStatus   CaseStatus `json:"to_status"`
	Step       *string    `json:"step,omitempty"`
	Cause      string     `json:"cause"`
}

// Error kinds recorded on failed cases.
const (
	ErrorKindConfiguration = "ConfigurationError"
	ErrorKindWorkerFailure = "WorkerReportedFailure"
)
