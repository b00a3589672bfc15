package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Step is one unit of the open-position pipeline.
type Step string

const (
	StepNone            Step = ""
	StepPriceUpdate     Step = "price_update"
	StepEnsureAllowance Step = "ensure_allowance"
	StepOpenPosition    Step = "open_position"
)

// Steps lists the pipeline steps in execution order.
var Steps = [3]Step{StepPriceUpdate, StepEnsureAllowance, StepOpenPosition}

// Index returns the position of s in Steps, or -1.
func (s Step) Index() int {
	for i, st := range Steps {
		if st == s {
			return i
		}
	}
	return -1
}

// StepStatus is the execution state of one step.
type StepStatus string

const (
	StepNotStarted StepStatus = "NOT_STARTED"
	StepPending    StepStatus = "PENDING"
	StepConfirmed  StepStatus = "CONFIRMED"
	StepFailed     StepStatus = "FAILED"
	StepSkipped    StepStatus = "SKIPPED"
)

// PipelineStatus is the overall state of a pipeline.
type PipelineStatus string

const (
	StatusIdle       PipelineStatus = "IDLE"
	StatusValidating PipelineStatus = "VALIDATING"
	StatusRunning    PipelineStatus = "RUNNING"
	StatusSuccess    PipelineStatus = "SUCCESS"
	StatusFailed     PipelineStatus = "FAILED"
	StatusReset      PipelineStatus = "RESET"
)

// IsTerminal reports whether no further step can run.
func (s PipelineStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusReset
}

// StepRecord is the execution trace of one step.
type StepRecord struct {
	Step        Step
	Status      StepStatus
	Handle      OperationHandle // empty until the signer authorized and the op was sent
	Amount      decimal.Decimal // approval amount for EnsureAllowance
	Err         *PipelineError
	SubmittedAt *time.Time
	ResolvedAt  *time.Time
}

// Pipeline is the live orchestration state of one open-position run.
type Pipeline struct {
	ID          string
	Request     PositionRequest
	CurrentStep Step
	Steps       [3]StepRecord
	Status      PipelineStatus
	StartedAt   time.Time
	FinishedAt  *time.Time
	Err         *PipelineError
}

// NewPipeline returns a Running pipeline with all steps NotStarted.
func NewPipeline(id string, req PositionRequest, startedAt time.Time) *Pipeline {
	p := &Pipeline{
		ID:        id,
		Request:   req,
		Status:    StatusRunning,
		StartedAt: startedAt,
	}
	p.ClearSteps()
	return p
}

// ClearSteps puts every step back to NotStarted.
func (p *Pipeline) ClearSteps() {
	for i, s := range Steps {
		p.Steps[i] = StepRecord{Step: s, Status: StepNotStarted}
	}
	p.CurrentStep = StepNone
}

// Record returns a pointer to the record of step s.
func (p *Pipeline) Record(s Step) *StepRecord {
	i := s.Index()
	if i < 0 {
		return nil
	}
	return &p.Steps[i]
}

// Submitted returns the records whose operation reached the ledger but never
// resolved locally; they may still confirm after a client-side reset.
func (p *Pipeline) Submitted() []StepRecord {
	var out []StepRecord
	for _, r := range p.Steps {
		if r.Status == StepPending && r.Handle != "" {
			out = append(out, r)
		}
	}
	return out
}

// PipelineView is what callers observe: a copy of the pipeline plus derived fields.
type PipelineView struct {
	Pipeline             Pipeline
	Elapsed              time.Duration
	ManualResetAvailable bool
	LastError            *PipelineError
	Abandoned            []StepRecord // only on Reset: ops that may still land on the ledger
}
