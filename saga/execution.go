package saga

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	StepVerifyPatient           = "verify_patient"
	StepCheckDoctorAvailability = "check_doctor_availability"
	StepReserveSlot             = "reserve_slot"
	StepCreateInvoice           = "create_invoice"
)

type State string

const (
	StateStarted      State = "started"
	StateCompensating State = "compensating"
	StateCompensated  State = "compensated"
	StateFailed       State = "failed"
	StateCompleted    State = "completed"
)

// StepDone is the state of an execution whose last finished step is step.
func StepDone(step string) State {
	return State(step + "_done")
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCompensated
}

var (
	ErrSagaExecutionFailed = errors.New("saga execution failed")
	ErrDoctorUnavailable   = errors.New("doctor is not available for the requested time")
	ErrInvalidInput        = errors.New("invalid booking input")
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

type BookingInput struct {
	PatientID       string  `json:"patientId"`
	DoctorID        string  `json:"doctorId"`
	AppointmentDate string  `json:"appointmentDate"`
	StartTime       string  `json:"startTime"`
	EndTime         string  `json:"endTime"`
	Amount          float64 `json:"amount,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

// Validate checks presence and format of the fields. Dates are YYYY-MM-DD and times HH:MM.
func (in BookingInput) Validate() error {
	var problems []string

	for _, f := range []struct{ name, val string }{
		{"patientId", in.PatientID},
		{"doctorId", in.DoctorID},
		{"appointmentDate", in.AppointmentDate},
		{"startTime", in.StartTime},
		{"endTime", in.EndTime},
	} {
		if strings.TrimSpace(f.val) == "" {
			problems = append(problems, fmt.Sprintf("%s is required", f.name))
		}
	}

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidInput, strings.Join(problems, ", "))
	}

	if _, err := time.Parse(dateLayout, in.AppointmentDate); err != nil {
		problems = append(problems, "appointmentDate must be YYYY-MM-DD")
	}

	start, startErr := time.Parse(timeLayout, in.StartTime)
	if startErr != nil {
		problems = append(problems, "startTime must be HH:MM")
	}

	end, endErr := time.Parse(timeLayout, in.EndTime)
	if endErr != nil {
		problems = append(problems, "endTime must be HH:MM")
	}

	if startErr == nil && endErr == nil && !start.Before(end) {
		problems = append(problems, "startTime must be before endTime")
	}

	if in.Amount < 0 {
		problems = append(problems, "amount can't be negative")
	}

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidInput, strings.Join(problems, ", "))
	}

	return nil
}

// StepData is what a compensation needs to undo its step.
type StepData struct {
	DoctorID  string `json:"doctorId,omitempty"`
	PatientID string `json:"patientId,omitempty"`
	SlotID    string `json:"slotId,omitempty"`
	InvoiceID string `json:"invoiceId,omitempty"`
}

type StepRecord struct {
	Name        string    `json:"name"`
	Data        StepData  `json:"data"`
	CompletedAt time.Time `json:"completedAt"`
}

// CompensationAction refers to the compensator of StepName, bound to the data of the step.
func (r StepRecord) CompensationAction() CompensationAction {
	return CompensationAction{StepName: r.Name, Data: r.Data}
}

type CompensationAction struct {
	StepName string
	Data     StepData
}

type CompensationOutcome struct {
	StepName    string    `json:"stepName"`
	Succeeded   bool      `json:"succeeded"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attemptedAt"`
}

// Execution is the state of one saga run. It is owned by the goroutine running the saga.
type Execution struct {
	SagaID                 string                `json:"sagaId"`
	CorrelationID          string                `json:"correlationId,omitempty"`
	State                  State                 `json:"state"`
	Input                  BookingInput          `json:"input"`
	CurrentStep            string                `json:"currentStep,omitempty"`
	FailedStep             string                `json:"failedStep,omitempty"`
	Error                  string                `json:"error,omitempty"`
	Steps                  []StepRecord          `json:"steps"`
	Compensations          []CompensationOutcome `json:"compensations,omitempty"`
	CompensationIncomplete bool                  `json:"compensationIncomplete"`
	CreatedAt              time.Time             `json:"createdAt"`
	UpdatedAt              time.Time             `json:"updatedAt"`
	CompletedAt            *time.Time            `json:"completedAt,omitempty"`
}

// Step returns the record of a finished step.
func (e *Execution) Step(name string) (StepRecord, bool) {
	for _, s := range e.Steps {
		if s.Name == name {
			return s, true
		}
	}

	return StepRecord{}, false
}

func (e *Execution) SlotID() string {
	s, _ := e.Step(StepReserveSlot)
	return s.Data.SlotID
}

func (e *Execution) InvoiceID() string {
	s, _ := e.Step(StepCreateInvoice)
	return s.Data.InvoiceID
}

// FailedCompensations lists the steps whose compensation failed, in the order they were attempted.
func (e *Execution) FailedCompensations() []string {
	var res []string
	for _, c := range e.Compensations {
		if !c.Succeeded {
			res = append(res, c.StepName)
		}
	}

	return res
}

type Result struct {
	SagaID    string
	SlotID    string
	InvoiceID string
	Execution *Execution
}

// ExecutionError is returned by Execute when a step failed. Compensation has already run.
type ExecutionError struct {
	SagaID                 string
	FailedStep             string
	CompensationIncomplete bool
	FailedCompensations    []string
	Cause                  error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("saga %s failed at step %s: %s", e.SagaID, e.FailedStep, e.Cause)
	if e.CompensationIncomplete {
		msg += fmt.Sprintf(" (compensation incomplete: %s)", strings.Join(e.FailedCompensations, ", "))
	}

	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrSagaExecutionFailed
}
