// Package saga runs the appointment booking saga: a fixed sequence of remote steps, each one undone
// in reverse order when a later step fails.
package saga

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/clock"
	"github.com/clinicflow/bookingsaga/correlation"
	"github.com/clinicflow/bookingsaga/log"
	"github.com/clinicflow/bookingsaga/outbox"
	"github.com/clinicflow/bookingsaga/services"
)

// StepLocalCommit is reported as the failed step when the caller rolls back a completed saga
// because its own commit failed.
const StepLocalCommit = "local_commit"

type DoctorAPI interface {
	CheckAvailability(ctx context.Context, doctorID, date, startTime, endTime string) (bool, error)
	ReserveSlot(ctx context.Context, doctorID, date, startTime, endTime, sagaID string) (string, error)
	ReleaseSlot(ctx context.Context, doctorID, slotID string) error
}

type PatientAPI interface {
	VerifyPatient(ctx context.Context, patientID string) (*services.Patient, error)
}

type BillingAPI interface {
	CreateInvoice(ctx context.Context, req services.InvoiceRequest) (*services.Invoice, error)
	VoidInvoice(ctx context.Context, invoiceID string) error
}

// Notifier is poked after events were written, the outbox publisher implements it.
type Notifier interface {
	Trigger()
}

type Dependencies struct {
	Doctors  DoctorAPI
	Patients PatientAPI
	// Billing is required only when invoicing is enabled.
	Billing BillingAPI
	Events  outbox.Store
	// Notifier and Journal are optional.
	Notifier Notifier
	Journal  Journal
	Logger   log.Logger
}

type Config struct {
	InvoiceEnabled bool   `mapstructure:"invoiceEnabled" yaml:"invoiceEnabled"`
	Currency       string `mapstructure:"currency" yaml:"currency"`
	Topic          string `mapstructure:"topic" yaml:"topic"`
}

type Option func(o *Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		o.newID = gen
	}
}

type Orchestrator struct {
	doctors  DoctorAPI
	patients PatientAPI
	billing  BillingAPI
	events   outbox.Store
	notifier Notifier
	journal  Journal
	logger   log.Logger
	cfg      Config
	clock    clock.Clock
	newID    func() string
}

func NewOrchestrator(deps Dependencies, cfg Config, opts ...Option) (*Orchestrator, error) {
	if deps.Doctors == nil || deps.Patients == nil || deps.Events == nil || deps.Logger == nil {
		return nil, errors.New("doctors, patients, events and logger are required")
	}

	if cfg.InvoiceEnabled && deps.Billing == nil {
		return nil, errors.New("billing is required when invoicing is enabled")
	}

	if cfg.Topic == "" {
		cfg.Topic = outbox.DefaultTopic
	}

	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}

	o := &Orchestrator{
		doctors:  deps.Doctors,
		patients: deps.Patients,
		billing:  deps.Billing,
		events:   deps.Events,
		notifier: deps.Notifier,
		journal:  deps.Journal,
		logger:   deps.Logger,
		cfg:      cfg,
		clock:    clock.Real(),
		newID:    uuid.NewString,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

type step struct {
	name string
	run  func(ctx context.Context, exec *Execution) (StepData, outbox.Payload, error)
}

func (o *Orchestrator) pipeline(input BookingInput) []step {
	steps := []step{
		{name: StepVerifyPatient, run: o.verifyPatient},
		{name: StepCheckDoctorAvailability, run: o.checkAvailability},
		{name: StepReserveSlot, run: o.reserveSlot},
	}

	if o.cfg.InvoiceEnabled && input.Amount > 0 {
		steps = append(steps, step{name: StepCreateInvoice, run: o.createInvoice})
	}

	return steps
}

// Execute runs the booking saga. On failure every finished step is compensated before the
// returned *ExecutionError is handed back.
func (o *Orchestrator) Execute(ctx context.Context, input BookingInput, correlationID string) (*Result, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	if correlationID == "" {
		correlationID = correlation.FromContext(ctx)
	}

	ctx = correlation.WithID(ctx, correlationID)

	now := o.clock.Now()
	exec := &Execution{
		SagaID:        o.newID(),
		CorrelationID: correlationID,
		State:         StateStarted,
		Input:         input,
		Steps:         make([]StepRecord, 0, 4),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	logger := o.sagaLogger(exec)
	logger.Logf(log.InfoLevel, "booking saga started for patient %s with doctor %s on %s %s-%s", input.PatientID, input.DoctorID, input.AppointmentDate, input.StartTime, input.EndTime)

	if o.journal != nil {
		if err := o.journal.Create(ctx, exec); err != nil {
			logger.Logf(log.WarnLevel, "journaling saga start: %s", err)
		}
	}

	o.emit(ctx, exec, outbox.BookingStarted{
		SagaID:          exec.SagaID,
		PatientID:       input.PatientID,
		DoctorID:        input.DoctorID,
		AppointmentDate: input.AppointmentDate,
		StartTime:       input.StartTime,
		EndTime:         input.EndTime,
		Amount:          input.Amount,
	})

	for _, s := range o.pipeline(input) {
		exec.CurrentStep = s.name

		data, payload, err := s.run(ctx, exec)
		if err != nil {
			logger.Logf(log.ErrorLevel, "step %s failed: %s", s.name, err)
			return nil, o.fail(ctx, exec, s.name, err)
		}

		exec.Steps = append(exec.Steps, StepRecord{Name: s.name, Data: data, CompletedAt: o.clock.Now()})
		exec.State = StepDone(s.name)
		exec.UpdatedAt = o.clock.Now()

		logger.Logf(log.DebugLevel, "step %s done", s.name)

		o.journalUpdate(ctx, exec)
		o.emit(ctx, exec, payload)
	}

	completedAt := o.clock.Now()
	exec.State = StateCompleted
	exec.CurrentStep = ""
	exec.UpdatedAt = completedAt
	exec.CompletedAt = &completedAt

	o.emit(ctx, exec, outbox.BookingCompleted{
		SagaID:    exec.SagaID,
		PatientID: input.PatientID,
		DoctorID:  input.DoctorID,
		SlotID:    exec.SlotID(),
		InvoiceID: exec.InvoiceID(),
	})
	o.journalUpdate(ctx, exec)
	o.notify()

	logger.Logf(log.InfoLevel, "booking saga completed, slot %s", exec.SlotID())

	return &Result{
		SagaID:    exec.SagaID,
		SlotID:    exec.SlotID(),
		InvoiceID: exec.InvoiceID(),
		Execution: exec,
	}, nil
}

// Rollback compensates a completed saga, used when the caller couldn't commit the booking.
// It returns an error when some compensation failed.
func (o *Orchestrator) Rollback(ctx context.Context, exec *Execution, cause error) error {
	if exec == nil {
		return errors.New("nothing to roll back")
	}

	if exec.State != StateCompleted {
		return errors.Errorf("saga %s is %s, only completed sagas can be rolled back", exec.SagaID, exec.State)
	}

	ctx = correlation.WithID(ctx, exec.CorrelationID)
	o.sagaLogger(exec).Logf(log.WarnLevel, "rolling back completed saga: %s", cause)

	failure := o.fail(ctx, exec, StepLocalCommit, cause)
	if failure.CompensationIncomplete {
		return failure
	}

	return nil
}

func (o *Orchestrator) fail(ctx context.Context, exec *Execution, failedStep string, cause error) *ExecutionError {
	// compensations must run even if the request that started the saga is gone
	ctx = context.WithoutCancel(ctx)
	logger := o.sagaLogger(exec)

	if cause == nil {
		cause = errors.New("unknown failure")
	}

	exec.FailedStep = failedStep
	exec.Error = cause.Error()
	exec.State = StateCompensating
	exec.UpdatedAt = o.clock.Now()
	o.journalUpdate(ctx, exec)

	o.compensate(ctx, exec)

	failedCompensations := exec.FailedCompensations()
	exec.CompensationIncomplete = len(failedCompensations) > 0

	completedAt := o.clock.Now()
	exec.CurrentStep = ""
	exec.UpdatedAt = completedAt
	exec.CompletedAt = &completedAt

	if exec.CompensationIncomplete {
		exec.State = StateFailed
		logger.Logf(log.ErrorLevel, "compensation incomplete, manual cleanup needed for: %v", failedCompensations)
	} else {
		exec.State = StateCompensated
	}

	compensated := 0
	for _, c := range exec.Compensations {
		if c.Succeeded {
			compensated++
		}
	}

	o.emit(ctx, exec, outbox.BookingCompensated{
		SagaID:              exec.SagaID,
		StepsCompensated:    compensated,
		FailedCompensations: failedCompensations,
	})
	o.emit(ctx, exec, outbox.BookingFailed{
		SagaID:                 exec.SagaID,
		FailedStep:             failedStep,
		Error:                  cause.Error(),
		CompensationIncomplete: exec.CompensationIncomplete,
	})
	o.journalUpdate(ctx, exec)
	o.notify()

	return &ExecutionError{
		SagaID:                 exec.SagaID,
		FailedStep:             failedStep,
		CompensationIncomplete: exec.CompensationIncomplete,
		FailedCompensations:    failedCompensations,
		Cause:                  cause,
	}
}

// compensate walks the finished steps newest first. A failing compensation doesn't stop the others.
func (o *Orchestrator) compensate(ctx context.Context, exec *Execution) {
	logger := o.sagaLogger(exec)

	for i := len(exec.Steps) - 1; i >= 0; i-- {
		action := exec.Steps[i].CompensationAction()

		compensator, ok := compensators[action.StepName]
		if !ok || compensator == nil {
			continue
		}

		outcome := CompensationOutcome{StepName: action.StepName, Succeeded: true, AttemptedAt: o.clock.Now()}

		if err := o.runCompensator(ctx, compensator, exec, action.Data); err != nil {
			outcome.Succeeded = false
			outcome.Error = err.Error()
			logger.Logf(log.ErrorLevel, "compensating %s failed: %s", action.StepName, err)
		} else {
			logger.Logf(log.InfoLevel, "step %s compensated", action.StepName)
		}

		exec.Compensations = append(exec.Compensations, outcome)
	}
}

func (o *Orchestrator) runCompensator(ctx context.Context, c compensator, exec *Execution, data StepData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("compensation panicked: %v", r)
		}
	}()

	return c(ctx, o, exec, data)
}

// CompensateSlotReservation releases a reserved slot and records a SlotReleased event.
func (o *Orchestrator) CompensateSlotReservation(ctx context.Context, doctorID, slotID, sagaID, correlationID string) error {
	if correlationID != "" {
		ctx = correlation.WithID(ctx, correlationID)
	}

	if err := o.doctors.ReleaseSlot(ctx, doctorID, slotID); err != nil {
		return errors.Wrapf(err, "compensating reservation of slot %s for saga %s", slotID, sagaID)
	}

	o.emitPayload(ctx, sagaID, correlationID, outbox.SlotReleased{
		SagaID:   sagaID,
		DoctorID: doctorID,
		SlotID:   slotID,
		Reason:   "compensation",
	})

	return nil
}

// Get reads an execution from the journal.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*Execution, error) {
	if o.journal == nil {
		return nil, ErrJournalDisabled
	}

	return o.journal.Get(ctx, sagaID)
}

func (o *Orchestrator) verifyPatient(ctx context.Context, exec *Execution) (StepData, outbox.Payload, error) {
	patient, err := o.patients.VerifyPatient(ctx, exec.Input.PatientID)
	if err != nil {
		return StepData{}, nil, err
	}

	return StepData{PatientID: exec.Input.PatientID}, outbox.PatientVerified{SagaID: exec.SagaID, PatientID: patient.ID}, nil
}

func (o *Orchestrator) checkAvailability(ctx context.Context, exec *Execution) (StepData, outbox.Payload, error) {
	in := exec.Input

	available, err := o.doctors.CheckAvailability(ctx, in.DoctorID, in.AppointmentDate, in.StartTime, in.EndTime)
	if err != nil {
		return StepData{}, nil, err
	}

	if !available {
		return StepData{}, nil, errors.Wrapf(ErrDoctorUnavailable, "doctor %s on %s %s-%s", in.DoctorID, in.AppointmentDate, in.StartTime, in.EndTime)
	}

	return StepData{DoctorID: in.DoctorID}, outbox.DoctorAvailabilityChecked{
		SagaID:    exec.SagaID,
		DoctorID:  in.DoctorID,
		Date:      in.AppointmentDate,
		StartTime: in.StartTime,
		EndTime:   in.EndTime,
	}, nil
}

func (o *Orchestrator) reserveSlot(ctx context.Context, exec *Execution) (StepData, outbox.Payload, error) {
	in := exec.Input

	slotID, err := o.doctors.ReserveSlot(ctx, in.DoctorID, in.AppointmentDate, in.StartTime, in.EndTime, exec.SagaID)
	if err != nil {
		return StepData{}, nil, err
	}

	return StepData{DoctorID: in.DoctorID, SlotID: slotID}, outbox.SlotReserved{SagaID: exec.SagaID, DoctorID: in.DoctorID, SlotID: slotID}, nil
}

func (o *Orchestrator) createInvoice(ctx context.Context, exec *Execution) (StepData, outbox.Payload, error) {
	in := exec.Input

	invoice, err := o.billing.CreateInvoice(ctx, services.InvoiceRequest{
		PatientID:   in.PatientID,
		DoctorID:    in.DoctorID,
		SagaID:      exec.SagaID,
		Amount:      in.Amount,
		Currency:    o.cfg.Currency,
		Description: "Appointment on " + in.AppointmentDate + " " + in.StartTime,
	})
	if err != nil {
		return StepData{}, nil, err
	}

	return StepData{PatientID: in.PatientID, InvoiceID: invoice.ID}, outbox.InvoiceCreated{
		SagaID:    exec.SagaID,
		InvoiceID: invoice.ID,
		PatientID: in.PatientID,
		Amount:    in.Amount,
	}, nil
}

// emit writes an event outside of any transaction. Failing to write it never fails the saga.
func (o *Orchestrator) emit(ctx context.Context, exec *Execution, payload outbox.Payload) {
	o.emitPayload(ctx, exec.SagaID, exec.CorrelationID, payload)
}

func (o *Orchestrator) emitPayload(ctx context.Context, sagaID, correlationID string, payload outbox.Payload) {
	if _, err := o.events.CreateEvent(ctx, nil, payload, o.cfg.Topic, correlationID); err != nil {
		o.logger.WithFields([]log.Field{{Name: "saga_id", Val: sagaID}}).
			Logf(log.WarnLevel, "writing %s event: %s", payload.EventType(), err)
	}
}

func (o *Orchestrator) journalUpdate(ctx context.Context, exec *Execution) {
	if o.journal == nil {
		return
	}

	if err := o.journal.Update(ctx, exec); err != nil {
		o.sagaLogger(exec).Logf(log.WarnLevel, "journaling saga state %s: %s", exec.State, err)
	}
}

func (o *Orchestrator) notify() {
	if o.notifier != nil {
		o.notifier.Trigger()
	}
}

func (o *Orchestrator) sagaLogger(exec *Execution) log.Logger {
	fields := []log.Field{{Name: "saga_id", Val: exec.SagaID}}
	if exec.CorrelationID != "" {
		fields = append(fields, log.Field{Name: "correlation_id", Val: exec.CorrelationID})
	}

	return o.logger.WithFields(fields)
}
