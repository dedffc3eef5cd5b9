package saga_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicflow/bookingsaga/circuitbreaker"
	"github.com/clinicflow/bookingsaga/clock"
	"github.com/clinicflow/bookingsaga/correlation"
	bslog "github.com/clinicflow/bookingsaga/log"
	"github.com/clinicflow/bookingsaga/outbox"
	"github.com/clinicflow/bookingsaga/saga"
	"github.com/clinicflow/bookingsaga/services"
	"github.com/clinicflow/bookingsaga/testing/log"
	mockSaga "github.com/clinicflow/bookingsaga/testing/mocks/saga"
)

var (
	now   = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	input = saga.BookingInput{
		PatientID:       "pat-1",
		DoctorID:        "doc-1",
		AppointmentDate: "2024-03-10",
		StartTime:       "09:00",
		EndTime:         "09:30",
		Amount:          120,
	}
)

// fakeServices stands in for the doctor, patient and billing services and records every call in order.
type fakeServices struct {
	mutex sync.Mutex
	calls []string

	patientErr   error
	available    bool
	availableErr error
	reserveErr   error
	releaseErr   error
	invoiceErr   error
	voidErr      error

	correlationIDs []string
}

func newFakeServices() *fakeServices {
	return &fakeServices{available: true}
}

func (f *fakeServices) record(ctx context.Context, call string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls = append(f.calls, call)
	f.correlationIDs = append(f.correlationIDs, correlation.FromContext(ctx))
}

func (f *fakeServices) Calls() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeServices) VerifyPatient(ctx context.Context, patientID string) (*services.Patient, error) {
	f.record(ctx, "verify:"+patientID)
	if f.patientErr != nil {
		return nil, f.patientErr
	}
	return &services.Patient{ID: patientID, Status: services.PatientActive}, nil
}

func (f *fakeServices) CheckAvailability(ctx context.Context, doctorID, date, startTime, endTime string) (bool, error) {
	f.record(ctx, "check:"+doctorID)
	return f.available, f.availableErr
}

func (f *fakeServices) ReserveSlot(ctx context.Context, doctorID, date, startTime, endTime, sagaID string) (string, error) {
	f.record(ctx, "reserve:"+doctorID)
	if f.reserveErr != nil {
		return "", f.reserveErr
	}
	return "slot-1", nil
}

func (f *fakeServices) ReleaseSlot(ctx context.Context, doctorID, slotID string) error {
	f.record(ctx, "release:"+slotID)
	return f.releaseErr
}

func (f *fakeServices) CreateInvoice(ctx context.Context, req services.InvoiceRequest) (*services.Invoice, error) {
	f.record(ctx, "invoice:"+req.SagaID)
	if f.invoiceErr != nil {
		return nil, f.invoiceErr
	}
	return &services.Invoice{ID: "inv-1", Amount: req.Amount, Status: "pending"}, nil
}

func (f *fakeServices) VoidInvoice(ctx context.Context, invoiceID string) error {
	f.record(ctx, "void:"+invoiceID)
	return f.voidErr
}

type notifier struct {
	mutex    sync.Mutex
	triggers int
}

func (n *notifier) Trigger() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.triggers++
}

type fixture struct {
	orchestrator *saga.Orchestrator
	services     *fakeServices
	events       *outbox.MemoryStore
	journal      saga.Journal
	logger       *log.TestLogger
	notifier     *notifier
}

func newFixture(t *testing.T, cfg saga.Config, configure func(f *fakeServices)) fixture {
	fakes := newFakeServices()
	if configure != nil {
		configure(fakes)
	}

	fakeClock := clock.NewFake(now)
	events := outbox.NewMemoryStore(fakeClock)
	journal := saga.NewMemoryJournal()
	logger := log.NewNilLogger()
	n := &notifier{}

	o, err := saga.NewOrchestrator(saga.Dependencies{
		Doctors:  fakes,
		Patients: fakes,
		Billing:  fakes,
		Events:   events,
		Notifier: n,
		Journal:  journal,
		Logger:   logger,
	}, cfg, saga.WithClock(fakeClock), saga.WithIDGenerator(func() string { return "saga-1" }))
	require.NoError(t, err)

	return fixture{orchestrator: o, services: fakes, events: events, journal: journal, logger: logger, notifier: n}
}

func eventTypes(t *testing.T, store outbox.Store) []string {
	events, err := store.GetPendingEvents(context.Background(), 100)
	require.NoError(t, err)

	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}

	return types
}

func TestOrchestrator_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path without invoicing", func(t *testing.T) {
		f := newFixture(t, saga.Config{}, nil)

		res, err := f.orchestrator.Execute(ctx, input, "corr-1")
		require.NoError(t, err)

		assert.Equal(t, "saga-1", res.SagaID)
		assert.Equal(t, "slot-1", res.SlotID)
		assert.Empty(t, res.InvoiceID)
		assert.Equal(t, saga.StateCompleted, res.Execution.State)
		require.NotNil(t, res.Execution.CompletedAt)

		assert.Equal(t, []string{"verify:pat-1", "check:doc-1", "reserve:doc-1"}, f.services.Calls())
		for _, id := range f.services.correlationIDs {
			assert.Equal(t, "corr-1", id)
		}

		assert.Equal(t, []string{
			outbox.EventBookingStarted,
			outbox.EventPatientVerified,
			outbox.EventDoctorAvailabilityChecked,
			outbox.EventSlotReserved,
			outbox.EventBookingCompleted,
		}, eventTypes(t, f.events))

		stored, err := f.journal.Get(ctx, "saga-1")
		require.NoError(t, err)
		assert.Equal(t, saga.StateCompleted, stored.State)
		require.Len(t, stored.Steps, 3)
		assert.Equal(t, saga.StepReserveSlot, stored.Steps[2].Name)
		assert.Equal(t, "slot-1", stored.Steps[2].Data.SlotID)

		assert.Equal(t, 1, f.notifier.triggers)
	})

	t.Run("invoice step runs when enabled and amount is positive", func(t *testing.T) {
		f := newFixture(t, saga.Config{InvoiceEnabled: true}, nil)

		res, err := f.orchestrator.Execute(ctx, input, "corr-1")
		require.NoError(t, err)

		assert.Equal(t, "inv-1", res.InvoiceID)
		assert.Equal(t, []string{"verify:pat-1", "check:doc-1", "reserve:doc-1", "invoice:saga-1"}, f.services.Calls())
		assert.Contains(t, eventTypes(t, f.events), outbox.EventInvoiceCreated)
	})

	t.Run("invoice step is skipped for free appointments", func(t *testing.T) {
		f := newFixture(t, saga.Config{InvoiceEnabled: true}, nil)

		free := input
		free.Amount = 0

		res, err := f.orchestrator.Execute(ctx, free, "corr-1")
		require.NoError(t, err)

		assert.Empty(t, res.InvoiceID)
		assert.NotContains(t, f.services.Calls(), "invoice:saga-1")
	})

	t.Run("invalid input never starts a saga", func(t *testing.T) {
		f := newFixture(t, saga.Config{}, nil)

		bad := input
		bad.StartTime = "10:00"
		bad.EndTime = "09:00"

		_, err := f.orchestrator.Execute(ctx, bad, "corr-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, saga.ErrInvalidInput))
		assert.EqualError(t, err, "startTime must be before endTime: invalid booking input")
		assert.Empty(t, f.services.Calls())
		assert.Empty(t, eventTypes(t, f.events))
	})

	t.Run("correlation id falls back to the context", func(t *testing.T) {
		f := newFixture(t, saga.Config{}, nil)

		res, err := f.orchestrator.Execute(correlation.WithID(ctx, "from-ctx"), input, "")
		require.NoError(t, err)
		assert.Equal(t, "from-ctx", res.Execution.CorrelationID)
	})
}

func TestOrchestrator_Compensation(t *testing.T) {
	ctx := context.Background()

	t.Run("failure at the last step compensates in reverse order", func(t *testing.T) {
		f := newFixture(t, saga.Config{InvoiceEnabled: true}, func(s *fakeServices) {
			s.invoiceErr = errors.New("billing exploded")
		})

		res, err := f.orchestrator.Execute(ctx, input, "corr-1")
		require.Error(t, err)
		assert.Nil(t, res)

		assert.True(t, errors.Is(err, saga.ErrSagaExecutionFailed))

		var execErr *saga.ExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.Equal(t, "saga-1", execErr.SagaID)
		assert.Equal(t, saga.StepCreateInvoice, execErr.FailedStep)
		assert.False(t, execErr.CompensationIncomplete)
		assert.EqualError(t, execErr.Cause, "billing exploded")
		assert.EqualError(t, err, "saga saga-1 failed at step create_invoice: billing exploded")

		assert.Equal(t, []string{"verify:pat-1", "check:doc-1", "reserve:doc-1", "invoice:saga-1", "release:slot-1"}, f.services.Calls())

		assert.Equal(t, []string{
			outbox.EventBookingStarted,
			outbox.EventPatientVerified,
			outbox.EventDoctorAvailabilityChecked,
			outbox.EventSlotReserved,
			outbox.EventSlotReleased,
			outbox.EventBookingCompensated,
			outbox.EventBookingFailed,
		}, eventTypes(t, f.events))

		stored, err := f.journal.Get(ctx, "saga-1")
		require.NoError(t, err)
		assert.Equal(t, saga.StateCompensated, stored.State)
		assert.Equal(t, saga.StepCreateInvoice, stored.FailedStep)
		assert.Len(t, stored.Steps, 3)
	})

	t.Run("later steps aren't attempted after a failure", func(t *testing.T) {
		f := newFixture(t, saga.Config{InvoiceEnabled: true}, func(s *fakeServices) {
			s.available = false
		})

		_, err := f.orchestrator.Execute(ctx, input, "corr-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, saga.ErrDoctorUnavailable))

		assert.Equal(t, []string{"verify:pat-1", "check:doc-1"}, f.services.Calls())
	})

	t.Run("open circuit surfaces as the cause", func(t *testing.T) {
		f := newFixture(t, saga.Config{}, func(s *fakeServices) {
			s.reserveErr = errors.Wrap(&circuitbreaker.OpenError{Service: "doctor-service"}, "fetching doctor doc-1")
		})

		_, err := f.orchestrator.Execute(ctx, input, "corr-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, circuitbreaker.ErrCircuitOpen))

		var execErr *saga.ExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.Equal(t, saga.StepReserveSlot, execErr.FailedStep)
		assert.NotContains(t, f.services.Calls(), "release:slot-1")
	})

	t.Run("a failing compensation doesn't stop the others", func(t *testing.T) {
		f := newFixture(t, saga.Config{InvoiceEnabled: true}, func(s *fakeServices) {
			s.voidErr = errors.New("invoice locked")
		})

		res, err := f.orchestrator.Execute(ctx, input, "corr-1")
		require.NoError(t, err)

		rollbackErr := f.orchestrator.Rollback(ctx, res.Execution, errors.New("duplicate appointment"))
		require.Error(t, rollbackErr)

		var execErr *saga.ExecutionError
		require.True(t, errors.As(rollbackErr, &execErr))
		assert.True(t, execErr.CompensationIncomplete)
		assert.Equal(t, []string{saga.StepCreateInvoice}, execErr.FailedCompensations)
		assert.Equal(t, saga.StepLocalCommit, execErr.FailedStep)

		calls := f.services.Calls()
		assert.Equal(t, []string{"void:inv-1", "release:slot-1"}, calls[len(calls)-2:])

		assert.Equal(t, saga.StateFailed, res.Execution.State)
		require.Len(t, res.Execution.Compensations, 2)
		assert.False(t, res.Execution.Compensations[0].Succeeded)
		assert.Equal(t, "voiding invoice inv-1: invoice locked", res.Execution.Compensations[0].Error)
		assert.True(t, res.Execution.Compensations[1].Succeeded)

		assert.Contains(t, f.logger.Messages(), "compensating create_invoice failed: voiding invoice inv-1: invoice locked")
	})

	t.Run("compensation runs when the request context is cancelled", func(t *testing.T) {
		f := newFixture(t, saga.Config{InvoiceEnabled: true}, func(s *fakeServices) {
			s.invoiceErr = context.Canceled
		})

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := f.orchestrator.Execute(cancelled, input, "corr-1")
		require.Error(t, err)
		assert.Contains(t, f.services.Calls(), "release:slot-1")
	})
}

func TestOrchestrator_Rollback(t *testing.T) {
	ctx := context.Background()

	t.Run("releases the slot of a completed saga", func(t *testing.T) {
		f := newFixture(t, saga.Config{}, nil)

		res, err := f.orchestrator.Execute(ctx, input, "corr-1")
		require.NoError(t, err)

		require.NoError(t, f.orchestrator.Rollback(ctx, res.Execution, errors.New("commit failed")))

		assert.Equal(t, saga.StateCompensated, res.Execution.State)
		assert.Equal(t, saga.StepLocalCommit, res.Execution.FailedStep)
		assert.Equal(t, "release:slot-1", f.services.Calls()[3])

		types := eventTypes(t, f.events)
		assert.Equal(t, []string{outbox.EventSlotReleased, outbox.EventBookingCompensated, outbox.EventBookingFailed}, types[len(types)-3:])
	})

	t.Run("only completed sagas can be rolled back", func(t *testing.T) {
		f := newFixture(t, saga.Config{}, nil)

		err := f.orchestrator.Rollback(ctx, &saga.Execution{SagaID: "saga-9", State: saga.StateCompensated}, errors.New("commit failed"))
		assert.EqualError(t, err, "saga saga-9 is compensated, only completed sagas can be rolled back")
		assert.Empty(t, f.services.Calls())
	})
}

func TestOrchestrator_CompensateSlotReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("releases the slot and records the event", func(t *testing.T) {
		f := newFixture(t, saga.Config{}, nil)

		require.NoError(t, f.orchestrator.CompensateSlotReservation(ctx, "doc-1", "slot-7", "saga-3", "corr-3"))

		assert.Equal(t, []string{"release:slot-7"}, f.services.Calls())
		assert.Equal(t, []string{"corr-3"}, f.services.correlationIDs)

		events, err := f.events.GetPendingEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, outbox.SlotReleased{SagaID: "saga-3", DoctorID: "doc-1", SlotID: "slot-7", Reason: "compensation"}, events[0].Payload)
		assert.Equal(t, "slot-7", events[0].AggregateID)
		assert.Equal(t, "corr-3", events[0].CorrelationID)
	})

	t.Run("release failure is returned and no event written", func(t *testing.T) {
		f := newFixture(t, saga.Config{}, func(s *fakeServices) {
			s.releaseErr = errors.New("doctor service down")
		})

		err := f.orchestrator.CompensateSlotReservation(ctx, "doc-1", "slot-7", "saga-3", "corr-3")
		assert.EqualError(t, err, "compensating reservation of slot slot-7 for saga saga-3: doctor service down")
		assert.Empty(t, eventTypes(t, f.events))
	})
}

type failingStore struct {
	outbox.Store
}

func (failingStore) CreateEvent(ctx context.Context, tx outbox.Execer, payload outbox.Payload, topic, correlationID string) (*outbox.Event, error) {
	return nil, errors.New("outbox table missing")
}

func TestOrchestrator_BestEffortSideEffects(t *testing.T) {
	ctx := context.Background()

	t.Run("event write failures don't abort the saga", func(t *testing.T) {
		fakes := newFakeServices()
		logger := log.NewNilLogger()

		o, err := saga.NewOrchestrator(saga.Dependencies{
			Doctors:  fakes,
			Patients: fakes,
			Events:   failingStore{},
			Logger:   logger,
		}, saga.Config{}, saga.WithIDGenerator(func() string { return "saga-1" }))
		require.NoError(t, err)

		res, err := o.Execute(ctx, input, "corr-1")
		require.NoError(t, err)
		assert.Equal(t, "slot-1", res.SlotID)
		assert.Contains(t, logger.MessagesOf(bslog.WarnLevel), "writing SlotReserved event: outbox table missing")
	})

	t.Run("journal failures don't abort the saga", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		journal := mockSaga.NewMockJournal(ctrl)
		journal.EXPECT().Create(gomock.Any(), gomock.Any()).Return(errors.New("journal down"))
		journal.EXPECT().Update(gomock.Any(), gomock.Any()).Return(errors.New("journal down")).AnyTimes()

		fakes := newFakeServices()
		logger := log.NewNilLogger()

		o, err := saga.NewOrchestrator(saga.Dependencies{
			Doctors:  fakes,
			Patients: fakes,
			Events:   outbox.NewMemoryStore(clock.NewFake(now)),
			Journal:  journal,
			Logger:   logger,
		}, saga.Config{}, saga.WithIDGenerator(func() string { return "saga-1" }))
		require.NoError(t, err)

		_, err = o.Execute(ctx, input, "corr-1")
		require.NoError(t, err)
		assert.Contains(t, logger.Messages(), "journaling saga start: journal down")
	})

	t.Run("missing journal", func(t *testing.T) {
		fakes := newFakeServices()
		o, err := saga.NewOrchestrator(saga.Dependencies{
			Doctors:  fakes,
			Patients: fakes,
			Events:   outbox.NewMemoryStore(clock.NewFake(now)),
			Logger:   log.NewNilLogger(),
		}, saga.Config{})
		require.NoError(t, err)

		_, err = o.Get(ctx, "saga-1")
		assert.True(t, errors.Is(err, saga.ErrJournalDisabled))
	})

	t.Run("billing is required for invoicing", func(t *testing.T) {
		fakes := newFakeServices()
		_, err := saga.NewOrchestrator(saga.Dependencies{
			Doctors:  fakes,
			Patients: fakes,
			Events:   outbox.NewMemoryStore(clock.NewFake(now)),
			Logger:   log.NewNilLogger(),
		}, saga.Config{InvoiceEnabled: true})
		assert.EqualError(t, err, "billing is required when invoicing is enabled")
	})
}
