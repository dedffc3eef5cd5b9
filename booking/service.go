// Package booking books appointments: it runs the booking saga and then commits the appointment
// together with its AppointmentCreated event.
package booking

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/clock"
	"github.com/clinicflow/bookingsaga/log"
	"github.com/clinicflow/bookingsaga/outbox"
	"github.com/clinicflow/bookingsaga/saga"
)

var ErrCommitFailed = errors.New("appointment commit failed")

type Saga interface {
	Execute(ctx context.Context, input saga.BookingInput, correlationID string) (*saga.Result, error)
	Rollback(ctx context.Context, exec *saga.Execution, cause error) error
}

type Transactor interface {
	Do(ctx context.Context, fn func(tx *sql.Tx) error) error
}

type Request struct {
	PatientID       string  `json:"patientId"`
	DoctorID        string  `json:"doctorId"`
	AppointmentDate string  `json:"appointmentDate"`
	StartTime       string  `json:"startTime"`
	EndTime         string  `json:"endTime"`
	Amount          float64 `json:"amount,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

func (r Request) input() saga.BookingInput {
	return saga.BookingInput{
		PatientID:       r.PatientID,
		DoctorID:        r.DoctorID,
		AppointmentDate: r.AppointmentDate,
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		Amount:          r.Amount,
		Reason:          r.Reason,
	}
}

type Option func(s *Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		s.newID = gen
	}
}

func WithNotifier(n saga.Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithTopic(topic string) Option {
	return func(s *Service) {
		s.topic = topic
	}
}

type Service struct {
	saga     Saga
	uow      Transactor
	repo     Repository
	events   outbox.Store
	notifier saga.Notifier
	topic    string
	clock    clock.Clock
	newID    func() string
	logger   log.Logger
}

func NewService(sg Saga, uow Transactor, repo Repository, events outbox.Store, logger log.Logger, opts ...Option) *Service {
	s := &Service{
		saga:   sg,
		uow:    uow,
		repo:   repo,
		events: events,
		topic:  outbox.DefaultTopic,
		clock:  clock.Real(),
		newID:  uuid.NewString,
		logger: logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// BookAppointment runs the saga and commits its outcome. When the commit fails the saga is
// rolled back, so the slot is free again.
func (s *Service) BookAppointment(ctx context.Context, req Request, correlationID string) (*Appointment, error) {
	res, err := s.saga.Execute(ctx, req.input(), correlationID)
	if err != nil {
		return nil, err
	}

	appointment := &Appointment{
		ID:              s.newID(),
		SagaID:          res.SagaID,
		PatientID:       req.PatientID,
		DoctorID:        req.DoctorID,
		SlotID:          res.SlotID,
		InvoiceID:       res.InvoiceID,
		AppointmentDate: req.AppointmentDate,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		Status:          StatusScheduled,
		Reason:          req.Reason,
		Amount:          req.Amount,
		CorrelationID:   res.Execution.CorrelationID,
		CreatedAt:       s.clock.Now(),
	}

	logger := s.logger.WithFields([]log.Field{{Name: "saga_id", Val: res.SagaID}, {Name: "appointment_id", Val: appointment.ID}})

	err = s.uow.Do(ctx, func(tx *sql.Tx) error {
		if err := s.repo.Insert(ctx, tx, appointment); err != nil {
			return err
		}

		if _, err := s.events.CreateEvent(ctx, tx, appointment.createdEvent(), s.topic, appointment.CorrelationID); err != nil {
			return errors.Wrap(err, "writing AppointmentCreated event")
		}

		return nil
	})
	if err != nil {
		logger.Logf(log.ErrorLevel, "committing appointment: %s", err)

		if rbErr := s.saga.Rollback(context.WithoutCancel(ctx), res.Execution, err); rbErr != nil {
			logger.Logf(log.ErrorLevel, "rolling back saga after failed commit: %s", rbErr)
		}

		return nil, errors.Wrapf(ErrCommitFailed, "saga %s: %s", res.SagaID, err)
	}

	if s.notifier != nil {
		s.notifier.Trigger()
	}

	logger.Log(log.InfoLevel, "appointment booked")

	return appointment, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Appointment, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID string) ([]*Appointment, error) {
	return s.repo.ListByPatient(ctx, patientID)
}
