package booking

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/outbox"
)

const StatusScheduled = "scheduled"

var ErrAppointmentNotFound = errors.New("appointment not found")

type Appointment struct {
	ID              string    `json:"id"`
	SagaID          string    `json:"sagaId"`
	PatientID       string    `json:"patientId"`
	DoctorID        string    `json:"doctorId"`
	SlotID          string    `json:"slotId"`
	InvoiceID       string    `json:"invoiceId,omitempty"`
	AppointmentDate string    `json:"appointmentDate"`
	StartTime       string    `json:"startTime"`
	EndTime         string    `json:"endTime"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	Amount          float64   `json:"amount,omitempty"`
	CorrelationID   string    `json:"correlationId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (a *Appointment) createdEvent() outbox.AppointmentCreated {
	return outbox.AppointmentCreated{
		AppointmentID:   a.ID,
		SagaID:          a.SagaID,
		PatientID:       a.PatientID,
		DoctorID:        a.DoctorID,
		SlotID:          a.SlotID,
		InvoiceID:       a.InvoiceID,
		AppointmentDate: a.AppointmentDate,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime,
		Status:          a.Status,
		Amount:          a.Amount,
	}
}

type Repository interface {
	// Insert writes the appointment with tx, so it commits together with its outbox event.
	Insert(ctx context.Context, tx outbox.Execer, appointment *Appointment) error
	Get(ctx context.Context, id string) (*Appointment, error)
	ListByPatient(ctx context.Context, patientID string) ([]*Appointment, error)
}
