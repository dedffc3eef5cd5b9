package outbox

import (
	"encoding/json"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const (
	EventBookingStarted            = "AppointmentBookingStarted"
	EventPatientVerified           = "PatientVerified"
	EventDoctorAvailabilityChecked = "DoctorAvailabilityChecked"
	EventSlotReserved              = "SlotReserved"
	EventInvoiceCreated            = "InvoiceCreated"
	EventBookingCompleted          = "AppointmentBookingCompleted"
	EventBookingFailed             = "AppointmentBookingFailed"
	EventBookingCompensated        = "AppointmentBookingCompensated"
	EventAppointmentCreated        = "AppointmentCreated"
	EventSlotReleased              = "SlotReleased"
)

// Payload is the typed body of an outbox event. The concrete type is selected by EventType.
type Payload interface {
	EventType() string
	// AggregateID is the id of the primary entity, used as the message key.
	AggregateID() string
	Validate() error
}

var payloadFactories = map[string]func() Payload{
	EventBookingStarted:            func() Payload { return &BookingStarted{} },
	EventPatientVerified:           func() Payload { return &PatientVerified{} },
	EventDoctorAvailabilityChecked: func() Payload { return &DoctorAvailabilityChecked{} },
	EventSlotReserved:              func() Payload { return &SlotReserved{} },
	EventInvoiceCreated:            func() Payload { return &InvoiceCreated{} },
	EventBookingCompleted:          func() Payload { return &BookingCompleted{} },
	EventBookingFailed:             func() Payload { return &BookingFailed{} },
	EventBookingCompensated:        func() Payload { return &BookingCompensated{} },
	EventAppointmentCreated:        func() Payload { return &AppointmentCreated{} },
	EventSlotReleased:              func() Payload { return &SlotReleased{} },
}

// DecodePayload restores a typed payload from its stored JSON form.
func DecodePayload(eventType string, raw []byte) (Payload, error) {
	factory, exists := payloadFactories[eventType]
	if !exists {
		return nil, errors.Errorf("unknown event type %s", eventType)
	}

	data := make(map[string]interface{})
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrapf(err, "unmarshaling %s payload", eventType)
	}

	payload := factory()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Squash:  true,
		TagName: "json",
		Result:  payload,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating payload decoder")
	}

	if err := decoder.Decode(data); err != nil {
		return nil, errors.Wrapf(err, "decoding %s payload", eventType)
	}

	return payload, nil
}

// required takes name/value pairs and reports the first empty value.
func required(eventType string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return errors.Errorf("%s: %s is required", eventType, pairs[i])
		}
	}

	return nil
}

type BookingStarted struct {
	SagaID          string  `json:"sagaId"`
	PatientID       string  `json:"patientId"`
	DoctorID        string  `json:"doctorId"`
	AppointmentDate string  `json:"appointmentDate"`
	StartTime       string  `json:"startTime"`
	EndTime         string  `json:"endTime"`
	Amount          float64 `json:"amount,omitempty"`
}

func (p BookingStarted) EventType() string   { return EventBookingStarted }
func (p BookingStarted) AggregateID() string { return p.SagaID }
func (p BookingStarted) Validate() error {
	return required(p.EventType(), "sagaId", p.SagaID, "patientId", p.PatientID, "doctorId", p.DoctorID)
}

type PatientVerified struct {
	SagaID    string `json:"sagaId"`
	PatientID string `json:"patientId"`
}

func (p PatientVerified) EventType() string   { return EventPatientVerified }
func (p PatientVerified) AggregateID() string { return p.SagaID }
func (p PatientVerified) Validate() error {
	return required(p.EventType(), "sagaId", p.SagaID, "patientId", p.PatientID)
}

type DoctorAvailabilityChecked struct {
	SagaID    string `json:"sagaId"`
	DoctorID  string `json:"doctorId"`
	Date      string `json:"date"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

func (p DoctorAvailabilityChecked) EventType() string   { return EventDoctorAvailabilityChecked }
func (p DoctorAvailabilityChecked) AggregateID() string { return p.SagaID }
func (p DoctorAvailabilityChecked) Validate() error {
	return required(p.EventType(), "sagaId", p.SagaID, "doctorId", p.DoctorID, "date", p.Date)
}

type SlotReserved struct {
	SagaID   string `json:"sagaId"`
	DoctorID string `json:"doctorId"`
	SlotID   string `json:"slotId"`
}

func (p SlotReserved) EventType() string   { return EventSlotReserved }
func (p SlotReserved) AggregateID() string { return p.SagaID }
func (p SlotReserved) Validate() error {
	return required(p.EventType(), "sagaId", p.SagaID, "doctorId", p.DoctorID, "slotId", p.SlotID)
}

type InvoiceCreated struct {
	SagaID    string  `json:"sagaId"`
	InvoiceID string  `json:"invoiceId"`
	PatientID string  `json:"patientId"`
	Amount    float64 `json:"amount"`
}

func (p InvoiceCreated) EventType() string   { return EventInvoiceCreated }
func (p InvoiceCreated) AggregateID() string { return p.SagaID }
func (p InvoiceCreated) Validate() error {
	return required(p.EventType(), "sagaId", p.SagaID, "invoiceId", p.InvoiceID)
}

type BookingCompleted struct {
	SagaID    string `json:"sagaId"`
	PatientID string `json:"patientId"`
	DoctorID  string `json:"doctorId"`
	SlotID    string `json:"slotId"`
	InvoiceID string `json:"invoiceId,omitempty"`
}

func (p BookingCompleted) EventType() string   { return EventBookingCompleted }
func (p BookingCompleted) AggregateID() string { return p.SagaID }
func (p BookingCompleted) Validate() error {
	return required(p.EventType(), "sagaId", p.SagaID, "slotId", p.SlotID)
}

type BookingFailed struct {
	SagaID                 string `json:"sagaId"`
	FailedStep             string `json:"failedStep"`
	Error                  string `json:"error"`
	CompensationIncomplete bool   `json:"compensationIncomplete"`
}

func (p BookingFailed) EventType() string   { return EventBookingFailed }
func (p BookingFailed) AggregateID() string { return p.SagaID }
func (p BookingFailed) Validate() error {
	return required(p.EventType(), "sagaId", p.SagaID, "failedStep", p.FailedStep)
}

type BookingCompensated struct {
	SagaID              string   `json:"sagaId"`
	StepsCompensated    int      `json:"stepsCompensated"`
	FailedCompensations []string `json:"failedCompensations,omitempty"`
}

func (p BookingCompensated) EventType() string   { return EventBookingCompensated }
func (p BookingCompensated) AggregateID() string { return p.SagaID }
func (p BookingCompensated) Validate() error {
	return required(p.EventType(), "sagaId", p.SagaID)
}

type AppointmentCreated struct {
	AppointmentID   string  `json:"appointmentId"`
	SagaID          string  `json:"sagaId"`
	PatientID       string  `json:"patientId"`
	DoctorID        string  `json:"doctorId"`
	SlotID          string  `json:"slotId"`
	InvoiceID       string  `json:"invoiceId,omitempty"`
	AppointmentDate string  `json:"appointmentDate"`
	StartTime       string  `json:"startTime"`
	EndTime         string  `json:"endTime"`
	Status          string  `json:"status"`
	Amount          float64 `json:"amount,omitempty"`
}

func (p AppointmentCreated) EventType() string   { return EventAppointmentCreated }
func (p AppointmentCreated) AggregateID() string { return p.AppointmentID }
func (p AppointmentCreated) Validate() error {
	return required(p.EventType(), "appointmentId", p.AppointmentID, "patientId", p.PatientID, "doctorId", p.DoctorID)
}

type SlotReleased struct {
	SagaID   string `json:"sagaId"`
	DoctorID string `json:"doctorId"`
	SlotID   string `json:"slotId"`
	Reason   string `json:"reason,omitempty"`
}

func (p SlotReleased) EventType() string   { return EventSlotReleased }
func (p SlotReleased) AggregateID() string { return p.SlotID }
func (p SlotReleased) Validate() error {
	return required(p.EventType(), "doctorId", p.DoctorID, "slotId", p.SlotID)
}
