package services

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/client"
)

const (
	SlotAvailable = "available"
	SlotBooked    = "booked"
)

// ErrSlotNotAvailable is returned when the doctor has no free slot matching the requested time.
var ErrSlotNotAvailable = errors.New("slot not found or not available")

type Slot struct {
	ID            string  `json:"_id"`
	AltID         string  `json:"id"`
	Date          string  `json:"date"`
	StartTime     string  `json:"startTime"`
	EndTime       string  `json:"endTime"`
	Status        string  `json:"status"`
	AppointmentID *string `json:"appointmentId"`
}

func (s Slot) Identifier() string {
	if s.ID != "" {
		return s.ID
	}

	return s.AltID
}

// matches compares only the date part, slots may carry full timestamps.
func (s Slot) matches(date, start, end string) bool {
	slotDate := s.Date
	if len(slotDate) > len(date) {
		slotDate = slotDate[:len(date)]
	}

	return slotDate == date && s.StartTime == start && s.EndTime == end
}

type Doctor struct {
	ID                string `json:"_id"`
	AltID             string `json:"id"`
	Name              string `json:"name"`
	Specialization    string `json:"specialization"`
	AvailabilitySlots []Slot `json:"availabilitySlots"`
}

func (d Doctor) Identifier() string {
	if d.ID != "" {
		return d.ID
	}

	return d.AltID
}

type DoctorService struct {
	client JSONClient
}

func NewDoctorService(c JSONClient) *DoctorService {
	return &DoctorService{client: c}
}

// CheckAvailability reports whether doctorID is listed among doctors available for the time range.
func (s *DoctorService) CheckAvailability(ctx context.Context, doctorID, date, startTime, endTime string) (bool, error) {
	var available []Doctor

	err := s.client.Get(ctx, "/api/doctors/available", unwrap(&available),
		client.WithQuery("date", date),
		client.WithQuery("startTime", startTime),
		client.WithQuery("endTime", endTime),
	)
	if err != nil {
		return false, errors.Wrapf(err, "checking availability of doctor %s", doctorID)
	}

	for _, d := range available {
		if d.Identifier() == doctorID {
			return true, nil
		}
	}

	return false, nil
}

// ReserveSlot books the free slot matching the time range, the saga id is kept on the slot until
// the appointment exists.
func (s *DoctorService) ReserveSlot(ctx context.Context, doctorID, date, startTime, endTime, sagaID string) (string, error) {
	doctor := Doctor{}
	if err := s.client.Get(ctx, "/api/doctors/"+url.PathEscape(doctorID), unwrap(&doctor)); err != nil {
		return "", errors.Wrapf(err, "fetching doctor %s", doctorID)
	}

	var slotID string
	for _, slot := range doctor.AvailabilitySlots {
		if slot.Status == SlotAvailable && slot.matches(date, startTime, endTime) {
			slotID = slot.Identifier()
			break
		}
	}

	if slotID == "" {
		return "", errors.Wrapf(ErrSlotNotAvailable, "doctor %s on %s %s-%s", doctorID, date, startTime, endTime)
	}

	body := map[string]interface{}{"status": SlotBooked, "appointmentId": sagaID}
	if err := s.client.Patch(ctx, slotPath(doctorID, slotID), body, nil); err != nil {
		return "", errors.Wrapf(err, "booking slot %s of doctor %s", slotID, doctorID)
	}

	return slotID, nil
}

// ReleaseSlot puts the slot back to available and clears its appointment reference.
func (s *DoctorService) ReleaseSlot(ctx context.Context, doctorID, slotID string) error {
	body := map[string]interface{}{"status": SlotAvailable, "appointmentId": nil}
	if err := s.client.Patch(ctx, slotPath(doctorID, slotID), body, nil); err != nil {
		return errors.Wrapf(err, "releasing slot %s of doctor %s", slotID, doctorID)
	}

	return nil
}

func slotPath(doctorID, slotID string) string {
	return fmt.Sprintf("/api/doctors/%s/availability/%s", url.PathEscape(doctorID), url.PathEscape(slotID))
}
