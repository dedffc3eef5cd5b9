package services

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
)

const PatientActive = "active"

var ErrPatientInactive = errors.New("patient is not active")

type Patient struct {
	ID        string `json:"_id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Status    string `json:"status"`
}

type PatientService struct {
	client JSONClient
}

func NewPatientService(c JSONClient) *PatientService {
	return &PatientService{client: c}
}

// VerifyPatient fetches the patient and fails when it isn't active.
func (s *PatientService) VerifyPatient(ctx context.Context, patientID string) (*Patient, error) {
	patient := &Patient{}
	if err := s.client.Get(ctx, "/api/patients/"+url.PathEscape(patientID), unwrap(patient)); err != nil {
		return nil, errors.Wrapf(err, "fetching patient %s", patientID)
	}

	if patient.Status != "" && patient.Status != PatientActive {
		return nil, errors.Wrapf(ErrPatientInactive, "patient %s has status %s", patientID, patient.Status)
	}

	return patient, nil
}
