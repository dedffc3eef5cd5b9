package services

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
)

const InvoiceVoid = "void"

type InvoiceRequest struct {
	PatientID   string  `json:"patientId"`
	DoctorID    string  `json:"doctorId"`
	SagaID      string  `json:"sagaId"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Description string  `json:"description,omitempty"`
}

type Invoice struct {
	ID     string  `json:"_id"`
	Amount float64 `json:"amount"`
	Status string  `json:"status"`
}

type BillingService struct {
	client JSONClient
}

func NewBillingService(c JSONClient) *BillingService {
	return &BillingService{client: c}
}

func (s *BillingService) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	invoice := &Invoice{}
	if err := s.client.Post(ctx, "/api/invoices", req, unwrap(invoice)); err != nil {
		return nil, errors.Wrapf(err, "creating invoice for saga %s", req.SagaID)
	}

	if invoice.ID == "" {
		return nil, errors.Errorf("billing service returned invoice without id for saga %s", req.SagaID)
	}

	return invoice, nil
}

func (s *BillingService) VoidInvoice(ctx context.Context, invoiceID string) error {
	body := map[string]string{"status": InvoiceVoid}
	if err := s.client.Patch(ctx, "/api/invoices/"+url.PathEscape(invoiceID), body, nil); err != nil {
		return errors.Wrapf(err, "voiding invoice %s", invoiceID)
	}

	return nil
}
