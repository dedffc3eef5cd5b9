package saga

import (
	"context"

	"github.com/pkg/errors"
)

type compensator func(ctx context.Context, o *Orchestrator, exec *Execution, data StepData) error

// compensators undo finished steps, keyed by step name. Read only steps have nothing to undo.
var compensators = map[string]compensator{
	StepVerifyPatient:           nil,
	StepCheckDoctorAvailability: nil,
	StepReserveSlot:             releaseSlot,
	StepCreateInvoice:           voidInvoice,
}

func releaseSlot(ctx context.Context, o *Orchestrator, exec *Execution, data StepData) error {
	return o.CompensateSlotReservation(ctx, data.DoctorID, data.SlotID, exec.SagaID, exec.CorrelationID)
}

func voidInvoice(ctx context.Context, o *Orchestrator, exec *Execution, data StepData) error {
	if o.billing == nil {
		return errors.Errorf("invoice %s can't be voided, billing isn't configured", data.InvoiceID)
	}

	if err := o.billing.VoidInvoice(ctx, data.InvoiceID); err != nil {
		return errors.Wrapf(err, "voiding invoice %s", data.InvoiceID)
	}

	return nil
}
