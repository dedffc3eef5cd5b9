// Package services holds typed clients of the patient, doctor and billing services.
package services

import (
	"context"

	"github.com/clinicflow/bookingsaga/client"
)

// JSONClient is the subset of client.ServiceClient used by the typed services.
type JSONClient interface {
	Get(ctx context.Context, path string, out interface{}, opts ...client.CallOption) error
	Post(ctx context.Context, path string, body, out interface{}, opts ...client.CallOption) error
	Patch(ctx context.Context, path string, body, out interface{}, opts ...client.CallOption) error
}

// envelope is the response wrapper all downstream services use.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

func unwrap(data interface{}) *envelope {
	return &envelope{Data: data}
}
