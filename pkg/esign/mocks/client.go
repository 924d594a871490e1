// Package mocks provides testify mocks for the esign package.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/onboarding-cli/pkg/esign"
)

// Client is a mock implementation of esign.Client.
type Client struct {
	mock.Mock
}

func (m *Client) CreateEnvelope(ctx context.Context, req esign.CreateEnvelopeRequest) (*esign.Envelope, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*esign.Envelope), args.Error(1)
}

func (m *Client) GetSigningURL(ctx context.Context, envelopeID string) (string, error) {
	args := m.Called(ctx, envelopeID)
	return args.String(0), args.Error(1)
}

func (m *Client) GetEnvelope(ctx context.Context, envelopeID string) (*esign.Envelope, error) {
	args := m.Called(ctx, envelopeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*esign.Envelope), args.Error(1)
}

func (m *Client) FindByReference(ctx context.Context, reference string) (*esign.Envelope, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*esign.Envelope), args.Error(1)
}
