// Package mocks provides testify mocks for the anthropic package.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/onboarding-cli/pkg/anthropic"
)

// Client is a mock implementation of anthropic.Client.
type Client struct {
	mock.Mock
}

func (m *Client) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}
