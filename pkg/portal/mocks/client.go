// Package mocks provides testify mocks for the portal package.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/onboarding-cli/pkg/portal"
)

// Client is a mock implementation of portal.Client.
type Client struct {
	mock.Mock
}

func (m *Client) CreateInvite(ctx context.Context, req portal.CreateInviteRequest) (*portal.Invite, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*portal.Invite), args.Error(1)
}

func (m *Client) GetOrganization(ctx context.Context, orgID string) (*portal.Organization, error) {
	args := m.Called(ctx, orgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*portal.Organization), args.Error(1)
}
