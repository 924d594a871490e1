// Package mocks provides testify mocks for the salesforce package.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// Client is a mock implementation of salesforce.Client. Tests that need a
// Query to populate records should use .Run to write into the out argument.
type Client struct {
	mock.Mock
}

func (m *Client) Query(ctx context.Context, soql string, out any) error {
	args := m.Called(ctx, soql, out)
	return args.Error(0)
}

func (m *Client) InsertOne(ctx context.Context, sObjectName string, record map[string]any) (string, error) {
	args := m.Called(ctx, sObjectName, record)
	return args.String(0), args.Error(1)
}

func (m *Client) UpdateOne(ctx context.Context, sObjectName string, id string, fields map[string]any) error {
	args := m.Called(ctx, sObjectName, id, fields)
	return args.Error(0)
}
