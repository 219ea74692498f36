// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

// -- Driver Mock --

// MockDriver mocks the schemas.Driver interface.
type MockDriver struct {
	mock.Mock
}

var _ schemas.Driver = (*MockDriver)(nil)

func (m *MockDriver) OpenTab(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) CloseTab(ctx context.Context, tabID string) error {
	return m.Called(ctx, tabID).Error(0)
}

func (m *MockDriver) Navigate(ctx context.Context, tabID, url string) error {
	return m.Called(ctx, tabID, url).Error(0)
}

func (m *MockDriver) Find(ctx context.Context, tabID string, target schemas.Target) (schemas.ElementRef, error) {
	args := m.Called(ctx, tabID, target)
	return args.Get(0).(schemas.ElementRef), args.Error(1)
}

func (m *MockDriver) Act(ctx context.Context, tabID string, in schemas.Interaction) error {
	return m.Called(ctx, tabID, in).Error(0)
}

func (m *MockDriver) Snapshot(ctx context.Context, tabID string) (string, error) {
	args := m.Called(ctx, tabID)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Screenshot(ctx context.Context, tabID string) (string, error) {
	args := m.Called(ctx, tabID)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) CurrentURL(ctx context.Context, tabID string) (string, error) {
	args := m.Called(ctx, tabID)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) ReadConsole(ctx context.Context, tabID string, opts schemas.ReadOptions) (string, error) {
	args := m.Called(ctx, tabID, opts)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) ReadNetwork(ctx context.Context, tabID string, opts schemas.ReadOptions) (string, error) {
	args := m.Called(ctx, tabID, opts)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Name() string {
	return m.Called().String(0)
}

func (m *MockDriver) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
