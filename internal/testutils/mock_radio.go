package testutils

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/srg/blehealth/internal/device"
)

// MockRadio is a testify mock of device.Radio for call-level expectations.
type MockRadio struct {
	mock.Mock
}

func (m *MockRadio) Name() string {
	return m.Called().String(0)
}

func (m *MockRadio) Enabled() error {
	return m.Called().Error(0)
}

func (m *MockRadio) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	return m.Called(ctx, handler).Error(0)
}

func (m *MockRadio) Dial(ctx context.Context, address string) (device.Client, error) {
	args := m.Called(ctx, address)
	c, _ := args.Get(0).(device.Client)
	return c, args.Error(1)
}

func (m *MockRadio) Serve(cfg device.ServerConfig, h device.ServerHandlers) (device.Server, error) {
	args := m.Called(cfg, h)
	s, _ := args.Get(0).(device.Server)
	return s, args.Error(1)
}
