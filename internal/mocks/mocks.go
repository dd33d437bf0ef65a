// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/renderpool/internal/browser"
	"github.com/xkilldash9x/renderpool/internal/config"
	"github.com/xkilldash9x/renderpool/internal/fetch"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Crawler() config.CrawlerConfig {
	args := m.Called()
	return args.Get(0).(config.CrawlerConfig)
}

func (m *MockConfig) Driver() config.DriverConfig {
	args := m.Called()
	return args.Get(0).(config.DriverConfig)
}

func (m *MockConfig) Fetch() config.FetchConfig {
	args := m.Called()
	return args.Get(0).(config.FetchConfig)
}

func (m *MockConfig) Direct() config.DirectConfig {
	args := m.Called()
	return args.Get(0).(config.DirectConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

func (m *MockConfig) Tracing() config.TracingConfig {
	args := m.Called()
	return args.Get(0).(config.TracingConfig)
}

func (m *MockConfig) PoolCapacity() int {
	args := m.Called()
	return args.Int(0)
}

// -- Browser Mocks --

// MockDriver mocks browser.Driver without the optional capabilities.
type MockDriver struct {
	mock.Mock
}

var _ browser.Driver = (*MockDriver)(nil)

func (m *MockDriver) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockDriver) SetCookie(ctx context.Context, cookie browser.Cookie) error {
	args := m.Called(ctx, cookie)
	return args.Error(0)
}

func (m *MockDriver) Evaluate(ctx context.Context, expression string, out any) error {
	args := m.Called(ctx, expression, out)
	return args.Error(0)
}

func (m *MockDriver) ExecuteScript(ctx context.Context, script string) error {
	args := m.Called(ctx, script)
	return args.Error(0)
}

func (m *MockDriver) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDriver) PageSource(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Quit(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockLauncher mocks browser.Launcher.
type MockLauncher struct {
	mock.Mock
}

var _ browser.Launcher = (*MockLauncher)(nil)

func (m *MockLauncher) Launch(ctx context.Context) (browser.Driver, error) {
	args := m.Called(ctx)
	if d := args.Get(0); d != nil {
		return d.(browser.Driver), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLauncher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- Pool and Fetch Mocks --

// MockLeaser mocks the session pool as seen by the request gate.
type MockLeaser struct {
	mock.Mock
}

func (m *MockLeaser) Acquire(ctx context.Context) (*browser.Session, error) {
	args := m.Called(ctx)
	if s := args.Get(0); s != nil {
		return s.(*browser.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLeaser) Release(ctx context.Context, s *browser.Session) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockLeaser) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockReleaser mocks fetch.Releaser.
type MockReleaser struct {
	mock.Mock
}

var _ fetch.Releaser = (*MockReleaser)(nil)

func (m *MockReleaser) Release(ctx context.Context, s *browser.Session) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

// MockFulfiller mocks the fetch executor.
type MockFulfiller struct {
	mock.Mock
}

func (m *MockFulfiller) Fulfill(ctx context.Context, s *browser.Session, req *fetch.Request) (*fetch.Result, error) {
	args := m.Called(ctx, s, req)
	if r := args.Get(0); r != nil {
		return r.(*fetch.Result), args.Error(1)
	}
	return nil, args.Error(1)
}
