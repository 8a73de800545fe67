package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// MockAdapterSuite is a reusable testify suite that hands out pre-wired adapter fixtures.
//
//	type ManagerSuite struct {
//	    testutils.MockAdapterSuite
//	}
//
//	func (s *ManagerSuite) TestConnect() {
//	    a := s.WithAdapter().WithDevice("AA", "Head unit").Build()
//	    ...
//	}
//
// Fixtures built during a test are collected in Adapters and reset after each test.
type MockAdapterSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	// Timeout bounds asynchronous waits (Eventually, Sync).
	Timeout time.Duration
	// Tick is the polling interval used with Timeout.
	Tick time.Duration

	Adapters []*AdapterFixture
}

// SetupSuite is called once before all tests in the suite.
func (s *MockAdapterSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Timeout = 2 * time.Second
	s.Tick = 5 * time.Millisecond
	s.Logger.Debug("Suite setup completed")
}

// TearDownTest forgets fixtures built by the finished test.
func (s *MockAdapterSuite) TearDownTest() {
	s.Adapters = nil
}

// WithAdapter returns a builder whose fixture is bound to the current test.
func (s *MockAdapterSuite) WithAdapter() *SuiteAdapterBuilder {
	return &SuiteAdapterBuilder{AdapterBuilder: NewAdapterBuilder(s.T()), suite: s}
}

// SuiteAdapterBuilder records the fixture it builds on the owning suite.
type SuiteAdapterBuilder struct {
	*AdapterBuilder
	suite *MockAdapterSuite
}

func (b *SuiteAdapterBuilder) WithDevice(address, name string) *SuiteAdapterBuilder {
	b.AdapterBuilder.WithDevice(address, name)
	return b
}

func (b *SuiteAdapterBuilder) WithConnectionType(ct string) *SuiteAdapterBuilder {
	b.AdapterBuilder.WithConnectionType(ct)
	return b
}

func (b *SuiteAdapterBuilder) Uninitialised() *SuiteAdapterBuilder {
	b.AdapterBuilder.Uninitialised()
	return b
}

func (b *SuiteAdapterBuilder) WithInitError(err error) *SuiteAdapterBuilder {
	b.AdapterBuilder.WithInitError(err)
	return b
}

func (b *SuiteAdapterBuilder) Build() *AdapterFixture {
	f := b.AdapterBuilder.Build()
	b.suite.Adapters = append(b.suite.Adapters, f)
	return f
}

func (b *SuiteAdapterBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *SuiteAdapterBuilder {
	b.AdapterBuilder.FromJSON(jsonStrFmt, args...)
	return b
}
