package main

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/stretchr/testify/suite"
)

// quickConfig runs the loopback adapter with short windows so commands finish fast.
const quickConfig = `
disconnect_timeout: 200ms
adapters:
  loopback:
    enabled: true
    search_window: 200ms
    dial_timeout: 1s
    peers:
      - address: loop-1
        name: Echo
        apps: [1]
      - address: loop-2
        name: Gauge
        apps: [1, 2]
`

// CommandTestSuite runs linkctl commands against a loopback-only configuration.
type CommandTestSuite struct {
	suite.Suite
	configPath string
}

func (s *CommandTestSuite) SetupTest() {
	s.configPath = s.WriteConfig(quickConfig)
}

// WriteConfig stores body as a config file and returns its path.
func (s *CommandTestSuite) WriteConfig(body string) string {
	path := filepath.Join(s.T().TempDir(), "linkctl.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(body), 0o600), "config file MUST be written")
	return path
}

// ExecuteCommand runs linkctl with the suite config prepended to args.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (stdout, stderr string, err error) {
	return s.ExecuteWithConfig(s.configPath, args...)
}

func (s *CommandTestSuite) ExecuteWithConfig(configPath string, args ...string) (stdout, stderr string, err error) {
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err = root.ExecuteContext(s.T().Context())
	return out.String(), errOut.String(), err
}
