package main

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blehealth/internal/device"
	"github.com/srg/blehealth/internal/devicefactory"
	"github.com/srg/blehealth/internal/testutils"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// CommandTestSuite runs commands against a FakeRadio injected through the
// radio factory. All cmd/blehealth test suites embed it.
type CommandTestSuite struct {
	suite.Suite

	radio           *testutils.FakeRadio
	originalFactory func(string, *logrus.Logger) (device.Radio, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.radio = testutils.NewFakeRadio()
	s.originalFactory = devicefactory.RadioFactory
	devicefactory.RadioFactory = func(string, *logrus.Logger) (device.Radio, error) {
		return s.radio, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	devicefactory.RadioFactory = s.originalFactory
	resetFlags(rootCmd)
}

// ExecuteCommand runs the root command with args and returns its output.
// Logging is kept quiet unless args set --log-level.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	defer resetFlags(rootCmd)

	err := rootCmd.Execute()
	return buf.String(), err
}

// WriteConfig stores body as a config file and returns its path.
func (s *CommandTestSuite) WriteConfig(body string) string {
	path := filepath.Join(s.T().TempDir(), "blehealth.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(body), 0o600))
	return path
}

// waitUntil polls cond for up to waitFor. It is safe to call from helper
// goroutines, unlike the suite's Require.
func waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(tick)
	}
	return true
}

// resetFlags restores every flag of cmd and its children to its default,
// since cobra keeps parsed values in package-level variables.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
