package testutils

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewTestLogger returns a debug-level logger that discards output unless
// BLEHEALTH_TEST_LOG is set.
func NewTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	if os.Getenv("BLEHEALTH_TEST_LOG") == "" {
		logger.SetOutput(io.Discard)
	}
	return logger
}
