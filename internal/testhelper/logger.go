package testhelper

import (
	"io"
	"os"
	"testing"

	"github.com/proxmox/ceph-sub001/internal/log"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that should be used in the tests. Output is written to stdout when
// the tests are run with `-v`, otherwise it is discarded.
func NewLogger(tb testing.TB) log.Logger {
	tb.Helper()

	logger := logrus.New() //nolint:forbidigo
	logger.Out = io.Discard
	if testing.Verbose() {
		logger.Out = os.Stdout
		logger.SetLevel(logrus.DebugLevel)
	}

	return log.FromLogrusEntry(logrus.NewEntry(logger))
}

// LoggerHook records the entries written to a logger created with NewCapturingLogger.
type LoggerHook struct {
	hook *test.Hook
}

// AllEntries returns all the entries that have been logged.
func (h LoggerHook) AllEntries() []*logrus.Entry {
	return h.hook.AllEntries()
}

// LastEntry returns the last logged entry or nil if nothing was logged.
func (h LoggerHook) LastEntry() *logrus.Entry {
	return h.hook.LastEntry()
}

// Messages returns the messages of all logged entries in order.
func (h LoggerHook) Messages() []string {
	entries := h.hook.AllEntries()
	messages := make([]string, 0, len(entries))
	for _, entry := range entries {
		messages = append(messages, entry.Message)
	}
	return messages
}

// NewCapturingLogger returns a logger that records all entries in the returned hook.
func NewCapturingLogger(tb testing.TB) (log.Logger, LoggerHook) {
	tb.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	return log.FromLogrusEntry(logrus.NewEntry(logger)), LoggerHook{hook: hook}
}
