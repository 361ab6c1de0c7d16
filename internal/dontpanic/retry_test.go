package dontpanic_test

import (
	"errors"
	"testing"

	"github.com/proxmox/ceph-sub001/internal/dontpanic"
	"github.com/proxmox/ceph-sub001/internal/testhelper"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

func TestTry(t *testing.T) {
	t.Parallel()

	expectErr := errors.New("monkey wrench")
	actualErr := dontpanic.Try(func() { panic(expectErr) })
	require.Exactly(t, expectErr, actualErr)
}

func TestGo(t *testing.T) {
	t.Parallel()

	expectErr := errors.New("monkey wrench")
	recoverQ := dontpanic.Go(func() { panic(expectErr) })
	for actualErr := range recoverQ {
		require.Exactly(t, expectErr, actualErr)
	}
}

func TestGoNoConsume(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	dontpanic.Go(func() { close(done) })
	<-done
}

func TestGuard(t *testing.T) {
	t.Parallel()

	logger, hook := testhelper.NewCapturingLogger(t)

	require.True(t, dontpanic.Guard(logger, func() { panic("monkey wrench") }))
	require.Equal(t, "dontpanic: panic handled", hook.LastEntry().Message)
	require.Equal(t, "monkey wrench", hook.LastEntry().Data["panic"])

	ran := false
	require.False(t, dontpanic.Guard(logger, func() { ran = true }))
	require.True(t, ran)
	require.Len(t, hook.AllEntries(), 1)
}
