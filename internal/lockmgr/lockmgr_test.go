package lockmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryAcquireExcludesSecondCaller(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	lk, err := m.TryAcquire(QueueDrain)
	require.NoError(t, err)
	require.NotNil(t, lk)

	m2 := New(dir)
	_, err = m2.TryAcquire(QueueDrain)
	require.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, lk.Release(m))

	lk2, err := m2.TryAcquire(QueueDrain)
	require.NoError(t, err)
	require.NoError(t, lk2.Release(m2))
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	lk, err := m.Acquire(IdGen, time.Second)
	require.NoError(t, err)
	defer lk.Release(m)

	m2 := New(dir)
	_, err = m2.Acquire(IdGen, 100*time.Millisecond)
	require.Error(t, err)
}

func TestOutOfOrderAcquireRejected(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	lk, err := m.Acquire(IdGen, time.Second)
	require.NoError(t, err)
	defer lk.Release(m)

	_, err = m.Acquire(Scheduler, time.Second)
	require.Error(t, err)
}

func TestReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	lk, err := m.TryAcquire(QueueDrain)
	require.NoError(t, err)
	require.NoError(t, lk.Release(m))
	require.NoError(t, lk.Release(m))
}
