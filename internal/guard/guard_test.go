package guard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeMarker(t *testing.T, path string, h Holder) {
	t.Helper()
	b, err := h.encode()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

func TestHolderMarkerFormat(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	b, err := Holder{PID: 4242, Host: "box", Token: "t1", AcquiredAt: at}.encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"pid":4242,"host":"box","token":"t1","acquiredAt":"2026-03-02T10:00:00Z"}`, string(b))

	h, err := decodeHolder([]byte(`{"pid":7,"host":"other","token":"t2","acquiredAt":"2026-03-02T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, 7, h.PID)
	assert.True(t, h.AcquiredAt.Equal(at))

	_, err = decodeHolder([]byte(`{"host":"other"}`))
	assert.Error(t, err)
}

func TestFileGuardAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "engine.lock")
	g := NewFileGuard(path, discardLogger())

	require.NoError(t, g.Acquire(context.Background()))
	h, err := g.read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), h.PID)

	require.NoError(t, g.Release(context.Background()))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileGuardRefusesLiveHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")
	writeMarker(t, path, Holder{PID: 4242, Host: "other", Token: "t1", AcquiredAt: time.Now()})

	g := NewFileGuard(path, discardLogger())
	g.alive = func(pid int) bool { return pid == 4242 }

	err := g.Acquire(context.Background())
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Contains(t, err.Error(), "pid 4242")

	h, err := g.read()
	require.NoError(t, err)
	assert.Equal(t, "t1", h.Token, "live marker is untouched")
}

func TestFileGuardRefusesParentProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")
	writeMarker(t, path, Holder{PID: os.Getppid(), Host: "h", Token: "parent"})

	g := NewFileGuard(path, discardLogger())
	assert.ErrorIs(t, g.Acquire(context.Background()), domain.ErrAlreadyRunning)
}

func TestFileGuardReclaims(t *testing.T) {
	cases := map[string]func(t *testing.T, path string){
		"dead pid": func(t *testing.T, path string) {
			writeMarker(t, path, Holder{PID: 999999, Host: "h", Token: "old"})
		},
		"own pid": func(t *testing.T, path string) {
			writeMarker(t, path, Holder{PID: os.Getpid(), Host: "h", Token: "old"})
		},
		"garbage": func(t *testing.T, path string) {
			require.NoError(t, os.WriteFile(path, []byte("{half"), 0o644))
		},
	}
	for name, seed := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "engine.lock")
			seed(t, path)

			g := NewFileGuard(path, discardLogger())
			g.alive = func(int) bool { return false }
			require.NoError(t, g.Acquire(context.Background()))

			h, err := g.read()
			require.NoError(t, err)
			assert.NotEqual(t, "old", h.Token)
			assert.Equal(t, os.Getpid(), h.PID)
		})
	}
}

func TestFileGuardReleaseLeavesForeignMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")
	g := NewFileGuard(path, discardLogger())
	require.NoError(t, g.Acquire(context.Background()))

	writeMarker(t, path, Holder{PID: 7, Host: "h", Token: "someone-else"})
	require.NoError(t, g.Release(context.Background()))

	h, err := g.read()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", h.Token)
}

type fakeMarker struct {
	mu         sync.Mutex
	value      []byte
	ttl        time.Duration
	refreshes  int
	refreshErr error
}

func (m *fakeMarker) Acquire(_ context.Context, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.value != nil {
		return domain.ErrLockHeld
	}
	m.value = value
	return nil
}

func (m *fakeMarker) Holder(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.value == nil {
		return nil, domain.ErrNotFound
	}
	return m.value, nil
}

func (m *fakeMarker) Refresh(_ context.Context, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	if m.refreshErr != nil {
		return m.refreshErr
	}
	if string(m.value) != string(value) {
		return domain.ErrLockLost
	}
	return nil
}

func (m *fakeMarker) Release(_ context.Context, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if string(m.value) == string(value) {
		m.value = nil
	}
	return nil
}

func (m *fakeMarker) TTL() time.Duration { return m.ttl }

func (m *fakeMarker) refreshCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

func TestRedisGuardHeldElsewhere(t *testing.T) {
	b, _ := Holder{PID: 12, Host: "box-a", Token: "x"}.encode()
	m := &fakeMarker{value: b, ttl: time.Minute}
	g := NewRedisGuard(m, discardLogger())

	err := g.Acquire(context.Background())
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Contains(t, err.Error(), "box-a")
}

func TestRedisGuardHeartbeatAndRelease(t *testing.T) {
	m := &fakeMarker{ttl: 30 * time.Millisecond}
	g := NewRedisGuard(m, discardLogger())
	require.NoError(t, g.Acquire(context.Background()))

	assert.Eventually(t, func() bool { return m.refreshCount() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, g.Release(context.Background()))

	_, err := m.Holder(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisGuardLost(t *testing.T) {
	m := &fakeMarker{ttl: 30 * time.Millisecond}
	g := NewRedisGuard(m, discardLogger())
	require.NoError(t, g.Acquire(context.Background()))

	m.mu.Lock()
	m.value = []byte("stolen")
	m.mu.Unlock()

	select {
	case <-g.Lost():
	case <-time.After(time.Second):
		t.Fatal("lost not signalled")
	}
	require.NoError(t, g.Release(context.Background()))
}

func TestRedisGuardTransientRefreshError(t *testing.T) {
	m := &fakeMarker{ttl: 30 * time.Millisecond, refreshErr: errors.New("i/o timeout")}
	g := NewRedisGuard(m, discardLogger())
	require.NoError(t, g.Acquire(context.Background()))

	assert.Eventually(t, func() bool { return m.refreshCount() >= 3 }, time.Second, 5*time.Millisecond)
	select {
	case <-g.Lost():
		t.Fatal("transient errors must not mark the guard lost")
	default:
	}
	require.NoError(t, g.Release(context.Background()))
}
