package browser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSession is a controllable Session.
type fakeSession struct {
	mu           sync.Mutex
	slot         int
	disconnected bool
	closed       bool
	killed       bool
}

func (s *fakeSession) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = true
	return nil
}

func (s *fakeSession) disconnect() {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
}

// fakeLauncher launches fakeSessions and can be told to fail.
type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	failFor  map[int]int // slot -> remaining failures
	sessions []*fakeSession
}

func (l *fakeLauncher) Launch(ctx context.Context, slot int, profileDir string) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if n := l.failFor[slot]; n > 0 {
		l.failFor[slot] = n - 1
		return nil, errors.New("launch blew up")
	}
	s := &fakeSession{slot: slot}
	l.sessions = append(l.sessions, s)
	return s, nil
}

func newTestPool(t *testing.T, size int, launcher *fakeLauncher) *Pool {
	t.Helper()
	if launcher.failFor == nil {
		launcher.failFor = map[int]int{}
	}
	p := NewPool(Config{
		Size:            size,
		ProfileRoot:     t.TempDir(),
		AcquirePoll:     5 * time.Millisecond,
		RecreateBackoff: 20 * time.Millisecond,
		CloseTimeout:    time.Second,
	}, launcher)
	return p
}

func TestInitAllOrNothing(t *testing.T) {
	launcher := &fakeLauncher{failFor: map[int]int{3: 1}}
	p := newTestPool(t, 3, launcher)

	err := p.Init(context.Background())
	require.Error(t, err)

	// The two sessions that did launch were torn down again.
	require.Len(t, launcher.sessions, 2)
	for _, s := range launcher.sessions {
		require.True(t, s.closed || s.killed, "leaked session for slot %d", s.slot)
	}
	require.False(t, p.Status().Initialized)
}

func TestAcquireReleaseCycle(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, 2, launcher)
	require.NoError(t, p.Init(context.Background()))

	s1, err := p.Acquire(time.Second)
	require.NoError(t, err)
	s2, err := p.Acquire(time.Second)
	require.NoError(t, err)
	require.NotSame(t, s1, s2)

	st := p.Status()
	require.Equal(t, 2, st.Total)
	require.Equal(t, 0, st.Available)
	require.Equal(t, 2, st.Busy)

	p.Release(s1)
	st = p.Status()
	require.Equal(t, 1, st.Available)
	require.Equal(t, 1, st.Busy)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, 1, launcher)
	require.NoError(t, p.Init(context.Background()))

	_, err := p.Acquire(time.Second)
	require.NoError(t, err)

	_, err = p.Acquire(30 * time.Millisecond)
	require.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestAcquireRecreatesDisconnectedSession(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, 1, launcher)
	require.NoError(t, p.Init(context.Background()))

	launcher.sessions[0].disconnect()

	sess, err := p.Acquire(time.Second)
	require.NoError(t, err)
	require.False(t, sess.Disconnected())
	require.NotSame(t, launcher.sessions[0], sess)

	// Slot identity is preserved across the recreation.
	require.Equal(t, 1, sess.(*fakeSession).slot)
	require.Equal(t, 1, p.Status().Total)
}

func TestReleaseDedupesAvailableList(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, 1, launcher)
	require.NoError(t, p.Init(context.Background()))

	sess, err := p.Acquire(time.Second)
	require.NoError(t, err)
	p.Release(sess)
	p.Release(sess) // double release must not duplicate the slot

	s1, err := p.Acquire(time.Second)
	require.NoError(t, err)
	_, err = p.Acquire(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrAcquireTimeout, "slot 1 handed out twice")
	p.Release(s1)
}

func TestFailedRecreationBacksOffThenRevives(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, 1, launcher)
	require.NoError(t, p.Init(context.Background()))

	launcher.mu.Lock()
	launcher.failFor[1] = 1
	launcher.mu.Unlock()
	launcher.sessions[0].disconnect()

	_, err := p.Acquire(50 * time.Millisecond)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAcquireTimeout)

	// After the back-off the slot relaunches and becomes available again.
	require.Eventually(t, func() bool {
		return p.Status().Available == 1
	}, time.Second, 10*time.Millisecond)

	sess, err := p.Acquire(time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, sess.(*fakeSession).slot)
}

func TestCloseAllClosesEverySession(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, 3, launcher)
	require.NoError(t, p.Init(context.Background()))

	p.CloseAll()
	for _, s := range launcher.sessions {
		require.True(t, s.closed)
	}
	st := p.Status()
	require.Equal(t, 0, st.Total)
	require.False(t, st.Initialized)

	_, err := p.Acquire(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestSlotAppearsInExactlyOneSet(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, 3, launcher)
	require.NoError(t, p.Init(context.Background()))

	s1, _ := p.Acquire(time.Second)
	st := p.Status()
	require.Equal(t, st.Total, st.Available+st.Busy)
	p.Release(s1)
	st = p.Status()
	require.Equal(t, st.Total, st.Available+st.Busy)
	require.Equal(t, 3, st.Available)
}

func TestCloneProfilesRefusesLockedMaster(t *testing.T) {
	master := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(master, "prefs.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(master, "SingletonLock"), nil, 0o644))

	err := CloneProfiles(master, t.TempDir(), 2)
	require.Error(t, err)
	require.Contains(t, err.Error(), "SingletonLock")
}

func TestCloneProfilesCopiesTree(t *testing.T) {
	master := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(master, "Default"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(master, "Default", "Cookies"), []byte("jar"), 0o644))

	root := t.TempDir()
	require.NoError(t, CloneProfiles(master, root, 2))

	for _, n := range []string{"profile_1", "profile_2"} {
		b, err := os.ReadFile(filepath.Join(root, n, "Default", "Cookies"))
		require.NoError(t, err)
		require.Equal(t, "jar", string(b))
	}
}
