package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock drives timers synchronously from the test goroutine.
type fakeClock struct {
	mutex  sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	timer := &fakeTimer{deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, timer)
	return timer
}

// advance moves the clock forward and fires due timers.
func (c *fakeClock) advance(d time.Duration) {
	c.mutex.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired && !timer.deadline.After(c.now) {
			timer.fired = true
			due = append(due, timer)
		}
	}
	c.mutex.Unlock()

	for _, timer := range due {
		timer.f()
	}
}

func (c *fakeClock) pendingTimers() []*fakeTimer {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var pending []*fakeTimer
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			pending = append(pending, timer)
		}
	}
	return pending
}

type transportMock struct {
	mutex     sync.Mutex
	calls     []string
	payload   *AuthPayload
	err       error
	onRefresh func() // runs mid round-trip, before the response is returned
}

func (m *transportMock) RefreshToken(_ context.Context, refreshToken string) (*AuthPayload, error) {
	m.mutex.Lock()
	m.calls = append(m.calls, refreshToken)
	m.mutex.Unlock()
	if m.onRefresh != nil {
		m.onRefresh()
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.payload, nil
}

func (m *transportMock) callCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.calls)
}

func signedTestToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.StandardClaims{Subject: "usr-1", ExpiresAt: exp.Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("t0p-s3cr3t"))
	require.NoError(t, err)
	return token
}

func newTestSession(transport RenewalTransport, clock Clock) *Session {
	return NewSession(NewCredentialStore(NewMemoryKeyring()), transport, clock, nopLogger{})
}

func TestSessionSchedulesRenewal(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	usr := Identity{ID: "usr-1", Role: "teacher", SchoolID: "sch-1"}

	renewed := AuthPayload{
		AccessToken:  signedTestToken(t, now.Add(20*time.Minute)),
		RefreshToken: "refresh-2",
		User:         usr,
	}
	transport := &transportMock{payload: &renewed}
	sess := newTestSession(transport, clock)

	require.NoError(t, sess.SetAuth(AuthPayload{
		AccessToken:  signedTestToken(t, now.Add(10*time.Minute)),
		RefreshToken: "refresh-1",
		User:         usr,
	}))
	require.Len(t, clock.pendingTimers(), 1)

	// nothing happens before exp - 1min
	clock.advance(8 * time.Minute)
	assert.Zero(t, transport.callCount())

	// renewal fires at exp - 1min with the stored refresh token
	clock.advance(time.Minute)
	require.Equal(t, 1, transport.callCount())
	assert.Equal(t, "refresh-1", transport.calls[0])

	// renewed credentials are persisted and the next renewal is armed
	assert.Equal(t, renewed.AccessToken, sess.Store().Token())
	assert.Equal(t, "refresh-2", sess.Store().RefreshToken())
	require.Len(t, clock.pendingTimers(), 1)
}

func TestSessionUnknownExpiry(t *testing.T) {
	clock := newFakeClock(time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC))
	transport := &transportMock{}
	sess := newTestSession(transport, clock)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage token", "not-a-jwt"},
		{"no expiry claim", func() string {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{Subject: "usr-1"}).SignedString([]byte("t0p-s3cr3t"))
			require.NoError(t, err)
			return token
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// storing succeeds; no renewal is scheduled
			require.NoError(t, sess.SetAuth(AuthPayload{AccessToken: tt.token, RefreshToken: "refresh-1"}))
			assert.Empty(t, clock.pendingTimers())
			assert.Equal(t, tt.token, sess.Store().Token())
		})
	}
}

func TestSessionSingleTimer(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	sess := newTestSession(&transportMock{}, clock)

	require.NoError(t, sess.SetAuth(AuthPayload{AccessToken: signedTestToken(t, now.Add(10*time.Minute))}))
	require.NoError(t, sess.SetAuth(AuthPayload{AccessToken: signedTestToken(t, now.Add(30*time.Minute))}))

	pending := clock.pendingTimers()
	require.Len(t, pending, 1)
	assert.Equal(t, now.Add(29*time.Minute), pending[0].deadline)
}

func TestSessionClearCancelsRenewal(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	transport := &transportMock{}
	sess := newTestSession(transport, clock)

	require.NoError(t, sess.SetAuth(AuthPayload{
		AccessToken:  signedTestToken(t, now.Add(10*time.Minute)),
		RefreshToken: "refresh-1",
	}))
	require.NoError(t, sess.Clear())

	clock.advance(time.Hour)
	assert.Zero(t, transport.callCount())
	assert.Empty(t, sess.Store().Token())
	assert.Empty(t, sess.Store().RefreshToken())
}

func TestSessionLogoutDuringRenewal(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	usr := Identity{ID: "usr-1"}
	transport := &transportMock{payload: &AuthPayload{
		AccessToken:  signedTestToken(t, now.Add(time.Hour)),
		RefreshToken: "refresh-2",
		User:         usr,
	}}
	sess := newTestSession(transport, clock)

	// the user logs out while the renewal round-trip is in flight
	transport.onRefresh = func() { require.NoError(t, sess.Clear()) }

	require.NoError(t, sess.SetAuth(AuthPayload{
		AccessToken:  signedTestToken(t, now.Add(10*time.Minute)),
		RefreshToken: "refresh-1",
		User:         usr,
	}))
	clock.advance(9 * time.Minute)
	require.Equal(t, 1, transport.callCount())

	// the late renewal must not restore the cleared credentials
	assert.Empty(t, sess.Store().Token())
	assert.Empty(t, sess.Store().RefreshToken())
	assert.Nil(t, sess.Store().User())
	assert.Empty(t, clock.pendingTimers())
}

func TestSessionRenewalWithoutRefreshToken(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	transport := &transportMock{}
	sess := newTestSession(transport, clock)

	// renewal is armed even without a refresh token; the attempt is a no-op
	require.NoError(t, sess.SetAuth(AuthPayload{AccessToken: signedTestToken(t, now.Add(10*time.Minute))}))
	require.Len(t, clock.pendingTimers(), 1)

	clock.advance(10 * time.Minute)
	assert.Zero(t, transport.callCount())
}

func TestSessionRenewalFailureIsSilent(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	transport := &transportMock{err: errors.New("api down")}
	sess := newTestSession(transport, clock)

	token := signedTestToken(t, now.Add(10*time.Minute))
	require.NoError(t, sess.SetAuth(AuthPayload{AccessToken: token, RefreshToken: "refresh-1"}))

	clock.advance(9 * time.Minute)
	require.Equal(t, 1, transport.callCount())

	// credentials are untouched; the API will reject the stale token later
	assert.Equal(t, token, sess.Store().Token())
	assert.Equal(t, "refresh-1", sess.Store().RefreshToken())
}

func TestSessionExpiredTokenRenewsImmediately(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	usr := Identity{ID: "usr-1"}
	transport := &transportMock{payload: &AuthPayload{
		AccessToken:  signedTestToken(t, now.Add(time.Hour)),
		RefreshToken: "refresh-2",
		User:         usr,
	}}
	sess := newTestSession(transport, clock)

	require.NoError(t, sess.SetAuth(AuthPayload{
		AccessToken:  signedTestToken(t, now.Add(-time.Minute)),
		RefreshToken: "refresh-1",
		User:         usr,
	}))

	clock.advance(0)
	require.Equal(t, 1, transport.callCount())
}

func TestSessionResume(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	store := NewCredentialStore(NewMemoryKeyring())
	transport := &transportMock{}
	sess := NewSession(store, transport, clock, nopLogger{})

	// nothing stored: no-op
	sess.Resume()
	assert.Empty(t, clock.pendingTimers())

	require.NoError(t, store.SetAuthWithRefresh(signedTestToken(t, now.Add(10*time.Minute)), "refresh-1", Identity{ID: "usr-1"}))
	sess.Resume()
	require.Len(t, clock.pendingTimers(), 1)
}
