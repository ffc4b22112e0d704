package client

import (
	"context"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
)

// RenewalBuffer is how long before access token expiry a renewal is attempted.
const RenewalBuffer = time.Minute

var errTokenDecode = errors.New("cannot determine token expiry")

type (
	// AuthPayload is the API response for login and token refresh.
	AuthPayload struct {
		AccessToken  string   `json:"accessToken"`
		RefreshToken string   `json:"refreshToken,omitempty"`
		User         Identity `json:"user"`
	}

	// RenewalTransport exchanges a refresh token for fresh credentials.
	RenewalTransport interface {
		RefreshToken(ctx context.Context, refreshToken string) (*AuthPayload, error)
	}

	// Session keeps stored credentials fresh by renewing the access token
	// shortly before it expires. Renewal failures are logged and swallowed;
	// the API rejects the stale token eventually and the caller handles
	// that as an expired session.
	Session struct {
		store     *CredentialStore
		transport RenewalTransport
		clock     Clock
		logger    core.Logger

		mutex sync.Mutex
		timer Timer
		gen   int // bumped on Clear; stale renewals must not commit
	}
)

func NewSession(store *CredentialStore, transport RenewalTransport, clock Clock, logger core.Logger) *Session {
	return &Session{
		store:     store,
		transport: transport,
		clock:     clock,
		logger:    logger,
	}
}

func (s *Session) Store() *CredentialStore { return s.store }

// SetAuth persists the credentials and schedules renewal. A renewal is
// scheduled even without a refresh token; the attempt is then a no-op.
func (s *Session) SetAuth(payload AuthPayload) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.commitLocked(payload)
}

// Resume re-arms renewal from previously stored credentials, e.g. on
// application start. It is a no-op when no token is stored.
func (s *Session) Resume() {
	if token := s.store.Token(); token != "" {
		s.mutex.Lock()
		s.armRenewalLocked(token)
		s.mutex.Unlock()
	}
}

// Clear cancels any pending renewal and removes stored credentials. A
// renewal already in flight is invalidated so it cannot re-persist
// credentials after the user logged out.
func (s *Session) Clear() error {
	s.mutex.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.mutex.Unlock()
	return s.store.ClearAuth()
}

// commitLocked persists the credentials and re-arms renewal; s.mutex held.
func (s *Session) commitLocked(payload AuthPayload) error {
	var err error
	if payload.RefreshToken != "" {
		err = s.store.SetAuthWithRefresh(payload.AccessToken, payload.RefreshToken, payload.User)
	} else {
		err = s.store.SetAuth(payload.AccessToken, payload.User)
	}
	if err != nil {
		return errors.Wrap(err, "persisting credentials")
	}
	s.armRenewalLocked(payload.AccessToken)
	return nil
}

// armRenewalLocked replaces any pending renewal timer; s.mutex held.
func (s *Session) armRenewalLocked(token string) {
	exp, err := decodeExpiry(token)
	if err != nil {
		// unknown expiry: nothing to schedule, not an error
		s.logger.Debug("session: skipping renewal scheduling: " + err.Error())
		return
	}

	delay := exp.Add(-RenewalBuffer).Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	gen := s.gen
	s.timer = s.clock.AfterFunc(delay, func() { s.renew(gen) })
}

func (s *Session) renew(gen int) {
	refreshToken := s.store.RefreshToken()
	if refreshToken == "" {
		return
	}

	payload, err := s.transport.RefreshToken(context.Background(), refreshToken)
	if err != nil {
		s.logger.Debug("session: token renewal failed: " + err.Error())
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if gen != s.gen {
		s.logger.Debug("session: discarding renewal that finished after logout")
		return
	}
	if err = s.commitLocked(*payload); err != nil {
		s.logger.Debug("session: persisting renewed credentials failed: " + err.Error())
	}
}

// decodeExpiry extracts the expiry claim from a JWT without verifying
// its signature. Verification is the server's job; the client only
// needs the timestamp to schedule renewal.
func decodeExpiry(token string) (time.Time, error) {
	claims := jwt.StandardClaims{}
	if _, _, err := (&jwt.Parser{}).ParseUnverified(token, &claims); err != nil {
		return time.Time{}, errTokenDecode
	}
	if claims.ExpiresAt == 0 {
		return time.Time{}, errTokenDecode
	}
	return time.Unix(claims.ExpiresAt, 0), nil
}
