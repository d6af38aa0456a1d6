package lease

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var secret = []byte("unit-test-lease-secret-material-32b")

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestLease(clock *fakeClock) *Lease {
	return New(180*time.Second, 90, "op-1", secret, quietLogger(), WithClock(clock.Now))
}

func TestExpiryByElapsedTime(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	l := newTestLease(clock)

	assert.False(t, l.Expired(nil))
	assert.Equal(t, 180*time.Second, l.Remaining())

	clock.Advance(179 * time.Second)
	assert.False(t, l.Expired(nil))
	assert.Equal(t, time.Second, l.Remaining())

	clock.Advance(time.Second)
	assert.True(t, l.Expired(nil))
	assert.Equal(t, time.Duration(0), l.Remaining())
}

func TestExpiryByRiskThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	l := newTestLease(clock)

	low := 89.9
	assert.False(t, l.Expired(&low))

	at := 90.0
	assert.True(t, l.Expired(&at), "risk at threshold expires the lease")
}

func TestExtendWithValidToken(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	l := newTestLease(clock)

	token, err := IssueToken(secret, "op-1",
		[]string{PermissionOverrideSecurity}, 15*time.Minute, clock.Now())
	require.NoError(t, err)

	total, err := l.Extend(60*time.Second, token)
	require.NoError(t, err)
	assert.Equal(t, 240*time.Second, total)
	assert.Equal(t, 240*time.Second, l.Remaining())
}

func TestExtendDeniedWithoutOverridePermission(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	l := newTestLease(clock)

	token, err := IssueToken(secret, "op-1", []string{"READ_ONLY"}, 15*time.Minute, clock.Now())
	require.NoError(t, err)

	_, err = l.Extend(60*time.Second, token)
	assert.True(t, errors.Is(err, ErrExtensionDenied))
	assert.Equal(t, 180*time.Second, l.Remaining(), "denied extension leaves duration unchanged")
}

func TestExtendDeniedWithWrongSecret(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	l := newTestLease(clock)

	token, err := IssueToken([]byte("some-other-secret-entirely-here!"), "op-1",
		[]string{PermissionOverrideSecurity}, 15*time.Minute, clock.Now())
	require.NoError(t, err)

	_, err = l.Extend(60*time.Second, token)
	assert.True(t, errors.Is(err, ErrExtensionDenied))
}

func TestExtendDeniedWithExpiredToken(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	l := newTestLease(clock)

	token, err := IssueToken(secret, "op-1",
		[]string{PermissionOverrideSecurity}, time.Minute, clock.Now().Add(-time.Hour))
	require.NoError(t, err)

	_, err = l.Extend(60*time.Second, token)
	assert.True(t, errors.Is(err, ErrExtensionDenied))
}

func TestExtendDeniedWithWrongIssuer(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	l := newTestLease(clock)

	claims := jwt.MapClaims{
		"iss":         "somebody-else",
		"aud":         Audience,
		"sub":         "op-1",
		"exp":         clock.Now().Add(time.Hour).Unix(),
		"permissions": []string{PermissionOverrideSecurity},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = l.Extend(60*time.Second, token)
	assert.True(t, errors.Is(err, ErrExtensionDenied))
}
