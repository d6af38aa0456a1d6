// Package lease implements the controlled-autonomy lease: a wall-clock
// authority window that expires on elapsed time or when an externally
// supplied risk score crosses a threshold. It is consulted at lease
// boundaries, not as a per-step gate, and extension requires an
// elevated-permission token.
package lease

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PermissionOverrideSecurity is the claim required to extend a lease.
const PermissionOverrideSecurity = "OVERRIDE_SECURITY"

// Token claim constants.
const (
	Issuer   = "keel-auth"
	Audience = "keel-api"
)

// ErrExtensionDenied is returned when the extension token lacks the required
// permission or fails validation.
var ErrExtensionDenied = errors.New("lease extension denied")

// Lease is one controlled-autonomy window.
type Lease struct {
	mu            sync.Mutex
	start         time.Time
	duration      time.Duration
	riskThreshold float64
	operatorID    string
	secret        []byte
	clock         func() time.Time
	logger        *slog.Logger
}

// Option configures a Lease.
type Option func(*Lease)

// WithClock overrides the time source for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Lease) { l.clock = clock }
}

// New starts a lease for operatorID. secret verifies extension tokens.
func New(duration time.Duration, riskThreshold float64, operatorID string, secret []byte, logger *slog.Logger, opts ...Option) *Lease {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lease{
		duration:      duration,
		riskThreshold: riskThreshold,
		operatorID:    operatorID,
		secret:        secret,
		clock:         time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.start = l.clock()
	logger.Info("lease created", "operator", operatorID, "duration", duration)
	return l
}

// Expired reports whether the lease has run out. A non-nil risk score at or
// above the threshold expires the lease regardless of remaining time.
func (l *Lease) Expired(risk *float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clock().Sub(l.start) >= l.duration {
		return true
	}
	return risk != nil && *risk >= l.riskThreshold
}

// Remaining returns the wall-clock time left, floored at zero.
func (l *Lease) Remaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	left := l.duration - l.clock().Sub(l.start)
	if left < 0 {
		return 0
	}
	return left
}

// Extend lengthens the lease by additional. The token must be a valid JWT
// signed with the lease secret, carrying the override-security permission.
func (l *Lease) Extend(additional time.Duration, tokenString string) (time.Duration, error) {
	claims, err := l.validateToken(tokenString)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrExtensionDenied, err)
	}
	if !hasPermission(claims, PermissionOverrideSecurity) {
		return 0, fmt.Errorf("%w: missing %s permission", ErrExtensionDenied, PermissionOverrideSecurity)
	}

	l.mu.Lock()
	l.duration += additional
	total := l.duration
	l.mu.Unlock()

	l.logger.Info("lease extended",
		"operator", l.operatorID, "additional", additional, "total", total)
	return total, nil
}

func (l *Lease) validateToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return l.secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.clock),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	return claims, nil
}

func hasPermission(claims jwt.MapClaims, perm string) bool {
	raw, ok := claims["permissions"].([]any)
	if !ok {
		return false
	}
	for _, p := range raw {
		if s, ok := p.(string); ok && s == perm {
			return true
		}
	}
	return false
}

// IssueToken mints an operator token with the given permissions. Used by the
// CLI and by tests; production deployments may bring their own issuer as
// long as claims and signing match.
func IssueToken(secret []byte, operatorID string, permissions []string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":         Issuer,
		"aud":         Audience,
		"sub":         operatorID,
		"iat":         now.Unix(),
		"exp":         now.Add(ttl).Unix(),
		"permissions": permissions,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
