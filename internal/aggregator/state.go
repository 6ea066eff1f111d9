package aggregator

import (
	"errors"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// DefaultStateTTL bounds how long a user may spend on the consent screen.
const DefaultStateTTL = 15 * time.Minute

const stateIssuer = "presupuesto-facil"

// StateSigner issues and verifies the OAuth state parameter. The state is an
// HS256 JWT whose subject is the user id, so the callback can recover the user
// without a session.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateSigner creates a signer keyed by secret.
func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a state token embedding userID.
func (s *StateSigner) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    stateIssuer,
		Subject:   userID,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse returns the user id embedded in state, or an InvalidState error when
// the token is malformed, tampered with or expired.
func (s *StateSigner) Parse(state string) (string, error) {
	if state == "" {
		return "", apperr.New(apperr.KindInvalidState, "missing state")
	}
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(state, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidState, err, "invalid state")
	}
	if claims.Issuer != stateIssuer || claims.Subject == "" {
		return "", apperr.New(apperr.KindInvalidState, "invalid state")
	}
	return claims.Subject, nil
}
