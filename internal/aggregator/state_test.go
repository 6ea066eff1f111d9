package aggregator

import (
	"testing"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSigner_RoundTrip(t *testing.T) {
	s := NewStateSigner("state-secret", time.Minute)

	state, err := s.Issue("user-1")
	require.NoError(t, err)

	userID, err := s.Parse(state)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestStateSigner_StatesAreUnique(t *testing.T) {
	s := NewStateSigner("state-secret", time.Minute)
	a, err := s.Issue("user-1")
	require.NoError(t, err)
	b, err := s.Issue("user-1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestStateSigner_Invalid(t *testing.T) {
	s := NewStateSigner("state-secret", time.Minute)

	expired := NewStateSigner("state-secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expiredState, err := expired.Issue("user-1")
	require.NoError(t, err)

	forged, err := NewStateSigner("other-secret", time.Minute).Issue("user-1")
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer: stateIssuer, Subject: "user-1",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: "someone-else", Subject: "user-1",
	}).SignedString([]byte("state-secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		state string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"expired", expiredState},
		{"wrong key", forged},
		{"unsigned", noneAlg},
		{"foreign issuer", foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Parse(tt.state)
			assert.True(t, apperr.Is(err, apperr.KindInvalidState), "got %v", err)
		})
	}
}

func TestStateSigner_IssueRequiresUser(t *testing.T) {
	_, err := NewStateSigner("k", 0).Issue("")
	assert.Error(t, err)
}
