package identity

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestProvider(t *testing.T, now time.Time) *JWTProvider {
	t.Helper()
	p, err := NewJWTProvider(JWTConfig{Secret: testSecret, Issuer: "sokudo", Now: func() time.Time { return now }})
	require.NoError(t, err)
	return p
}

func TestJWTIssueAndIdentify(t *testing.T) {
	now := time.Unix(1767225600, 0)
	p := newTestProvider(t, now)

	tok, err := p.Issue("u1", "Ann", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	id, err := p.Identify(r)
	require.NoError(t, err)
	assert.Equal(t, race.Identity{UserID: "u1", DisplayName: "Ann"}, id)

	r = httptest.NewRequest("GET", "/ws?token="+tok, nil)
	id, err = p.Identify(r)
	require.NoError(t, err)
	assert.Equal(t, race.UserID("u1"), id.UserID)
}

func TestJWTRejections(t *testing.T) {
	now := time.Unix(1767225600, 0)
	p := newTestProvider(t, now)

	expired, err := p.Issue("u1", "Ann", -time.Minute)
	require.NoError(t, err)
	_, err = p.Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other, err := NewJWTProvider(JWTConfig{Secret: []byte("another-secret-entirely-0000"), Issuer: "sokudo", Now: func() time.Time { return now }})
	require.NoError(t, err)
	forged, err := other.Issue("u1", "Ann", time.Hour)
	require.NoError(t, err)
	_, err = p.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := NewJWTProvider(JWTConfig{Secret: testSecret, Issuer: "elsewhere", Now: func() time.Time { return now }})
	require.NoError(t, err)
	tok, err := wrongIssuer.Issue("u1", "Ann", time.Hour)
	require.NoError(t, err)
	_, err = p.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    "sokudo",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = p.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = p.Identify(httptest.NewRequest("GET", "/ws", nil))
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestJWTRequiresSecret(t *testing.T) {
	_, err := NewJWTProvider(JWTConfig{})
	assert.Error(t, err)
}

func TestQueryProvider(t *testing.T) {
	var p QueryProvider

	id, err := p.Identify(httptest.NewRequest("GET", "/ws?userId=u7&userName=Zed", nil))
	require.NoError(t, err)
	assert.Equal(t, race.Identity{UserID: "u7", DisplayName: "Zed"}, id)

	id, err = p.Identify(httptest.NewRequest("GET", "/ws?userId=u8", nil))
	require.NoError(t, err)
	assert.Equal(t, "u8", id.DisplayName, "name falls back to the user id")

	_, err = p.Identify(httptest.NewRequest("GET", "/ws", nil))
	assert.ErrorIs(t, err, ErrMissingCredentials)

	_, err = p.Identify(httptest.NewRequest("GET", "/ws?userId="+strings.Repeat("x", 200), nil))
	assert.ErrorIs(t, err, ErrInvalidUser)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "Ann Lee", SanitizeName("  Ann\x00\n  Lee "))
	assert.Len(t, []rune(SanitizeName(strings.Repeat("é", 100))), maxNameLen)
}

func TestPeek(t *testing.T) {
	p := newTestProvider(t, time.Now())
	tok, err := p.Issue("u7", "Zed", time.Hour)
	require.NoError(t, err)

	id, err := Peek(tok)
	require.NoError(t, err)
	assert.Equal(t, race.Identity{UserID: "u7", DisplayName: "Zed"}, id)

	_, err = Peek("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
