package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	req := require.New(t)
	issuer, err := NewTokenIssuer("secret", time.Hour)
	req.NoError(err)

	token, err := issuer.Generate("user-1", "alice")
	req.NoError(err)

	claims, err := issuer.Validate(token)
	req.NoError(err)
	req.Equal("user-1", claims.UserID.String())
	req.Equal("alice", claims.Username)
	req.Equal("user-1", claims.Subject)
}

func TestTokenIssuer_Expired(t *testing.T) {
	req := require.New(t)
	issuer, err := NewTokenIssuer("secret", time.Minute)
	req.NoError(err)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return start }
	token, err := issuer.Generate("user-1", "alice")
	req.NoError(err)

	issuer.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, err = issuer.Validate(token)
	req.ErrorIs(err, jwt.ErrTokenExpired)
}

func TestTokenIssuer_WrongSecret(t *testing.T) {
	req := require.New(t)
	signer, err := NewTokenIssuer("one", time.Hour)
	req.NoError(err)
	verifier, err := NewTokenIssuer("two", time.Hour)
	req.NoError(err)

	token, err := signer.Generate("user-1", "alice")
	req.NoError(err)

	_, err = verifier.Validate(token)
	req.ErrorIs(err, jwt.ErrTokenSignatureInvalid)
}

func TestTokenIssuer_RejectsOtherAlgorithms(t *testing.T) {
	req := require.New(t)
	issuer, err := NewTokenIssuer("secret", time.Hour)
	req.NoError(err)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		UserID:           "user-1",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "gochat-relay"},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	req.NoError(err)

	_, err = issuer.Validate(token)
	req.Error(err)
}

func TestNewTokenIssuer_RequiresSecret(t *testing.T) {
	_, err := NewTokenIssuer("", time.Hour)
	require.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	req := require.New(t)
	hash, err := HashPassword("correct horse")
	req.NoError(err)
	req.NotEqual("correct horse", hash)

	ok, err := ComparePassword("correct horse", hash)
	req.NoError(err)
	req.True(ok)

	ok, err = ComparePassword("battery staple", hash)
	req.NoError(err)
	req.False(ok)

	_, err = ComparePassword("anything", "not-a-bcrypt-hash")
	req.Error(err)
}
