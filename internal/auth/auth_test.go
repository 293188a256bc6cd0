package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/referral-sync/pkg/config"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
	"github.com/medrex/referral-sync/pkg/types"
)

func newTokenManager(t *testing.T) *TokenManager {
	t.Helper()
	tm, err := NewTokenManager(config.JWTConfig{
		SecretKey:      "test-secret",
		AccessTokenTTL: 900,
		Issuer:         "referral-sync",
		Audience:       "agents",
	})
	require.NoError(t, err)
	return tm
}

func TestTokenManager_IssueAndValidate(t *testing.T) {
	tm := newTokenManager(t)

	token, err := tm.Issue(types.DeviceClaims{DeviceID: "clinic-7", Facility: "Coast General"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, int64(900), token.ExpiresIn)

	claims, err := tm.Validate(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "clinic-7", claims.DeviceID)
	assert.Equal(t, "Coast General", claims.Facility)
}

func TestTokenManager_RejectsExpiredToken(t *testing.T) {
	tm := newTokenManager(t)
	tm.now = func() time.Time { return time.Now().Add(-time.Hour) }

	token, err := tm.Issue(types.DeviceClaims{DeviceID: "clinic-7"})
	require.NoError(t, err)

	tm.now = time.Now
	_, err = tm.Validate(token.AccessToken)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestTokenManager_RejectsForeignSignatureAndAlgorithm(t *testing.T) {
	tm := newTokenManager(t)

	other, err := NewTokenManager(config.JWTConfig{SecretKey: "other-secret", Issuer: "referral-sync", Audience: "agents"})
	require.NoError(t, err)
	token, err := other.Issue(types.DeviceClaims{DeviceID: "clinic-7"})
	require.NoError(t, err)

	_, err = tm.Validate(token.AccessToken)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &deviceClaims{
		DeviceID: "clinic-7",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = tm.Validate(unsigned)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestTokenManager_RequiresSecret(t *testing.T) {
	_, err := NewTokenManager(config.JWTConfig{})
	assert.Error(t, err)
}

func TestSecrets(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 32)

	hashed, err := HashSecret(secret)
	require.NoError(t, err)

	ok, err := VerifySecret(hashed, secret)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySecret(hashed, "wrong-secret")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifySecret("not-a-hash", secret)
	assert.Error(t, err)
}

func TestRateLimiter_PerKeyBuckets(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	now = now.Add(time.Hour)
	assert.True(t, rl.Allow("b"))
	assert.Equal(t, 1, rl.Cleanup(30*time.Minute))
}

func TestMiddleware_RequireDevice(t *testing.T) {
	tm := newTokenManager(t)
	metrics := monitoring.NewMetricsCollector("server")
	mw := NewMiddleware(tm, nil, metrics, logger.Discard())

	var seen *types.DeviceClaims
	handler := mw.RequireDevice(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sync/pull", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/pull", nil)
	req.Header.Set("Authorization", "Token abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sync/pull", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), types.ErrCodeUnauthorized)

	token, err := tm.Issue(types.DeviceClaims{DeviceID: "clinic-7"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/sync/pull", nil)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "clinic-7", seen.DeviceID)
}

func TestMiddleware_RateLimitPerDevice(t *testing.T) {
	mw := NewMiddleware(newTokenManager(t), NewRateLimiter(60, 1), nil, logger.Discard())
	handler := mw.RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	call := func(device string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/push", nil)
		req = req.WithContext(WithClaims(req.Context(), &types.DeviceClaims{DeviceID: device}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("clinic-7"))
	assert.Equal(t, http.StatusTooManyRequests, call("clinic-7"))
	assert.Equal(t, http.StatusOK, call("clinic-9"))
}
