package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnex/messaging/internal/storage/memory"
)

func newSecret(t *testing.T) ([]byte, string) {
	t.Helper()
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	return secret, base64.StdEncoding.EncodeToString(secret)
}

func sign(secret []byte, method, path, body, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(method + path + body + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

func sessionTestHandler() (http.Handler, *string, *string) {
	var gotUserID, gotSessionID string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = GetUserID(r.Context())
		gotSessionID = GetSessionID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return h, &gotUserID, &gotSessionID
}

func TestSessionAuthValidSignature(t *testing.T) {
	store := memory.New()
	secret, secretB64 := newSecret(t)
	require.NoError(t, store.SetSession(context.Background(), "sess1", "alice", secretB64))

	next, gotUserID, gotSessionID := sessionTestHandler()
	handler := SessionAuth(store)(next)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	body := `{"content":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(body))
	req.Header.Set("X-Session-Id", "sess1")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sign(secret, http.MethodPost, "/api/messages", body, ts))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", *gotUserID)
	assert.Equal(t, "sess1", *gotSessionID)
}

func TestSessionAuthQueryParams(t *testing.T) {
	store := memory.New()
	secret, secretB64 := newSecret(t)
	require.NoError(t, store.SetSession(context.Background(), "sess1", "alice", secretB64))

	next, gotUserID, _ := sessionTestHandler()
	handler := SessionAuth(store)(next)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := sign(secret, http.MethodGet, "/ws", "", ts)
	url := fmt.Sprintf("/ws?session_id=sess1&timestamp=%s&signature=%s", ts, sig)
	req := httptest.NewRequest(http.MethodGet, url, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", *gotUserID)
}

func TestSessionAuthRejectsBadSignature(t *testing.T) {
	store := memory.New()
	_, secretB64 := newSecret(t)
	require.NoError(t, store.SetSession(context.Background(), "sess1", "alice", secretB64))

	next, _, _ := sessionTestHandler()
	handler := SessionAuth(store)(next)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/c1", nil)
	req.Header.Set("X-Session-Id", "sess1")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", "deadbeef")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionAuthRejectsUnknownSession(t *testing.T) {
	store := memory.New()

	next, _, _ := sessionTestHandler()
	handler := SessionAuth(store)(next)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-Session-Id", "missing")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", "deadbeef")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionAuthRejectsStaleTimestamp(t *testing.T) {
	store := memory.New()
	secret, secretB64 := newSecret(t)
	require.NoError(t, store.SetSession(context.Background(), "sess1", "alice", secretB64))

	next, _, _ := sessionTestHandler()
	handler := SessionAuth(store)(next)

	ts := strconv.FormatInt(time.Now().Add(-2*TimestampSkew).Unix(), 10)
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-Session-Id", "sess1")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sign(secret, http.MethodGet, "/api", "", ts))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMaskSessionID(t *testing.T) {
	assert.Equal(t, "****", MaskSessionID("ab"))
	assert.Equal(t, "abcd***", MaskSessionID("abcdefgh"))
}
