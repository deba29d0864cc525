package mls

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bananahana720/phx-property-collector/internal/config"
	"github.com/bananahana720/phx-property-collector/internal/errs"
)

// solverServer emulates the 2captcha wire protocol: in.php accepts the
// challenge, res.php answers "not ready" pendingPolls times before the
// final response.
func solverServer(t *testing.T, pendingPolls int32, finalStatus int, finalToken string) (*httptest.Server, *int32) {
	t.Helper()
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/in.php", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "userrecaptcha", r.URL.Query().Get("method"))
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		assert.Equal(t, "site-key-1", r.URL.Query().Get("googlekey"))
		assert.Equal(t, "https://mls.example.com/search", r.URL.Query().Get("pageurl"))
		_ = json.NewEncoder(w).Encode(solverResponse{Status: 1, Request: "42"})
	})
	mux.HandleFunc("/res.php", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("id"))
		n := atomic.AddInt32(&polls, 1)
		if n <= pendingPolls {
			_ = json.NewEncoder(w).Encode(solverResponse{Status: 0, Request: "CAPCHA_NOT_READY"})
			return
		}
		_ = json.NewEncoder(w).Encode(solverResponse{Status: finalStatus, Request: finalToken})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func testSolver(srv *httptest.Server) *CaptchaSolver {
	s := NewCaptchaSolver(config.CaptchaConfig{
		Enabled:     true,
		Service:     srv.URL,
		APIKey:      "test-key",
		TimeoutSecs: 10,
	})
	s.pollInterval = 2 * time.Millisecond
	return s
}

func testChallenge() Challenge {
	return Challenge{SiteKey: "site-key-1", PageURL: "https://mls.example.com/search"}
}

func TestCaptchaSolveReturnsToken(t *testing.T) {
	srv, polls := solverServer(t, 2, 1, "token-xyz")
	s := testSolver(srv)

	token, err := s.Solve(context.Background(), testChallenge())
	require.NoError(t, err)
	assert.Equal(t, "token-xyz", token)
	assert.Equal(t, int32(3), atomic.LoadInt32(polls))
}

func TestCaptchaSolveSolverFailure(t *testing.T) {
	srv, _ := solverServer(t, 0, 0, "ERROR_CAPTCHA_UNSOLVABLE")
	s := testSolver(srv)

	_, err := s.Solve(context.Background(), testChallenge())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCaptchaUnsolved))
	assert.Contains(t, err.Error(), "ERROR_CAPTCHA_UNSOLVABLE")
}

func TestCaptchaSolveSubmitRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/in.php", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(solverResponse{Status: 0, Request: "ERROR_WRONG_USER_KEY"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	s := testSolver(srv)

	_, err := s.Solve(context.Background(), testChallenge())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCaptchaUnsolved))
	assert.Contains(t, err.Error(), "rejected")
}

func TestCaptchaSolveTimesOut(t *testing.T) {
	srv, _ := solverServer(t, 1<<30, 1, "never")
	s := testSolver(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Solve(ctx, testChallenge())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCaptchaUnsolved))
	assert.Contains(t, err.Error(), "timed out")
}

func TestCaptchaSolveUnreachableService(t *testing.T) {
	s := NewCaptchaSolver(config.CaptchaConfig{
		Service:     "http://127.0.0.1:1",
		APIKey:      "test-key",
		TimeoutSecs: 2,
	})
	s.pollInterval = 2 * time.Millisecond

	_, err := s.Solve(context.Background(), testChallenge())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCaptchaUnsolved))
}
