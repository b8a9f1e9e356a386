package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/memberauth/internal/auth"
	"github.com/example/memberauth/internal/member"
	"github.com/example/memberauth/internal/security"
	"github.com/example/memberauth/internal/store"
	"github.com/example/memberauth/internal/sweeper"
	"github.com/example/memberauth/internal/token"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	app     *App
	handler http.Handler
	clock   *testClock
	tokens  *store.MemoryStore
}

func newTestServer(t *testing.T, loginRate int) *testServer {
	t.Helper()
	clock := &testClock{now: time.Now()}
	codec, err := token.NewCodec(token.Config{
		Access:  token.KeyConfig{Secret: []byte("access-test-secret"), TTL: 30 * time.Minute},
		Refresh: token.KeyConfig{Secret: []byte("refresh-test-secret"), TTL: 7 * 24 * time.Hour},
		Issuer:  "memberauth",
		Now:     clock.Now,
	})
	require.NoError(t, err)

	dir := member.NewMemoryDirectory()
	tokens := store.NewMemoryStore(dir)
	require.NoError(t, ensureAdmin(context.Background(), dir, "root@example.com", "root-password"))

	app, err := newApp(appOptions{
		Codec:     codec,
		Members:   dir,
		Store:     tokens,
		Rotation:  auth.RotateNever,
		SweepAt:   sweeper.TimeOfDay{Hour: 3},
		LoginRate: loginRate,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return &testServer{app: app, handler: app.Handler(), clock: clock, tokens: tokens}
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(t *testing.T, email, password string) auth.Result {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/auth", "", creds{Email: email, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res auth.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	return res
}

func (s *testServer) signup(t *testing.T, email string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/members", "", signupRequest{Email: email, Password: "password1", Name: "Alice"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) security.ErrorBody {
	t.Helper()
	var body security.ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestSignupAndLogin(t *testing.T) {
	s := newTestServer(t, 0)
	s.signup(t, "a@b.com")

	rec := s.do(t, http.MethodPost, "/members", "", signupRequest{Email: "a@b.com", Password: "password1", Name: "Alice"})
	require.Equal(t, http.StatusConflict, rec.Code)

	res := s.login(t, "a@b.com", "password1")
	require.NotEmpty(t, res.AccessToken)
	require.NotEmpty(t, res.RefreshToken)
	require.Equal(t, "a@b.com", res.Email)
	require.Equal(t, "Alice", res.Name)

	rec = s.do(t, http.MethodGet, "/members/me", res.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		MemberID int64    `json:"memberId"`
		Email    string   `json:"email"`
		Roles    []string `json:"roles"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&me))
	require.Equal(t, "a@b.com", me.Email)
	require.Equal(t, []string{"USER"}, me.Roles)
}

func TestSignupValidation(t *testing.T) {
	s := newTestServer(t, 0)
	for _, in := range []signupRequest{
		{Email: "not-an-email", Password: "password1", Name: "x"},
		{Email: "a@b.com", Password: "short", Name: "x"},
		{Email: "a@b.com", Password: "password1", Name: " "},
		{Email: "a@b.com", Password: string(bytes.Repeat([]byte("p"), 80)), Name: "x"},
	} {
		rec := s.do(t, http.MethodPost, "/members", "", in)
		require.Equal(t, http.StatusBadRequest, rec.Code, in)
	}
}

func TestWriteAuthErrorClientFaults(t *testing.T) {
	s := newTestServer(t, 0)
	for _, tc := range []struct {
		err    error
		status int
	}{
		{fmt.Errorf("hash: %w", bcrypt.ErrPasswordTooLong), http.StatusBadRequest},
		{fmt.Errorf("create: %w", member.ErrEmailTaken), http.StatusConflict},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/members", nil)
		s.app.writeAuthError(rec, req, tc.err)
		require.Equal(t, tc.status, rec.Code, tc.err.Error())
	}
}

func TestLoginFailures(t *testing.T) {
	s := newTestServer(t, 0)
	s.signup(t, "a@b.com")
	ok := s.login(t, "a@b.com", "password1")

	rec := s.do(t, http.MethodPost, "/auth", "", creds{Email: "a@b.com", Password: "wrong-password"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeError(t, rec)
	require.Equal(t, "/auth", body.Path)
	require.Equal(t, http.StatusUnauthorized, body.StatusCode)

	stored, err := s.tokens.FindByMemberEmail(context.Background(), "a@b.com")
	require.NoError(t, err)
	require.Equal(t, ok.RefreshToken, stored.Token)

	rec = s.do(t, http.MethodPost, "/auth", "", creds{Email: "a@b.com"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/auth", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReissueAndLogout(t *testing.T) {
	s := newTestServer(t, 0)
	s.signup(t, "a@b.com")
	login := s.login(t, "a@b.com", "password1")

	rec := s.do(t, http.MethodPut, "/auth", "", reissueRequest{RefreshToken: login.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res auth.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Equal(t, login.RefreshToken, res.RefreshToken)
	require.NotEmpty(t, res.AccessToken)

	rec = s.do(t, http.MethodPut, "/auth", "", reissueRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodDelete, "/auth", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodDelete, "/auth", login.RefreshToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPut, "/auth", "", reissueRequest{RefreshToken: login.RefreshToken})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReissueWithExpiredRefreshToken(t *testing.T) {
	s := newTestServer(t, 0)
	s.signup(t, "a@b.com")
	login := s.login(t, "a@b.com", "password1")

	s.clock.Advance(8 * 24 * time.Hour)

	rec := s.do(t, http.MethodPut, "/auth", "", reissueRequest{RefreshToken: login.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, string(security.CodeExpiredRefreshToken), rec.Header().Get(security.HeaderTokenError))

	_, err := s.tokens.FindByToken(context.Background(), login.RefreshToken)
	require.ErrorIs(t, err, store.ErrNotFound)

	rec = s.do(t, http.MethodPut, "/auth", "", reissueRequest{RefreshToken: login.RefreshToken})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExpiredAccessToken(t *testing.T) {
	s := newTestServer(t, 0)
	s.signup(t, "a@b.com")
	login := s.login(t, "a@b.com", "password1")

	s.clock.Advance(time.Hour)

	rec := s.do(t, http.MethodGet, "/members/me", login.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, string(security.CodeExpiredAccessToken), rec.Header().Get(security.HeaderTokenError))
}

func TestAccessPolicy(t *testing.T) {
	s := newTestServer(t, 0)
	s.signup(t, "a@b.com")
	user := s.login(t, "a@b.com", "password1")
	admin := s.login(t, "root@example.com", "root-password")

	rec := s.do(t, http.MethodGet, "/members/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, rec.Header().Get(security.HeaderTokenError))

	rec = s.do(t, http.MethodGet, "/admin/refresh-tokens/expired", user.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/members/me", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRefreshTokenEndpoints(t *testing.T) {
	s := newTestServer(t, 0)
	admin := s.login(t, "root@example.com", "root-password")
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, err := s.tokens.Save(ctx, int64(100+i), fmt.Sprintf("stale-%d", i), past)
		require.NoError(t, err)
	}

	rec := s.do(t, http.MethodGet, "/admin/refresh-tokens/expired", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"expired":3}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/admin/refresh-tokens/sweep", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"expired":3,"deleted":3}`, rec.Body.String())

	stored, err := s.tokens.FindByMemberEmail(ctx, "root@example.com")
	require.NoError(t, err)

	rec = s.do(t, http.MethodDelete, fmt.Sprintf("/admin/refresh-tokens/%d", stored.ID), admin.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, err = s.tokens.FindByToken(ctx, admin.RefreshToken)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLoginRateLimit(t *testing.T) {
	s := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/auth", "", creds{Email: "x@b.com", Password: "nope"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/auth", "", creds{Email: "x@b.com", Password: "nope"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	s := newTestServer(t, 0)

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(headerRequestID))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = s.do(t, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ready":true}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodOptions, "/members/me", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecoverAnswers500(t *testing.T) {
	s := newTestServer(t, 0)
	h := s.app.Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal server error", decodeError(t, rec).Message)
}
