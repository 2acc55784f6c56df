package password_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/draftlab/issuer/internal/kv"
	"github.com/draftlab/issuer/provider"
	"github.com/draftlab/issuer/provider/password"
)

type harness struct {
	store       kv.Store
	scratch     map[string]string
	codes       map[string]string
	succeeded   bool
	successSub  string
	failed      bool
	failCode    string
	invalidated []string
}

func newHarness() *harness {
	return &harness{
		store:   kv.NewMemory(slog.New(slog.NewTextHandler(io.Discard, nil))),
		scratch: map[string]string{},
		codes:   map[string]string{},
	}
}

func (h *harness) sendCode(ctx context.Context, address, code string) error {
	h.codes[address] = code
	return nil
}

func (h *harness) caps() *provider.Capabilities {
	return &provider.Capabilities{
		Storage: h.store,
		Set: func(ctx context.Context, w http.ResponseWriter, r *http.Request, key string, ttl time.Duration, value any) error {
			raw, err := json.Marshal(value)
			if err != nil {
				return err
			}
			h.scratch[key] = string(raw)
			return nil
		},
		Get: func(ctx context.Context, w http.ResponseWriter, r *http.Request, key string, out any) (bool, error) {
			raw, ok := h.scratch[key]
			if !ok {
				return false, nil
			}
			return true, json.Unmarshal([]byte(raw), out)
		},
		Unset: func(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) error {
			delete(h.scratch, key)
			return nil
		},
		Success: func(ctx context.Context, w http.ResponseWriter, r *http.Request, properties json.RawMessage, opts provider.SuccessOptions) error {
			h.succeeded = true
			if opts.Invalidate != nil {
				var props map[string]string
				_ = json.Unmarshal(properties, &props)
				_ = opts.Invalidate(ctx, "subject:"+props["address"])
				h.successSub = "subject:" + props["address"]
			}
			w.WriteHeader(http.StatusOK)
			return nil
		},
		Invalidate: func(ctx context.Context, subject string) error {
			h.invalidated = append(h.invalidated, subject)
			return nil
		},
		Fail: func(ctx context.Context, w http.ResponseWriter, r *http.Request, code, description string) {
			h.failed = true
			h.failCode = code
			w.WriteHeader(http.StatusBadRequest)
		},
	}
}

func newRouter(p *password.Provider, caps *provider.Capabilities) *mux.Router {
	r := mux.NewRouter()
	p.Init(r, caps)
	return r
}

func register(t *testing.T, router *mux.Router, h *harness, address, pw string) {
	t.Helper()
	regBody, _ := json.Marshal(map[string]string{"address": address, "password": pw})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(regBody)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	code, ok := h.codes[strings.ToLower(strings.TrimSpace(address))]
	require.True(t, ok, "expected a code to have been sent")

	verifyBody, _ := json.Marshal(map[string]string{"address": address, "code": code})
	vrec := httptest.NewRecorder()
	router.ServeHTTP(vrec, httptest.NewRequest(http.MethodPost, "/register/verify", bytes.NewReader(verifyBody)))
	require.Equal(t, http.StatusOK, vrec.Code)
}

func TestPasswordRegisterAndLogin(t *testing.T) {
	h := newHarness()
	p := password.New(password.Config{SendCode: h.sendCode})
	router := newRouter(p, h.caps())

	register(t, router, h, "user@example.com", "correct-horse-battery")
	require.True(t, h.succeeded)

	h.succeeded = false
	loginBody, _ := json.Marshal(map[string]string{"address": "User@Example.com", "password": "correct-horse-battery"})
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(loginBody)))
	require.Equal(t, http.StatusOK, rec2.Code)
	require.True(t, h.succeeded)
	require.Equal(t, "subject:user@example.com", h.successSub)
}

func TestPasswordRegisterDuplicateRejected(t *testing.T) {
	h := newHarness()
	p := password.New(password.Config{SendCode: h.sendCode})
	router := newRouter(p, h.caps())

	register(t, router, h, "user@example.com", "correct-horse-battery")

	regBody, _ := json.Marshal(map[string]string{"address": "user@example.com", "password": "correct-horse-battery"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(regBody)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPasswordRegisterTooShortRejected(t *testing.T) {
	h := newHarness()
	p := password.New(password.Config{SendCode: h.sendCode, MinLength: 8})
	router := newRouter(p, h.caps())

	regBody, _ := json.Marshal(map[string]string{"address": "user@example.com", "password": "short"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(regBody)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPasswordLoginWrongPasswordRejected(t *testing.T) {
	h := newHarness()
	p := password.New(password.Config{SendCode: h.sendCode})
	router := newRouter(p, h.caps())

	register(t, router, h, "user@example.com", "correct-horse-battery")

	loginBody, _ := json.Marshal(map[string]string{"address": "user@example.com", "password": "wrong-password"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(loginBody)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.True(t, h.failed)
	require.Equal(t, "invalid_grant", h.failCode)
}

func TestPasswordLoginUnknownAddressRejected(t *testing.T) {
	h := newHarness()
	p := password.New(password.Config{SendCode: h.sendCode})
	router := newRouter(p, h.caps())

	loginBody, _ := json.Marshal(map[string]string{"address": "nobody@example.com", "password": "whatever"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(loginBody)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPasswordChangeWithCodeRevokesSessions(t *testing.T) {
	h := newHarness()
	p := password.New(password.Config{SendCode: h.sendCode})
	router := newRouter(p, h.caps())

	register(t, router, h, "user@example.com", "correct-horse-battery")
	loginBody, _ := json.Marshal(map[string]string{"address": "user@example.com", "password": "correct-horse-battery"})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(loginBody)))

	reqBody, _ := json.Marshal(map[string]string{"address": "user@example.com"})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/change/request", bytes.NewReader(reqBody)))
	code := h.codes["user@example.com"]
	require.NotEmpty(t, code)

	changeBody, _ := json.Marshal(map[string]string{"address": "user@example.com", "code": code, "newPassword": "new-correct-horse"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/change", bytes.NewReader(changeBody)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"subject:user@example.com"}, h.invalidated)

	oldLoginBody, _ := json.Marshal(map[string]string{"address": "user@example.com", "password": "correct-horse-battery"})
	oldRec := httptest.NewRecorder()
	router.ServeHTTP(oldRec, httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(oldLoginBody)))
	require.Equal(t, http.StatusBadRequest, oldRec.Code)

	newLoginBody, _ := json.Marshal(map[string]string{"address": "user@example.com", "password": "new-correct-horse"})
	newRec := httptest.NewRecorder()
	router.ServeHTTP(newRec, httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(newLoginBody)))
	require.Equal(t, http.StatusOK, newRec.Code)
}

func TestPasswordChangeWithOldPassword(t *testing.T) {
	h := newHarness()
	p := password.New(password.Config{SendCode: h.sendCode})
	router := newRouter(p, h.caps())

	register(t, router, h, "user@example.com", "correct-horse-battery")

	changeBody, _ := json.Marshal(map[string]string{"address": "user@example.com", "oldPassword": "correct-horse-battery", "newPassword": "new-correct-horse"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/change", bytes.NewReader(changeBody)))
	require.Equal(t, http.StatusOK, rec.Code)

	newLoginBody, _ := json.Marshal(map[string]string{"address": "user@example.com", "password": "new-correct-horse"})
	newRec := httptest.NewRecorder()
	router.ServeHTTP(newRec, httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(newLoginBody)))
	require.Equal(t, http.StatusOK, newRec.Code)
}
