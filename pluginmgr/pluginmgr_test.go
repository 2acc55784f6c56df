package pluginmgr_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/draftlab/issuer/pluginmgr"
)

func newManager() *pluginmgr.Manager {
	return pluginmgr.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterRunsOnInit(t *testing.T) {
	m := newManager()
	var initialized bool
	err := m.Register(context.Background(), pluginmgr.Plugin{
		ID:     "audit",
		OnInit: func(ctx context.Context) error { initialized = true; return nil },
	})
	require.NoError(t, err)
	require.True(t, initialized)
}

func TestRegisterPropagatesOnInitError(t *testing.T) {
	m := newManager()
	err := m.Register(context.Background(), pluginmgr.Plugin{
		ID:     "broken",
		OnInit: func(ctx context.Context) error { return errors.New("init failed") },
	})
	require.Error(t, err)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	m := newManager()
	require.NoError(t, m.Register(context.Background(), pluginmgr.Plugin{ID: "audit"}))

	err := m.Register(context.Background(), pluginmgr.Plugin{ID: "audit"})
	require.Error(t, err)

	mounts := m.Mounts()
	require.Len(t, mounts, 0)
}

func TestMountsSkipsRouteless(t *testing.T) {
	m := newManager()
	require.NoError(t, m.Register(context.Background(), pluginmgr.Plugin{ID: "quiet"}))
	require.NoError(t, m.Register(context.Background(), pluginmgr.Plugin{
		ID:     "webhook",
		Routes: func(router *mux.Router) { router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {}) },
	}))

	mounts := m.Mounts()
	require.Len(t, mounts, 1)
	require.Equal(t, "webhook", mounts[0].PluginID)
}

func TestRunAuthorizeOrderAndAbort(t *testing.T) {
	m := newManager()
	var order []string

	require.NoError(t, m.Register(context.Background(), pluginmgr.Plugin{
		ID: "first",
		OnAuthorize: func(ctx context.Context, req pluginmgr.AuthorizeContext) error {
			order = append(order, "first")
			return nil
		},
	}))
	require.NoError(t, m.Register(context.Background(), pluginmgr.Plugin{
		ID: "second",
		OnAuthorize: func(ctx context.Context, req pluginmgr.AuthorizeContext) error {
			order = append(order, "second")
			return errors.New("denied")
		},
	}))
	require.NoError(t, m.Register(context.Background(), pluginmgr.Plugin{
		ID: "third",
		OnAuthorize: func(ctx context.Context, req pluginmgr.AuthorizeContext) error {
			order = append(order, "third")
			return nil
		},
	}))

	err := m.RunAuthorize(context.Background(), pluginmgr.AuthorizeContext{ClientID: "cli"})
	require.EqualError(t, err, "denied")
	require.Equal(t, []string{"first", "second"}, order)
}

func TestRunAuthorizeAllPass(t *testing.T) {
	m := newManager()
	var calls int
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Register(context.Background(), pluginmgr.Plugin{
			ID: fmt.Sprintf("p%d", i),
			OnAuthorize: func(ctx context.Context, req pluginmgr.AuthorizeContext) error {
				calls++
				return nil
			},
		}))
	}
	require.NoError(t, m.RunAuthorize(context.Background(), pluginmgr.AuthorizeContext{}))
	require.Equal(t, 3, calls)
}

func TestRunSuccessFiresAllDespitePanic(t *testing.T) {
	m := newManager()
	var mu sync.Mutex
	var seen []string

	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, name)
	}

	require.NoError(t, m.Register(context.Background(), pluginmgr.Plugin{
		ID: "ok-one",
		OnSuccess: func(ctx context.Context, sc pluginmgr.SuccessContext) {
			record("ok-one")
		},
	}))
	require.NoError(t, m.Register(context.Background(), pluginmgr.Plugin{
		ID: "panics",
		OnSuccess: func(ctx context.Context, sc pluginmgr.SuccessContext) {
			record("panics")
			panic("boom")
		},
	}))
	require.NoError(t, m.Register(context.Background(), pluginmgr.Plugin{
		ID: "ok-two",
		OnSuccess: func(ctx context.Context, sc pluginmgr.SuccessContext) {
			record("ok-two")
		},
	}))

	require.NotPanics(t, func() {
		m.RunSuccess(context.Background(), pluginmgr.SuccessContext{SubjectType: "password", Subject: "user@example.com", ClientID: "cli"})
	})

	require.ElementsMatch(t, []string{"ok-one", "panics", "ok-two"}, seen)
}

func TestRunErrorSequentialDespitePanic(t *testing.T) {
	m := newManager()
	var order []string

	require.NoError(t, m.Register(context.Background(), pluginmgr.Plugin{
		ID: "first",
		OnError: func(ctx context.Context, ec pluginmgr.ErrorContext) {
			order = append(order, "first")
			panic("boom")
		},
	}))
	require.NoError(t, m.Register(context.Background(), pluginmgr.Plugin{
		ID: "second",
		OnError: func(ctx context.Context, ec pluginmgr.ErrorContext) {
			order = append(order, "second")
		},
	}))

	require.NotPanics(t, func() {
		m.RunError(context.Background(), pluginmgr.ErrorContext{ClientID: "cli", Code: "access_denied", Message: "nope"})
	})
	require.Equal(t, []string{"first", "second"}, order)
}
