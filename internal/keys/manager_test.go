package keys_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/draftlab/issuer/internal/keys"
	"github.com/draftlab/issuer/internal/kv"
)

func newManager() *keys.Manager {
	return keys.New(kv.NewMemory(slog.New(slog.NewTextHandler(io.Discard, nil))), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSigningKeyGeneratesAndMemoizes(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	k1, err := m.SigningKey(ctx)
	require.NoError(t, err)
	require.Equal(t, keys.SigningAlg, k1.Alg)

	k2, err := m.SigningKey(ctx)
	require.NoError(t, err)
	require.Equal(t, k1.ID, k2.ID)
}

func TestSignAndVerifyJWS(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	payload := []byte(`{"sub":"user-1"}`)
	compact, err := m.Sign(ctx, payload)
	require.NoError(t, err)

	got, err := m.VerifyJWS(ctx, compact)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestVerifyJWSRejectsGarbage(t *testing.T) {
	m := newManager()
	_, err := m.VerifyJWS(context.Background(), "not-a-jws")
	require.Error(t, err)
}

func TestEncryptDecryptJWERoundTrip(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	plaintext := []byte("session payload")
	compact, err := m.EncryptJWE(ctx, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, string(plaintext), compact)

	got, err := m.DecryptJWE(ctx, compact)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestJWKSExposesPublicSigningKey(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	_, err := m.SigningKey(ctx)
	require.NoError(t, err)

	set, err := m.JWKS(ctx)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	require.Equal(t, "sig", set.Keys[0].Use)
}

func TestInvalidateCacheForcesRescan(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	first, err := m.SigningKey(ctx)
	require.NoError(t, err)

	m.InvalidateCache()

	second, err := m.SigningKey(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestStartRotationDemotesCurrentKey(t *testing.T) {
	m := newManager()
	ctx, cancel := context.WithCancel(context.Background())

	original, err := m.SigningKey(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.StartRotation(ctx, 10*time.Millisecond, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		keys, err := m.SigningKeys(ctx)
		if err != nil || len(keys) < 2 {
			return false
		}
		for _, k := range keys {
			if k.ID == original.ID {
				return k.Expired != nil
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
