package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/pkg/auth"
	"github.com/moonbridge/moonbridge/pkg/config"
	"github.com/moonbridge/moonbridge/pkg/session"
	"github.com/moonbridge/moonbridge/pkg/types"
)

func TestHealthFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "health.json")

	snap := types.HealthSnapshot{
		PID:          42,
		StartedAt:    time.Now().UTC().Truncate(time.Second),
		Listening:    "127.0.0.1:7877",
		SessionsOpen: 3,
		Version:      "1.2.3",
	}
	require.NoError(t, WriteHealthFile(path, snap))

	got, err := ReadHealthFile(path)
	require.NoError(t, err)
	assert.Equal(t, snap.PID, got.PID)
	assert.Equal(t, snap.Listening, got.Listening)
	assert.Equal(t, snap.SessionsOpen, got.SessionsOpen)
	assert.Equal(t, snap.Version, got.Version)

	// No leftover temp file after the atomic rename.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestTokenFileRotation(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("initial-token\n"), 0o600))

	tokens := auth.NewTokenManager("boot-token", time.Minute)
	cfg := &config.Config{TokenFile: tokenFile}
	sessions := session.NewManager(1, time.Hour, nil)
	w := New(cfg, tokens, sessions, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.watchTokenFile(ctx)

	// Startup load picks up the token already on disk.
	require.Eventually(t, func() bool {
		return tokens.Accepts("initial-token")
	}, 2*time.Second, 20*time.Millisecond)

	// A rewrite rotates again; the previous token stays valid in its grace
	// window.
	require.NoError(t, os.WriteFile(tokenFile, []byte("rotated-token\n"), 0o600))
	require.Eventually(t, func() bool {
		return tokens.Accepts("rotated-token")
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, tokens.Accepts("initial-token"))
}

func TestHealthLoopWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "health.json")
	cfg := &config.Config{
		HealthFilePath: path,
		HealthInterval: 50 * time.Millisecond,
	}
	sessions := session.NewManager(1, time.Hour, nil)
	w := New(cfg, auth.NewTokenManager("t", time.Minute), sessions, func(pid int) types.HealthSnapshot {
		return types.HealthSnapshot{PID: pid, Version: "test"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.healthLoop(ctx)

	require.Eventually(t, func() bool {
		snap, err := ReadHealthFile(path)
		return err == nil && snap.Version == "test"
	}, 2*time.Second, 20*time.Millisecond)
}
