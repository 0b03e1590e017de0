package watchdog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/moonbridge/moonbridge/pkg/auth"
	"github.com/moonbridge/moonbridge/pkg/config"
	"github.com/moonbridge/moonbridge/pkg/log"
	"github.com/moonbridge/moonbridge/pkg/session"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// reapInterval is how often idle sessions are swept
const reapInterval = 30 * time.Second

// Watchdog runs the daemon's background maintenance: token-file rotation,
// idle-session reaping, and the periodic health file.
type Watchdog struct {
	cfg      *config.Config
	tokens   *auth.TokenManager
	sessions *session.Manager
	snapshot func(pid int) types.HealthSnapshot
}

// New creates a watchdog. snapshot supplies the health-file payload.
func New(cfg *config.Config, tokens *auth.TokenManager, sessions *session.Manager,
	snapshot func(pid int) types.HealthSnapshot) *Watchdog {
	return &Watchdog{
		cfg:      cfg,
		tokens:   tokens,
		sessions: sessions,
		snapshot: snapshot,
	}
}

// Run starts every loop and blocks until ctx is done
func (w *Watchdog) Run(ctx context.Context) {
	if w.cfg.TokenFile != "" {
		go w.watchTokenFile(ctx)
	}
	if w.cfg.HealthFilePath != "" {
		go w.healthLoop(ctx)
	}
	w.reapLoop(ctx)
}

func (w *Watchdog) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := w.sessions.Reap(); n > 0 {
				log.WithComponent("watchdog").Info().Int("reaped", n).Msg("idle sessions reaped")
			}
		}
	}
}

// watchTokenFile rotates the accepted token whenever the token file changes.
// The directory is watched rather than the file itself so atomic
// write-then-rename updates are seen.
func (w *Watchdog) watchTokenFile(ctx context.Context) {
	logger := log.WithComponent("watchdog")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error().Err(err).Msg("token watcher unavailable, rotation disabled")
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(w.cfg.TokenFile)
	if err := watcher.Add(dir); err != nil {
		logger.Error().Err(err).Str("dir", dir).Msg("cannot watch token directory")
		return
	}

	// Pick up a token already present at startup.
	w.loadTokenFile()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.cfg.TokenFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Writers may rename into place; a short settle avoids reading
			// a half-written file.
			time.Sleep(50 * time.Millisecond)
			w.loadTokenFile()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("token watcher error")
		}
	}
}

func (w *Watchdog) loadTokenFile() {
	data, err := os.ReadFile(w.cfg.TokenFile)
	if err != nil {
		log.WithComponent("watchdog").Warn().Err(err).Msg("token file unreadable")
		return
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return
	}
	w.tokens.Rotate(token)
}

func (w *Watchdog) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HealthInterval)
	defer ticker.Stop()

	pid := os.Getpid()
	write := func() {
		if err := WriteHealthFile(w.cfg.HealthFilePath, w.snapshot(pid)); err != nil {
			log.WithComponent("watchdog").Warn().Err(err).Msg("health file write failed")
		}
	}

	write()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			write()
		}
	}
}

// WriteHealthFile writes the snapshot atomically via a temp file and rename,
// so readers never see a torn payload.
func WriteHealthFile(path string, snap types.HealthSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadHealthFile loads a health snapshot written by WriteHealthFile
func ReadHealthFile(path string) (*types.HealthSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap types.HealthSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
