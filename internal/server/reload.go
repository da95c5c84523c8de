package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loopgate/loopgate/internal/config"
)

// Reloader watches the config file for changes and hot-reloads
// governance parameters into the evaluator.
type Reloader struct {
	watcher *fsnotify.Watcher
	server  *Server
}

// NewReloader creates a file watcher over the server's config path.
func NewReloader(server *Server) (*Reloader, error) {
	if server.configPath == "" {
		return nil, fmt.Errorf("server has no config path to watch")
	}
	if _, err := os.Stat(server.configPath); err != nil {
		return nil, fmt.Errorf("cannot watch config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(server.configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", server.configPath, err)
	}

	return &Reloader{watcher: watcher, server: server}, nil
}

// Run watches for config changes and reloads. Blocks until ctx is
// cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	// Debounce: wait 500ms after last write before reloading
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := r.server.ReloadConfig(); err != nil {
						fmt.Fprintf(os.Stderr, "hot-reload failed: %v\n", err)
					} else {
						fmt.Fprintf(os.Stderr, "hot-reload: config %s\n", r.server.ConfigHash())
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "file watcher error: %v\n", err)
		}
	}
}

// ReloadConfig re-reads the config file and swaps governance parameters
// in place. An invalid file leaves the running config untouched.
func (s *Server) ReloadConfig() error {
	cfg, hash, err := config.LoadWithHash(s.configPath)
	if err != nil {
		return err
	}
	if err := s.eval.Reconfigure(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.configHash = hash
	s.mu.Unlock()
	return nil
}
