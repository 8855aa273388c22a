package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/deskagent-ai/deskagent/internal/logging"
)

// Watch reloads the configuration whenever a config file changes and passes
// the fresh result to onChange. It blocks until ctx is cancelled.
func Watch(ctx context.Context, directory string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dirs := []string{GetPaths().Config}
	if directory != "" {
		dirs = append(dirs, filepath.Join(directory, ".deskagent"))
	}
	if path := os.Getenv("DESKAGENT_CONFIG"); path != "" {
		dirs = append(dirs, filepath.Dir(path))
	}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err == nil {
			if err := watcher.Add(dir); err != nil {
				logging.Warn().Err(err).Str("dir", dir).Msg("cannot watch config directory")
			}
		}
	}

	// Editors fire several events per save; a short debounce coalesces them.
	var timer *time.Timer
	reload := func() {
		cfg, err := Load(directory)
		if err != nil {
			logging.Warn().Err(err).Msg("config reload failed")
			return
		}
		logging.Info().Msg("configuration reloaded")
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isConfigFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func isConfigFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, "deskagent.") &&
		(strings.HasSuffix(base, ".json") || strings.HasSuffix(base, ".jsonc"))
}
