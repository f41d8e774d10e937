package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle gives editors that replace-then-rename a moment to finish before
// the file is re-read.
const settle = 100 * time.Millisecond

// Watch reloads the store whenever its backing file changes, until ctx is
// cancelled. The parent directory is watched rather than the file itself so
// atomic rename-into-place saves keep being observed. A reload failure keeps
// the previous snapshot and is logged.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target, err := filepath.Abs(s.path)
	if err != nil {
		target = s.path
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil {
				name = event.Name
			}
			if name != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			time.Sleep(settle)
			if err := s.Reload(); err != nil {
				log.Printf("config reload: %v", err)
				continue
			}
			log.Printf("config reloaded: %d workspaces", len(s.ConfiguredWorkspaces()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("config watcher: %v", err)
		}
	}
}
