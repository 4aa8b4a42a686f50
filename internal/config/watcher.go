package config

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher reloads the config file on change so duration defaults can
// be adjusted without a restart. Falls back to slow polling when fsnotify
// cannot watch the file.
func (s *Store) StartWatcher(ctx context.Context) {
	if s.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(s.path)
	}
	if err != nil {
		log.Printf("[WARN] Config watcher: %v, falling back to polling", err)
		if watcher != nil {
			watcher.Close()
		}
		go s.pollLoop(ctx)
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					// Editors often emit a burst of events; let it settle.
					time.Sleep(100 * time.Millisecond)
					if err := s.reload(); err != nil {
						log.Printf("[ERROR] Config reload: %v", err)
					} else {
						log.Printf("[INFO] Config reloaded from %s", s.path)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[ERROR] Config watcher: %v", err)
			}
		}
	}()
}

func (s *Store) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reload(); err != nil {
				log.Printf("[ERROR] Config reload: %v", err)
			}
		}
	}
}
