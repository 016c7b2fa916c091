package playbook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Library holds the loaded playbook definitions for a directory and keeps
// them current when the files change on disk.
type Library struct {
	dir        string
	payloadDir string

	mu        sync.RWMutex
	playbooks map[string]*Playbook
}

// NewLibrary loads every *.yaml playbook under dir. Payload files referenced
// by copy steps resolve relative to payloadDir; an empty payloadDir defaults
// to dir/payloads.
func NewLibrary(dir string, payloadDir string) (*Library, error) {
	if payloadDir == "" {
		payloadDir = filepath.Join(dir, "payloads")
	}

	lib := &Library{
		dir:        dir,
		payloadDir: payloadDir,
		playbooks:  make(map[string]*Playbook),
	}

	if err := lib.Reload(); err != nil {
		return nil, err
	}

	return lib, nil
}

// Reload re-reads all playbook definitions from disk. A file that fails to
// parse is skipped with a warning rather than invalidating the whole library.
func (l *Library) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read playbook directory: %w", err)
	}

	loaded := make(map[string]*Playbook)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(l.dir, name)
		pb, err := loadPlaybook(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("skipping invalid playbook")
			continue
		}

		if _, exists := loaded[pb.Name]; exists {
			log.Warn().Str("name", pb.Name).Str("file", path).
				Msg("duplicate playbook name, keeping first definition")
			continue
		}
		loaded[pb.Name] = pb
	}

	l.mu.Lock()
	l.playbooks = loaded
	l.mu.Unlock()

	log.Debug().Int("count", len(loaded)).Str("dir", l.dir).Msg("playbook library loaded")
	return nil
}

func loadPlaybook(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook: %w", err)
	}

	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("failed to parse playbook: %w", err)
	}

	if err := pb.Validate(); err != nil {
		return nil, err
	}

	return &pb, nil
}

// Get returns the playbook with the given name, or an error if unknown.
func (l *Library) Get(name string) (*Playbook, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pb, ok := l.playbooks[name]
	if !ok {
		return nil, fmt.Errorf("unknown playbook: %s", name)
	}
	return pb, nil
}

// Names returns the loaded playbook names.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.playbooks))
	for name := range l.playbooks {
		names = append(names, name)
	}
	return names
}

// PayloadPath resolves a copy-step source against the payload directory.
func (l *Library) PayloadPath(source string) string {
	return filepath.Join(l.payloadDir, source)
}

// Watch reloads the library whenever a definition file changes, until the
// context is cancelled. Errors reloading are logged, not fatal: the previous
// definitions stay active.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch playbook directory: %w", err)
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
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
					continue
				}
				log.Info().Str("file", event.Name).Str("op", event.Op.String()).
					Msg("playbook definitions changed, reloading")
				if err := l.Reload(); err != nil {
					log.Error().Err(err).Msg("failed to reload playbook library")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("playbook watcher error")
			}
		}
	}()

	return nil
}
