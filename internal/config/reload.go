package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// streamsFile is the on-disk shape of the optional hot-reload file.
type streamsFile struct {
	Streams []StreamConfig `yaml:"streams"`
}

// ParseStreamsFile reads and parses a YAML streams file, defaulting an empty
// transport to "tcp". The stream entries are not otherwise validated.
func ParseStreamsFile(path string) ([]StreamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading streams file: %w", err)
	}
	var f streamsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing streams file: %w", err)
	}
	for i := range f.Streams {
		if f.Streams[i].Transport == "" {
			f.Streams[i].Transport = "tcp"
		}
	}
	return f.Streams, nil
}

// WatchStreamsFile watches path for writes and sends the freshly parsed
// stream list on the returned channel on every change. It never sends on
// a parse error; it logs and keeps watching instead, so a worker manager
// never reloads onto a broken config (spec.md §4.8: reload is atomic).
// The watch loop exits when ctx is cancelled.
func WatchStreamsFile(ctx context.Context, path string, logger *slog.Logger) (<-chan []StreamConfig, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching streams file: %w", err)
	}

	out := make(chan []StreamConfig, 1)

	go func() {
		defer watcher.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				streams, err := ParseStreamsFile(path)
				if err != nil {
					logger.Warn("ignoring invalid streams file reload", "path", path, "error", err)
					continue
				}
				select {
				case out <- streams:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("streams file watcher error", "error", err)
			}
		}
	}()

	return out, nil
}
