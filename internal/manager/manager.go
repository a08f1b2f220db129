// Package manager owns the set of active Stream Workers, creating and
// tearing them down as the configured stream list changes.
package manager

import (
	"context"
	"log/slog"
	"sync"

	"github.com/trackwatch/trackwatch/internal/config"
	"github.com/trackwatch/trackwatch/internal/database"
	"github.com/trackwatch/trackwatch/internal/metrics"
	"github.com/trackwatch/trackwatch/internal/worker"
)

// WorkerFactory builds a fully wired Worker for one enabled stream. It is
// supplied by the caller (cmd/trackwatch) so the manager stays decoupled
// from fan-out, aggregator, and store wiring.
type WorkerFactory func(streamID int64, sc config.StreamConfig) *worker.Worker

type managedWorker struct {
	sc     config.StreamConfig
	w      *worker.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns active Stream Workers keyed by stream name. Reload is
// safe to call concurrently with itself; it is serialized by an internal
// mutex so a stream never briefly has two workers.
type Manager struct {
	streams   database.StreamRepository
	newWorker WorkerFactory
	logger    *slog.Logger

	mu      sync.Mutex
	parent  context.Context
	workers map[string]*managedWorker
}

// New creates a Manager. Call Start once to launch the initial worker set,
// then Reload on every subsequent hot-reload.
func New(streams database.StreamRepository, newWorker WorkerFactory, logger *slog.Logger) *Manager {
	return &Manager{
		streams:   streams,
		newWorker: newWorker,
		logger:    logger,
		workers:   make(map[string]*managedWorker),
	}
}

// Start launches a worker for each enabled stream in streams. ctx is the
// parent lifetime for every worker the manager ever creates, including
// ones created by later Reload calls.
func (m *Manager) Start(ctx context.Context, streams []config.StreamConfig) error {
	m.mu.Lock()
	m.parent = ctx
	m.mu.Unlock()
	return m.Reload(streams)
}

// Reload computes the set-difference between the active workers and the
// newly configured stream list: streams removed or disabled are stopped,
// newly enabled streams are started, and streams whose URL or transport
// changed are restarted. Untouched streams are left running.
func (m *Manager) Reload(streams []config.StreamConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.parent == nil {
		return nil
	}

	want := make(map[string]config.StreamConfig, len(streams))
	for _, sc := range streams {
		if sc.Enabled {
			want[sc.Name] = sc
		}
	}

	for name, mw := range m.workers {
		sc, stillWanted := want[name]
		if !stillWanted || streamChanged(mw.sc, sc) {
			m.stopLocked(name, mw)
		}
	}

	for name, sc := range want {
		if _, alreadyRunning := m.workers[name]; alreadyRunning {
			continue
		}
		if err := m.startLocked(name, sc); err != nil {
			m.logger.Error("failed to start stream worker", "stream", name, "error", err)
		}
	}

	return nil
}

func streamChanged(old, updated config.StreamConfig) bool {
	return old.URL != updated.URL || old.Transport != updated.Transport
}

func (m *Manager) startLocked(name string, sc config.StreamConfig) error {
	streamID, err := m.streams.EnsureStream(context.Background(), sc.Name, sc.URL, sc.Enabled)
	if err != nil {
		return err
	}

	w := m.newWorker(streamID, sc)
	ctx, cancel := context.WithCancel(m.parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			m.logger.Error("stream worker exited with an error", "stream", name, "error", err)
		}
	}()

	m.workers[name] = &managedWorker{sc: sc, w: w, cancel: cancel, done: done}
	m.logger.Info("started stream worker", "stream", name, "url", sc.URL)
	return nil
}

func (m *Manager) stopLocked(name string, mw *managedWorker) {
	mw.cancel()
	<-mw.done
	delete(m.workers, name)
	m.logger.Info("stopped stream worker", "stream", name)
}

// Stop cancels every active worker and waits for each to finish shutting
// down.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, mw := range m.workers {
		m.stopLocked(name, mw)
	}
}

// ActiveStreams returns the names of currently running workers.
func (m *Manager) ActiveStreams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.workers))
	for name := range m.workers {
		names = append(names, name)
	}
	return names
}

// GetAllStreamStatuses implements metrics.StreamStatusProvider.
func (m *Manager) GetAllStreamStatuses() []metrics.StreamStatusEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]metrics.StreamStatusEntry, 0, len(m.workers))
	for name, mw := range m.workers {
		out = append(out, metrics.StreamStatusEntry{StreamName: name, State: mw.w.State().String()})
	}
	return out
}

// WorkerState returns the lifecycle state of the named stream's worker,
// and whether such a worker currently exists.
func (m *Manager) WorkerState(name string) (worker.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mw, ok := m.workers[name]
	if !ok {
		return 0, false
	}
	return mw.w.State(), true
}
