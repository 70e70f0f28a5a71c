package sync

import (
	"fmt"
	"sync"

	"catalog-sync-service/internal/logger"
)

const (
	StatusIdle    = "idle"
	StatusRunning = "running"
)

// Manager owns the lifecycle of the background machinery: worker pool,
// scheduler and the optional catalog listener.
type Manager struct {
	pool      *WorkerPool
	scheduler *Scheduler
	listener  *CatalogListener
	mu        sync.Mutex
	status    string
}

// NewManager wires the parts; listener may be nil when binlog following is off.
func NewManager(pool *WorkerPool, scheduler *Scheduler, listener *CatalogListener) *Manager {
	return &Manager{
		pool:      pool,
		scheduler: scheduler,
		listener:  listener,
		status:    StatusIdle,
	}
}

func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusRunning {
		return fmt.Errorf("sync manager is already running")
	}

	logger.Log.Info("Starting sync manager")
	m.pool.Start()

	if m.scheduler != nil {
		if err := m.scheduler.Start(); err != nil {
			m.pool.Stop()
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	if m.listener != nil {
		if err := m.listener.Start(); err != nil {
			if m.scheduler != nil {
				m.scheduler.Stop()
			}
			m.pool.Stop()
			return fmt.Errorf("start catalog listener: %w", err)
		}
	}

	m.status = StatusRunning
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusRunning {
		return
	}

	logger.Log.Info("Stopping sync manager")

	if m.listener != nil {
		m.listener.Stop()
	}
	if m.scheduler != nil {
		m.scheduler.Stop()
	}
	m.pool.Stop()

	m.status = StatusIdle
}

func (m *Manager) GetStatus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
