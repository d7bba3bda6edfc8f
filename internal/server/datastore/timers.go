package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
)

// armSweepLocked schedules the idle sweep if handles remain and none is
// pending. Callers hold m.mu.
func (m *Manager) armSweepLocked() {
	if m.sweep != nil || m.closed || len(m.handles) == 0 {
		return
	}
	m.sweep = time.AfterFunc(m.opts.IdleTimeout, m.sweepIdle)
}

// sweepIdle closes handles unused for IdleTimeout and re-arms itself only
// while handles remain.
func (m *Manager) sweepIdle() {
	now := m.now()
	m.mu.Lock()
	m.sweep = nil
	var idle []*Handle
	for name, h := range m.handles {
		if h.inflight == 0 && now.Sub(h.lastUsed) >= m.opts.IdleTimeout {
			idle = append(idle, h)
			delete(m.handles, name)
		}
	}
	m.armSweepLocked()
	m.mu.Unlock()

	ctx := context.Background()
	for _, h := range idle {
		if err := m.closeHandle(ctx, h); err != nil {
			m.log.Error(ctx, "closing idle table failed", "table", h.name, "error", err)
			continue
		}
		m.log.Debug(ctx, "idle table closed", "table", h.name)
	}
}

// closeHandle stops the flush timer, flushes pending writes and closes the
// adapter.
func (m *Manager) closeHandle(ctx context.Context, h *Handle) error {
	h.flushMu.Lock()
	h.closed = true
	if h.flushTimer != nil {
		h.flushTimer.Stop()
		h.flushTimer = nil
	}
	h.flushPending = 0
	h.flushMu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
	defer cancel()
	return errors.Join(h.adapter.Flush(fctx), h.adapter.Close())
}

// afterWrite counts a write for quota purposes and, for buffered backends,
// schedules a flush: immediately once FlushWrites writes accumulate,
// otherwise FlushIdle after the last write.
func (m *Manager) afterWrite(h *Handle) {
	m.countWrite(h.ref.Owner)

	if _, ok := h.adapter.(storage.Buffered); !ok {
		return
	}
	h.flushMu.Lock()
	defer h.flushMu.Unlock()
	if h.closed {
		return
	}
	h.flushPending++
	if h.flushPending >= m.opts.FlushWrites {
		h.flushPending = 0
		if h.flushTimer != nil {
			h.flushTimer.Stop()
			h.flushTimer = nil
		}
		go m.flushHandle(h)
		return
	}
	m.scheduleFlushLocked(h)
}

// scheduleFlushLocked (re)starts the debounced flush timer. Callers hold
// h.flushMu.
func (m *Manager) scheduleFlushLocked(h *Handle) {
	if h.flushTimer != nil {
		h.flushTimer.Reset(m.opts.FlushIdle)
		return
	}
	h.flushTimer = time.AfterFunc(m.opts.FlushIdle, func() { m.flushHandle(h) })
}

// flushHandle runs a background flush. Failures are logged and retried on
// the next schedule.
func (m *Manager) flushHandle(h *Handle) {
	h.flushMu.Lock()
	if h.closed {
		h.flushMu.Unlock()
		return
	}
	h.flushTimer = nil
	h.flushMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.OpTimeout)
	defer cancel()
	if err := h.adapter.Flush(ctx); err != nil {
		m.log.Error(ctx, "deferred flush failed", "table", h.name, "error", err)
		h.flushMu.Lock()
		if !h.closed {
			m.scheduleFlushLocked(h)
		}
		h.flushMu.Unlock()
		return
	}
	m.log.Debug(ctx, "table flushed", "table", h.name)
}

// Flush synchronously persists ref's buffered writes.
func (m *Manager) Flush(ctx context.Context, ref models.TableRef) error {
	return m.with(ctx, ref, func(ctx context.Context, h *Handle) error {
		h.flushMu.Lock()
		if h.flushTimer != nil {
			h.flushTimer.Stop()
			h.flushTimer = nil
		}
		h.flushPending = 0
		h.flushMu.Unlock()
		return h.adapter.Flush(ctx)
	})
}
