package manager

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const registryLockTimeout = 2 * time.Second

// updateSessionLocked applies the session identity rules: re-entering the
// same (sessionID, sessionFile, cwd) triple bumps the reload counter; any
// change in the triple starts a fresh record. Caller holds m.mu.
func (m *Manager) updateSessionLocked(info SessionInfo) {
	now := time.Now()
	if m.session != nil && m.session.SessionInfo == info {
		m.session.ReloadCount++
		m.session.LastReloadAt = now
		return
	}
	m.session = &Session{
		ID:          uuid.NewString(),
		SessionInfo: info,
		StartedAt:   now,
	}
}

// recordSession appends the session record to the on-disk registry, one JSON
// object per line. The registry is shared between host processes, so writes
// go through a sibling lock file. Failures are logged, never fatal: the
// registry is metadata, not state.
func (m *Manager) recordSession(s *Session) {
	if m.registryPath == "" || s == nil {
		return
	}

	data, err := json.Marshal(s)
	if err != nil {
		m.logger.Warn("marshal session record", "error", err)
		return
	}

	fl := flock.New(m.registryPath + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), registryLockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		m.logger.Warn("session registry lock unavailable", "path", m.registryPath, "error", err)
		return
	}
	defer fl.Unlock()

	f, err := os.OpenFile(m.registryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		m.logger.Warn("open session registry", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		m.logger.Warn("write session registry", "error", err)
	}
}
