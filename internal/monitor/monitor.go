// Package monitor turns local activity into presence updates: it marks the
// user offline after an idle period and keeps the relay entry alive with
// heartbeats.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("monitor")

// Emitter is the relay side of the monitor.
type Emitter interface {
	SetStatus(status string) error
	Heartbeat() error
	Connected() bool
}

type Options struct {
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	Clock             clock.Clock
}

type Monitor struct {
	out       Emitter
	idleAfter time.Duration
	beatEvery time.Duration
	timers    *util.Scope

	// emitMu keeps emissions in decision order once mu is released.
	emitMu sync.Mutex

	mu        sync.Mutex
	manual    string
	idle      bool
	idleGen   uint64
	idleTimer util.Timer
	started   bool
	stopped   bool
}

// New creates a monitor for a user whose manual preference is manual.
func New(out Emitter, manual string, opts Options) *Monitor {
	if !proto.ValidStatus(manual) {
		manual = proto.StatusOnline
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Monitor{
		out:       out,
		idleAfter: opts.IdleTimeout,
		beatEvery: opts.HeartbeatInterval,
		timers:    util.NewScope(opts.Clock),
		manual:    manual,
	}
}

// Start arms the idle timer and the heartbeat ticker.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	m.armIdleLocked()
	m.timers.Every(m.beatEvery, m.beat)
}

// Activity records local user activity. Coming back from idle restores the
// manual preference.
func (m *Monitor) Activity() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.armIdleLocked()
	if !m.idle {
		m.mu.Unlock()
		return
	}
	m.idle = false
	status := m.manual
	log.Debugf("MONITOR: active again, restoring %s", status)
	m.emitStatusUnlock(status)
}

// SetManual records an explicit status choice and publishes it.
func (m *Monitor) SetManual(status string) error {
	if !proto.ValidStatus(status) {
		return fmt.Errorf("set manual status %q: invalid", status)
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.manual = status
	m.idle = false
	if m.started {
		m.armIdleLocked()
	}
	m.emitStatusUnlock(status)
	return nil
}

// Resume adopts the status the relay restored on join as the manual
// preference without publishing it. An idle monitor re-sends offline when
// the relay brought the user back online.
func (m *Monitor) Resume(status string) {
	if !proto.ValidStatus(status) || status == proto.StatusOffline {
		return
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.manual = status
	if !m.idle {
		m.mu.Unlock()
		return
	}
	if status == proto.StatusDND || status == proto.StatusInvisible {
		m.idle = false
		m.mu.Unlock()
		return
	}
	log.Debugf("MONITOR: relay resumed %s while idle", status)
	m.emitStatusUnlock(proto.StatusOffline)
}

func (m *Monitor) Manual() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manual
}

func (m *Monitor) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idle
}

// Stop cancels every timer. Nothing is emitted afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.timers.Close()

	// wait out an emission decided before the flag was set
	m.emitMu.Lock()
	m.emitMu.Unlock()
}

func (m *Monitor) armIdleLocked() {
	m.idleTimer.Stop()
	m.idleGen++
	gen := m.idleGen
	m.idleTimer = m.timers.AfterFunc(m.idleAfter, func() { m.onIdle(gen) })
}

func (m *Monitor) onIdle(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.idleGen {
		m.mu.Unlock()
		return
	}
	if m.manual == proto.StatusDND || m.manual == proto.StatusInvisible {
		m.mu.Unlock()
		return
	}
	m.idle = true
	log.Infof("MONITOR: idle for %s, going offline", m.idleAfter)
	m.emitStatusUnlock(proto.StatusOffline)
}

func (m *Monitor) beat() {
	m.mu.Lock()
	if m.stopped || m.idle {
		m.mu.Unlock()
		return
	}
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	if !m.out.Connected() {
		return
	}
	if err := m.out.Heartbeat(); err != nil {
		log.Debugf("MONITOR: heartbeat: %v", err)
	}
}

// emitStatusUnlock releases mu and publishes status, keeping the order in
// which decisions were taken.
func (m *Monitor) emitStatusUnlock(status string) {
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	if err := m.out.SetStatus(status); err != nil {
		log.Warnf("MONITOR: set status %s: %v", status, err)
	}
}
