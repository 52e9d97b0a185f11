package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/proto"
)

type recorder struct {
	mu        sync.Mutex
	statuses  []string
	beats     int
	connected bool
}

func (r *recorder) SetStatus(status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *recorder) Heartbeat() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beats++
	return nil
}

func (r *recorder) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *recorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func (r *recorder) beatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.beats
}

func newMonitor(t *testing.T, manual string) (*Monitor, *recorder, *clock.Mock) {
	t.Helper()
	rec := &recorder{connected: true}
	mock := clock.NewMock()
	m := New(rec, manual, Options{
		IdleTimeout:       120 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		Clock:             mock,
	})
	t.Cleanup(m.Stop)
	return m, rec, mock
}

const (
	wait = time.Second
	tick = 5 * time.Millisecond
)

func TestIdleGoesOffline(t *testing.T) {
	m, rec, mock := newMonitor(t, proto.StatusOnline)
	m.Start()

	mock.Add(119 * time.Second)
	assert.Never(t, func() bool { return len(rec.sent()) > 0 }, 50*time.Millisecond, tick)

	mock.Add(2 * time.Second)
	assert.Eventually(t, func() bool { return len(rec.sent()) == 1 }, wait, tick)
	assert.Equal(t, []string{proto.StatusOffline}, rec.sent())
	assert.True(t, m.Idle())
}

func TestIdleNeverOverridesDNDOrInvisible(t *testing.T) {
	for _, manual := range []string{proto.StatusDND, proto.StatusInvisible} {
		t.Run(manual, func(t *testing.T) {
			m, rec, mock := newMonitor(t, manual)
			m.Start()

			mock.Add(10 * time.Minute)
			assert.Never(t, func() bool { return len(rec.sent()) > 0 }, 50*time.Millisecond, tick)
			assert.False(t, m.Idle())
		})
	}
}

func TestResumedStatusBecomesManualSilently(t *testing.T) {
	m, rec, mock := newMonitor(t, proto.StatusOnline)
	m.Resume(proto.StatusDND)
	m.Start()
	assert.Equal(t, proto.StatusDND, m.Manual())

	mock.Add(10 * time.Minute)
	assert.Never(t, func() bool { return len(rec.sent()) > 0 }, 50*time.Millisecond, tick)
	m.Activity()
	assert.Empty(t, rec.sent())

	m.Resume(proto.StatusOffline)
	m.Resume("away")
	assert.Equal(t, proto.StatusDND, m.Manual())
}

func TestResumeOnlineWhileIdleResendsOffline(t *testing.T) {
	m, rec, mock := newMonitor(t, proto.StatusOnline)
	m.Start()
	mock.Add(121 * time.Second)
	require.Eventually(t, m.Idle, wait, tick)

	m.Resume(proto.StatusOnline)
	assert.Equal(t, []string{proto.StatusOffline, proto.StatusOffline}, rec.sent())
	assert.True(t, m.Idle())

	m.Resume(proto.StatusInvisible)
	assert.False(t, m.Idle())
	assert.Len(t, rec.sent(), 2)
}

func TestActivityRestoresManualStatus(t *testing.T) {
	m, rec, mock := newMonitor(t, proto.StatusOnline)
	m.Start()
	mock.Add(121 * time.Second)
	require.Eventually(t, m.Idle, wait, tick)

	m.Activity()
	assert.Equal(t, []string{proto.StatusOffline, proto.StatusOnline}, rec.sent())
	assert.False(t, m.Idle())

	// activity while already active emits nothing
	m.Activity()
	assert.Len(t, rec.sent(), 2)
}

func TestActivityPostponesIdle(t *testing.T) {
	m, rec, mock := newMonitor(t, proto.StatusOnline)
	m.Start()

	mock.Add(100 * time.Second)
	m.Activity()
	mock.Add(100 * time.Second)
	assert.Never(t, func() bool { return len(rec.sent()) > 0 }, 50*time.Millisecond, tick)

	mock.Add(21 * time.Second)
	assert.Eventually(t, func() bool { return len(rec.sent()) == 1 }, wait, tick)
}

func TestSetManualPublishesAndClearsIdle(t *testing.T) {
	m, rec, mock := newMonitor(t, proto.StatusOnline)
	m.Start()
	mock.Add(121 * time.Second)
	require.Eventually(t, m.Idle, wait, tick)

	require.NoError(t, m.SetManual(proto.StatusDND))
	assert.False(t, m.Idle())
	assert.Equal(t, proto.StatusDND, m.Manual())
	assert.Equal(t, []string{proto.StatusOffline, proto.StatusDND}, rec.sent())

	assert.Error(t, m.SetManual("away"))
}

func TestHeartbeatOnlyWhileConnectedAndActive(t *testing.T) {
	m, rec, mock := newMonitor(t, proto.StatusOnline)
	m.Start()

	mock.Add(30 * time.Second)
	assert.Eventually(t, func() bool { return rec.beatCount() >= 1 }, wait, tick)

	rec.mu.Lock()
	rec.connected = false
	rec.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	before := rec.beatCount()
	mock.Add(30 * time.Second)
	assert.Never(t, func() bool { return rec.beatCount() > before }, 50*time.Millisecond, tick)

	rec.mu.Lock()
	rec.connected = true
	rec.mu.Unlock()
	mock.Add(61 * time.Second)
	require.Eventually(t, m.Idle, wait, tick)
	time.Sleep(20 * time.Millisecond)
	before = rec.beatCount()
	mock.Add(30 * time.Second)
	assert.Never(t, func() bool { return rec.beatCount() > before }, 50*time.Millisecond, tick)
}

func TestStopSilencesEverything(t *testing.T) {
	m, rec, mock := newMonitor(t, proto.StatusOnline)
	m.Start()
	m.Stop()

	mock.Add(10 * time.Minute)
	m.Activity()
	assert.Never(t, func() bool { return len(rec.sent()) > 0 || rec.beatCount() > 0 }, 50*time.Millisecond, tick)
	assert.Zero(t, m.timers.Len())
}
