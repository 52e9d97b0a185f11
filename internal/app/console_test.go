package app

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/group"
	"github.com/petervdpas/parley/internal/state"
)

type fakeCalls struct {
	mu      sync.Mutex
	ops     []string
	session *call.Session
}

func (f *fakeCalls) op(s string) error {
	f.mu.Lock()
	f.ops = append(f.ops, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeCalls) Initiate(_ context.Context, target call.Peer, video bool) error {
	if video {
		return f.op("video " + target.UserID)
	}
	return f.op("call " + target.UserID)
}

func (f *fakeCalls) Cancel() error { return f.op("cancel") }

func (f *fakeCalls) Answer(context.Context) error { return f.op("answer") }

func (f *fakeCalls) Reject() error { return f.op("reject") }

func (f *fakeCalls) Terminate() error { return f.op("terminate") }

func (f *fakeCalls) SetMuted(muted bool) error {
	if muted {
		return f.op("mute")
	}
	return f.op("unmute")
}

func (f *fakeCalls) StartScreenShare(_ context.Context, opts call.ScreenOptions) error {
	if opts.WithSystemAudio {
		return f.op("share audio")
	}
	return f.op("share")
}

func (f *fakeCalls) StopScreenShare() error { return f.op("unshare") }

func (f *fakeCalls) Current() (call.Session, bool) {
	if f.session == nil {
		return call.Session{}, false
	}
	return *f.session, true
}

func (f *fakeCalls) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

type fakeGroups struct {
	active string
	ops    []string
	roster []group.Participant
}

func (f *fakeGroups) Start(_ context.Context, groupID string) error {
	f.ops = append(f.ops, "start "+groupID)
	f.active = groupID
	return nil
}

func (f *fakeGroups) Leave() error {
	f.ops = append(f.ops, "leave")
	f.active = ""
	return nil
}

func (f *fakeGroups) SetMuted(muted bool) error {
	f.ops = append(f.ops, "mute")
	return nil
}

func (f *fakeGroups) Roster() []group.Participant { return f.roster }

func (f *fakeGroups) Active() (string, bool) { return f.active, f.active != "" }

type fakeStatus struct {
	manual   string
	activity int
}

func (f *fakeStatus) Activity() { f.activity++ }

func (f *fakeStatus) SetManual(s string) error {
	f.manual = s
	return nil
}

func (f *fakeStatus) Manual() string { return f.manual }

type fakeContacts []state.Contact

func (f fakeContacts) Online() []state.Contact { return f }

type consoleHarness struct {
	con    *console
	out    *bytes.Buffer
	calls  *fakeCalls
	groups *fakeGroups
	status *fakeStatus
}

func newConsoleHarness() *consoleHarness {
	h := &consoleHarness{
		out:    &bytes.Buffer{},
		calls:  &fakeCalls{},
		groups: &fakeGroups{},
		status: &fakeStatus{manual: "online"},
	}
	h.con = newConsole(h.out, h.calls, h.groups, h.status, fakeContacts{{UserID: "bob", Status: "dnd"}})
	h.con.async = func(fn func()) { fn() }
	return h
}

func TestConsoleCallCommands(t *testing.T) {
	h := newConsoleHarness()
	ctx := context.Background()

	for _, line := range []string{"call bob", "video carol", "answer", "reject", "mute", "unmute", "share", "share audio", "unshare"} {
		require.NoError(t, h.con.exec(ctx, line), line)
	}
	assert.Equal(t, []string{
		"call bob", "video carol", "answer", "reject", "mute", "unmute", "share", "share audio", "unshare",
	}, h.calls.recorded())
	assert.Equal(t, 9, h.status.activity, "every command counts as activity")
}

func TestConsoleHangup(t *testing.T) {
	h := newConsoleHarness()
	ctx := context.Background()

	assert.ErrorIs(t, h.con.exec(ctx, "hangup"), call.ErrNoActiveCall)

	h.calls.session = &call.Session{Outgoing: true, State: call.StateRingingOutgoing}
	require.NoError(t, h.con.exec(ctx, "hangup"))
	h.calls.session = &call.Session{Outgoing: true, State: call.StateActive}
	require.NoError(t, h.con.exec(ctx, "hangup"))
	assert.Equal(t, []string{"cancel", "terminate"}, h.calls.recorded())
}

func TestConsoleGroupCommands(t *testing.T) {
	h := newConsoleHarness()
	ctx := context.Background()

	assert.ErrorIs(t, h.con.exec(ctx, "group roster"), group.ErrNotInCall)
	require.NoError(t, h.con.exec(ctx, "group start g1"))
	h.groups.roster = []group.Participant{{UserID: "bob", Connected: true, Speaking: true}, {UserID: "carol"}}
	require.NoError(t, h.con.exec(ctx, "group roster"))
	assert.Contains(t, h.out.String(), "bob (connected, speaking)")
	assert.Contains(t, h.out.String(), "carol (connecting)")

	require.NoError(t, h.con.exec(ctx, "mute"), "mute goes to the group while in one")
	require.NoError(t, h.con.exec(ctx, "hangup"))
	assert.Equal(t, []string{"start g1", "mute", "leave"}, h.groups.ops)
	assert.Empty(t, h.calls.recorded())
}

func TestConsoleStatusAndContacts(t *testing.T) {
	h := newConsoleHarness()
	ctx := context.Background()

	require.NoError(t, h.con.exec(ctx, "status dnd"))
	assert.Equal(t, "dnd", h.status.manual)
	require.NoError(t, h.con.exec(ctx, "status"))
	require.NoError(t, h.con.exec(ctx, "contacts"))
	assert.Contains(t, h.out.String(), "status: dnd")
	assert.Contains(t, h.out.String(), "bob")
}

func TestConsoleRejectsUnknownAndIncomplete(t *testing.T) {
	h := newConsoleHarness()
	ctx := context.Background()

	assert.Error(t, h.con.exec(ctx, "dance"))
	assert.Error(t, h.con.exec(ctx, "call"))
	assert.Error(t, h.con.exec(ctx, "group"))
	assert.Error(t, h.con.exec(ctx, "group start"))
	assert.NoError(t, h.con.exec(ctx, "   "))
}

func TestConsoleRunStopsOnQuit(t *testing.T) {
	h := newConsoleHarness()
	in := strings.NewReader("status dnd\nquit\nstatus offline\n")

	require.NoError(t, h.con.run(context.Background(), in))
	assert.Equal(t, "dnd", h.status.manual, "commands after quit are not run")
}

func TestConsoleRunReportsErrors(t *testing.T) {
	h := newConsoleHarness()
	require.NoError(t, h.con.run(context.Background(), strings.NewReader("dance\n")))
	assert.Contains(t, h.out.String(), `error: unknown command "dance"`)
}

func TestDescribeSession(t *testing.T) {
	s := call.Session{
		Peer:      call.Peer{UserID: "bob"},
		Outgoing:  true,
		Video:     true,
		State:     call.StateActive,
		Muted:     true,
		PeerMuted: true,
	}
	assert.Equal(t, "outgoing video call with bob: active (muted, peer muted)", describeSession(s))
}
