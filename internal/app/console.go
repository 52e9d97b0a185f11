package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/group"
	"github.com/petervdpas/parley/internal/state"
)

type caller interface {
	Initiate(ctx context.Context, target call.Peer, wantsVideo bool) error
	Cancel() error
	Answer(ctx context.Context) error
	Reject() error
	Terminate() error
	SetMuted(muted bool) error
	StartScreenShare(ctx context.Context, opts call.ScreenOptions) error
	StopScreenShare() error
	Current() (call.Session, bool)
}

type grouper interface {
	Start(ctx context.Context, groupID string) error
	Leave() error
	SetMuted(muted bool) error
	Roster() []group.Participant
	Active() (string, bool)
}

type statusKeeper interface {
	Activity()
	SetManual(status string) error
	Manual() string
}

type contactLister interface {
	Online() []state.Contact
}

// console drives a client from text commands, one per line.
type console struct {
	calls    caller
	groups   grouper
	status   statusKeeper
	contacts contactLister

	outMu sync.Mutex
	out   io.Writer

	// async runs commands that block on the network.
	async func(fn func())
}

func newConsole(out io.Writer, calls caller, groups grouper, status statusKeeper, contacts contactLister) *console {
	return &console{
		calls:    calls,
		groups:   groups,
		status:   status,
		contacts: contacts,
		out:      out,
		async:    func(fn func()) { go fn() },
	}
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// run reads commands until in is exhausted, ctx is done or quit is typed.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("type help for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				c.printf("error: %v", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func (c *console) exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	c.status.Activity()

	switch args[0] {
	case "help":
		c.help()
	case "quit", "exit":
		return errQuit

	case "status":
		if len(args) < 2 {
			c.printf("status: %s", c.status.Manual())
			return nil
		}
		return c.status.SetManual(args[1])
	case "contacts":
		online := c.contacts.Online()
		if len(online) == 0 {
			c.printf("nobody online")
		}
		for _, ct := range online {
			c.printf("  %-24s %s", ct.UserID, ct.Status)
		}

	case "call", "video":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s <user>", args[0])
		}
		target := call.Peer{UserID: args[1], DisplayName: args[1]}
		video := args[0] == "video"
		c.async(func() {
			if err := c.calls.Initiate(ctx, target, video); err != nil {
				c.printf("call %s: %v", target.UserID, err)
			}
		})
	case "answer":
		c.async(func() {
			if err := c.calls.Answer(ctx); err != nil {
				c.printf("answer: %v", err)
			}
		})
	case "reject":
		return c.calls.Reject()
	case "hangup":
		return c.hangup()
	case "mute", "unmute":
		muted := args[0] == "mute"
		if _, ok := c.groups.Active(); ok {
			return c.groups.SetMuted(muted)
		}
		return c.calls.SetMuted(muted)
	case "share":
		opts := call.ScreenOptions{WithSystemAudio: len(args) > 1 && args[1] == "audio"}
		c.async(func() {
			if err := c.calls.StartScreenShare(ctx, opts); err != nil {
				c.printf("share: %v", err)
			}
		})
	case "unshare":
		return c.calls.StopScreenShare()
	case "info":
		c.info()

	case "group":
		return c.group(ctx, args[1:])

	default:
		return fmt.Errorf("unknown command %q, type help", args[0])
	}
	return nil
}

func (c *console) hangup() error {
	if _, ok := c.groups.Active(); ok {
		return c.groups.Leave()
	}
	s, ok := c.calls.Current()
	if !ok {
		return call.ErrNoActiveCall
	}
	if s.Outgoing && (s.State == call.StateDialing || s.State == call.StateRingingOutgoing) {
		return c.calls.Cancel()
	}
	return c.calls.Terminate()
}

func (c *console) group(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: group start <id> | group leave | group roster")
	}
	switch args[0] {
	case "start":
		if len(args) < 2 {
			return errors.New("usage: group start <id>")
		}
		groupID := args[1]
		c.async(func() {
			if err := c.groups.Start(ctx, groupID); err != nil {
				c.printf("group %s: %v", groupID, err)
			}
		})
		return nil
	case "leave":
		return c.groups.Leave()
	case "roster":
		groupID, ok := c.groups.Active()
		if !ok {
			return group.ErrNotInCall
		}
		c.printf("group %s:", groupID)
		for _, p := range c.groups.Roster() {
			c.printf("  %s", describeParticipant(p))
		}
		return nil
	}
	return fmt.Errorf("unknown group command %q", args[0])
}

func (c *console) info() {
	if groupID, ok := c.groups.Active(); ok {
		c.printf("in group call %s with %d others", groupID, len(c.groups.Roster()))
		return
	}
	s, ok := c.calls.Current()
	if !ok {
		c.printf("no call")
		return
	}
	c.printf("%s", describeSession(s))
}

func (c *console) help() {
	c.printf("commands:")
	c.printf("  status [online|dnd|invisible|offline]")
	c.printf("  contacts")
	c.printf("  call <user> | video <user>")
	c.printf("  answer | reject | hangup")
	c.printf("  mute | unmute")
	c.printf("  share [audio] | unshare")
	c.printf("  group start <id> | group leave | group roster")
	c.printf("  info | quit")
}

func describeSession(s call.Session) string {
	dir := "incoming"
	if s.Outgoing {
		dir = "outgoing"
	}
	kind := "voice"
	if s.Video {
		kind = "video"
	}
	var flags []string
	if s.Muted {
		flags = append(flags, "muted")
	}
	if s.PeerMuted {
		flags = append(flags, "peer muted")
	}
	if s.Sharing {
		flags = append(flags, "sharing")
	}
	if s.Render == call.SessionScreenShare {
		flags = append(flags, "viewing peer screen")
	}
	out := fmt.Sprintf("%s %s call with %s: %s", dir, kind, s.Peer.UserID, s.State)
	if len(flags) > 0 {
		out += " (" + strings.Join(flags, ", ") + ")"
	}
	return out
}

func describeParticipant(p group.Participant) string {
	st := "connecting"
	if p.Connected {
		st = "connected"
	}
	if p.Speaking {
		st += ", speaking"
	}
	return fmt.Sprintf("%s (%s)", p.UserID, st)
}
