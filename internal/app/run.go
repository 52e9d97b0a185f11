// Package app wires parley's packages into the two runnable roles: the relay
// hub and the console client.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/group"
	"github.com/petervdpas/parley/internal/link"
	"github.com/petervdpas/parley/internal/monitor"
	"github.com/petervdpas/parley/internal/presence"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/relay"
	"github.com/petervdpas/parley/internal/state"
	"github.com/petervdpas/parley/internal/storage"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// ── Relay ─────────────────────────────────────────────────────────────────────

// RunRelay serves the relay hub until ctx is done. ready, when set, receives
// the bound address once the hub listens.
func RunRelay(ctx context.Context, opt Options, ready func(addr string)) error {
	cfg := opt.Cfg
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyLogLevels(cfg.Log)

	logBuf := util.NewLogBuffer(cfg.Log.BufferLines)
	pipe := logging.NewPipeReader()
	defer pipe.Close()
	go func() { _ = logBuf.Follow(pipe) }()

	logBanner("relay", opt.Dir, opt.CfgPath)

	db, err := storage.Open(util.ResolvePath(opt.Dir, cfg.Relay.DBPath))
	if err != nil {
		return err
	}
	defer db.Close()

	var status presence.StatusStore = db
	if cfg.Relay.RedisAddr != "" {
		cache, err := storage.NewStatusCache(ctx, cfg.Relay.RedisAddr, db)
		if err != nil {
			log.Warnf("APP: status cache disabled: %v", err)
		} else {
			defer cache.Close()
			status = cache
			log.Infof("APP: status cache at %s", cfg.Relay.RedisAddr)
		}
	}

	friends, err := syncFriends(db, cfg.Relay)
	if err != nil {
		return err
	}

	srv := relay.NewServer(relay.Options{
		Bind:           cfg.Relay.Bind,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		Status:         status,
		Friends:        friends,
		Calls:          db,
		Logs:           logBuf,
		Liveness:       cfg.Presence.Liveness(),
		PruneEvery:     cfg.Presence.PruneEvery(),
		HistorySize:    cfg.Relay.HistorySize,
	})

	g, ctx := errgroup.WithContext(ctx)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	if ready != nil {
		ready(srv.Addr().String())
	}
	if opt.CfgPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, opt.CfgPath, func(c config.Config) { applyLogLevels(c.Log) })
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err = g.Wait()
	log.Infof("APP: relay stopped")
	return err
}

// ── Client ────────────────────────────────────────────────────────────────────

// RunClient connects to the relay and serves console commands from in until
// in is exhausted, quit is typed or ctx is done.
func RunClient(ctx context.Context, opt Options, in io.Reader, out io.Writer) error {
	cfg := opt.Cfg
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.ValidateClient(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyLogLevels(cfg.Log)
	logBanner("client", opt.Dir, opt.CfgPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	self := call.Peer{
		UserID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
		Avatar:      cfg.Identity.Avatar,
	}
	sess := &relaySession{
		url:     cfg.Relay.URL,
		userID:  self.UserID,
		addr:    uuid.NewString(),
		timeout: cfg.Call.RequestTimeout(),
	}

	capture, err := link.NewCapture(cfg.Media.BitRate)
	if err != nil {
		return fmt.Errorf("media capture: %w", err)
	}
	links, err := link.NewManager(sess, capture, link.Options{ICEServers: cfg.Media.ICEServers})
	if err != nil {
		return err
	}
	defer links.Close()

	neg := call.NewNegotiator(call.Options{
		Self:     self,
		Signaler: sess,
		Linker:   links,
		Media:    capture,
		Quality: call.VideoQuality{
			MaxWidth:  cfg.Media.MaxWidth,
			MaxHeight: cfg.Media.MaxHeight,
			FrameRate: cfg.Media.FrameRate,
		},
		BusyTimeout: cfg.Call.BusyTimeout(),
		RingTimeout: cfg.Call.RingTimeout(),
	})
	defer neg.Close()

	mesh := group.New(group.Options{
		Self:      self,
		Signaler:  sess,
		Linker:    links,
		Media:     capture,
		RelayAddr: sess.relayAddr,
	})
	defer mesh.Close()
	neg.SetGroupHandoff(mesh.Handoff)

	links.OnIncoming(func(l call.Link) {
		if mesh.HandleIncoming(ctx, l) {
			return
		}
		neg.HandleIncoming(ctx, l)
	})

	contacts := state.NewContactTable()
	mon := monitor.New(sess, proto.StatusOnline, monitor.Options{
		IdleTimeout:       cfg.Presence.IdleTimeout(),
		HeartbeatInterval: cfg.Presence.Heartbeat(),
	})
	defer mon.Stop()

	sess.bind = func(c *relay.Client) {
		bindClient(ctx, c, clientParts{neg: neg, mesh: mesh, links: links, contacts: contacts})
	}
	sess.resumed = mon.Resume
	sess.up = func() {
		mon.Start()
		if groupID, ok := mesh.Active(); ok {
			if err := sess.JoinGroupRoom(groupID); err != nil {
				log.Warnf("APP: rejoin group room %s: %v", groupID, err)
			}
			if err := mesh.Announce(); err != nil {
				log.Warnf("APP: re-announce in %s: %v", groupID, err)
			}
		}
	}

	con := newConsole(out, neg, mesh, mon, contacts)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.run(ctx) })
	g.Go(func() error {
		report(ctx, con, neg, mesh, contacts)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return con.run(ctx, in)
	})
	if opt.CfgPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, opt.CfgPath, func(c config.Config) { applyLogLevels(c.Log) })
		})
	}

	err = g.Wait()
	if err := mesh.Leave(); err != nil {
		log.Warnf("APP: leave group: %v", err)
	}
	if _, ok := neg.Current(); ok {
		_ = neg.Terminate()
	}
	log.Infof("APP: client stopped")
	return err
}

type clientParts struct {
	neg      *call.Negotiator
	mesh     *group.Mesh
	links    *link.Manager
	contacts *state.ContactTable
}

// bindClient routes relay events to the client parts. Handlers run on the
// connection's read loop, so anything that may touch the network is moved
// to its own goroutine.
func bindClient(ctx context.Context, c *relay.Client, p clientParts) {
	on := func(event string, fn func(proto.Frame) error) {
		c.On(event, func(f proto.Frame) {
			if err := fn(f); err != nil {
				log.Warnf("APP: %v", err)
			}
		})
	}

	on(proto.EventOnlineUsers, func(f proto.Frame) error {
		var users []proto.OnlineUser
		if err := f.Decode(&users); err != nil {
			return err
		}
		p.contacts.ApplySnapshot(users)
		return nil
	})
	on(proto.EventUserStatusChange, func(f proto.Frame) error {
		var d proto.StatusChangePayload
		if err := f.Decode(&d); err != nil {
			return err
		}
		p.contacts.ApplyDelta(d)
		return nil
	})

	on(proto.EventCallTermination, func(f proto.Frame) error {
		var t proto.CallTerminationPayload
		if err := f.Decode(&t); err != nil {
			return err
		}
		go p.neg.HandleRemoteTermination(t.FromUserID)
		return nil
	})
	on(proto.EventPeerMuteChange, func(f proto.Frame) error {
		var m proto.MuteChangePayload
		if err := f.Decode(&m); err != nil {
			return err
		}
		p.neg.HandleRemoteMute(m.FromUserID, m.IsMuted)
		return nil
	})
	on(proto.EventPeerScreenShareChange, func(f proto.Frame) error {
		var s proto.ScreenShareChangePayload
		if err := f.Decode(&s); err != nil {
			return err
		}
		go p.neg.HandleRemoteScreenShare(s.FromUserID, s.IsSharing)
		return nil
	})
	on(proto.EventCallEventRecorded, func(f proto.Frame) error {
		var rec proto.CallRecord
		if err := f.Decode(&rec); err != nil {
			return err
		}
		log.Infof("APP: call %s -> %s recorded: %s", rec.FromUserID, rec.ToUserID, rec.Status)
		return nil
	})

	on(proto.EventGroupCallStarted, func(f proto.Frame) error {
		var s proto.GroupCallInitPayload
		if err := f.Decode(&s); err != nil {
			return err
		}
		go p.neg.HandleGroupCallStarted(s.GroupID, s.FromUserID)
		return nil
	})
	on(proto.EventGroupPeerDiscovered, func(f proto.Frame) error {
		var d proto.GroupPeerDiscoveredPayload
		if err := f.Decode(&d); err != nil {
			return err
		}
		go p.mesh.HandlePeerDiscovered(ctx, d)
		return nil
	})
	on(proto.EventGroupCallLeave, func(f proto.Frame) error {
		var l proto.GroupCallLeavePayload
		if err := f.Decode(&l); err != nil {
			return err
		}
		go p.mesh.HandlePeerLeft(l.GroupID, l.UserID)
		return nil
	})

	on(proto.EventLinkSignal, func(f proto.Frame) error {
		var s proto.LinkSignalPayload
		if err := f.Decode(&s); err != nil {
			return err
		}
		p.links.HandleSignal(s.From, s.Data)
		return nil
	})
	on(proto.EventError, func(f proto.Frame) error {
		var e proto.ErrorPayload
		if err := f.Decode(&e); err != nil {
			return err
		}
		log.Warnf("APP: relay error: %s", e.Message)
		return nil
	})
}

type callSubscriber interface {
	Subscribe() (<-chan call.Event, func())
}

// report prints call, group and contact events until ctx is done.
func report(ctx context.Context, con *console, calls callSubscriber, mesh *group.Mesh, contacts *state.ContactTable) {
	callEvents, stop := calls.Subscribe()
	defer stop()
	groupEvents := mesh.Subscribe()
	defer mesh.Unsubscribe(groupEvents)
	contactEvents := contacts.Subscribe()
	defer contacts.Unsubscribe(contactEvents)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-callEvents:
			if !ok {
				return
			}
			reportCall(con, ev)
		case ev, ok := <-groupEvents:
			if !ok {
				return
			}
			reportGroup(con, ev)
		case ev, ok := <-contactEvents:
			if !ok {
				return
			}
			if ev.Contact != nil {
				con.printf("contact: %s is %s", ev.Contact.UserID, ev.Contact.Status)
			} else if ev.Type == "update" {
				con.printf("contact: %s went offline", ev.UserID)
			}
		}
	}
}

func reportCall(con *console, ev call.Event) {
	s := ev.Session
	switch ev.Type {
	case call.EventState:
		if s.State == call.StateRingingIncoming {
			con.printf("call: %s is calling, answer or reject", s.Peer.UserID)
			return
		}
		con.printf("call: %s", describeSession(s))
	case call.EventRemoteStream:
		con.printf("call: receiving %d tracks from %s", len(ev.Stream.Tracks), s.Peer.UserID)
	case call.EventScreenStream:
		con.printf("call: %s is sharing their screen", s.Peer.UserID)
	case call.EventRender:
		con.printf("call: showing %s view", s.Render)
	case call.EventMute:
		con.printf("call: %s", describeSession(s))
	case call.EventNotice:
		con.printf("call: %v", ev.Err)
	}
}

func reportGroup(con *console, ev *group.Event) {
	switch ev.Type {
	case group.EventStream:
		con.printf("group %s: connected to %s", ev.GroupID, ev.Participant.UserID)
	case group.EventSpeaking:
		if ev.Participant.Speaking {
			log.Debugf("APP: %s speaking in %s", ev.Participant.UserID, ev.GroupID)
		}
	case group.EventEnded:
		con.printf("group %s: left", ev.GroupID)
	}
}
