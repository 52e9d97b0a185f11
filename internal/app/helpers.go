package app

import (
	"fmt"
	"net"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/presence"
	"github.com/petervdpas/parley/internal/storage"
)

// applyLogLevels sets the global level, then the per-subsystem overrides.
func applyLogLevels(c config.Log) {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		log.Warnf("APP: log level %q: %v", c.Level, err)
		lvl = logging.LevelInfo
	}
	logging.SetAllLoggers(lvl)
	for name, l := range c.Subsystems {
		if err := logging.SetLogLevel(name, l); err != nil {
			log.Warnf("APP: log level %s=%s: %v", name, l, err)
		}
	}
}

// syncFriends stores the configured friendships. The returned lookup is nil
// when none are configured, which makes the relay send status deltas to
// everyone.
func syncFriends(db *storage.DB, rc config.Relay) (presence.FriendLookup, error) {
	pairs, err := rc.FriendPairs()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := db.SyncFriends(pairs); err != nil {
		return nil, fmt.Errorf("sync friends: %w", err)
	}
	if len(pairs) == 0 {
		log.Infof("APP: no friendships configured, status deltas go to everyone")
		return nil, nil
	}
	log.Infof("APP: status deltas scoped to %d friendships", len(pairs))
	return db, nil
}

// WaitTCP polls addr until it accepts a connection.
func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func logBanner(role, dir, cfgPath string) {
	log.Infof("────────────────────────────────────────")
	log.Infof("Parley %s", role)
	log.Infof(" Working dir : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof("────────────────────────────────────────")
}
