package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/parley/internal/config"
)

// PromptInteractive walks through the settings a new client needs and
// returns the edited config. An invalid result falls back to cfg unchanged.
func PromptInteractive(r io.Reader, w io.Writer, dir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)
	orig := cfg

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "Parley interactive setup")
	fmt.Fprintf(w, " Working dir : %s\n", dir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.UserID = askString(in, w, "User id", cfg.Identity.UserID)
	cfg.Identity.DisplayName = askString(in, w, "Display name", cfg.Identity.DisplayName)
	cfg.Relay.URL = askString(in, w, "Relay URL", cfg.Relay.URL)

	if askBool(in, w, "Run a relay from this directory", false) {
		cfg.Relay.Bind = askString(in, w, "Relay bind address", cfg.Relay.Bind)
		cfg.Relay.RedisAddr = askString(in, w, "Redis address (empty=off)", cfg.Relay.RedisAddr)
	}

	cfg.Presence.IdleTimeoutSec = askInt(in, w, "Idle timeout seconds", cfg.Presence.IdleTimeoutSec)
	cfg.Media.MaxWidth = askInt(in, w, "Camera max width", cfg.Media.MaxWidth)
	cfg.Media.MaxHeight = askInt(in, w, "Camera max height", cfg.Media.MaxHeight)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous settings.\n", err)
		return orig
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
