// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/peervoice/peervoice/config"
)

// PromptInteractive walks the user through the handful of settings worth
// asking about, starting from cfg.
func PromptInteractive(dir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(os.Stdin)

	fmt.Println("────────────────────────────────────────")
	fmt.Println("peervoice interactive setup")
	fmt.Printf(" Peer folder : %s\n", dir)
	fmt.Printf(" Config file : %s\n", cfgPath)
	fmt.Println("────────────────────────────────────────")
	fmt.Println()

	cfg.Identity.UserID = askString(in, "User id", cfg.Identity.UserID)
	cfg.Call.RingTimeoutSec = askInt(in, "Ring timeout seconds", cfg.Call.RingTimeoutSec)

	cfg.Signaling.Backend = askString(in, "Signaling backend (memory/redis/pubsub/websocket)", cfg.Signaling.Backend)
	switch cfg.Signaling.Backend {
	case "redis":
		cfg.Signaling.RedisAddr = askString(in, "Redis address", cfg.Signaling.RedisAddr)
	case "pubsub":
		cfg.Signaling.ListenPort = askInt(in, "Listen port (0=random)", cfg.Signaling.ListenPort)
	case "websocket":
		cfg.Signaling.WebsocketURL = askString(in, "Websocket relay URL", cfg.Signaling.WebsocketURL)
	}

	cfg.Storage.Driver = askString(in, "Storage driver (memory/sqlite)", cfg.Storage.Driver)

	if askBool(in, "Configure a TURN relay", cfg.Media.TURNURL != "") {
		cfg.Media.TURNURL = askString(in, "TURN URL", cfg.Media.TURNURL)
		cfg.Media.TURNUsername = askString(in, "TURN username", cfg.Media.TURNUsername)
		cfg.Media.TURNCredential = askString(in, "TURN credential", cfg.Media.TURNCredential)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping defaults.\n", err)
		def := config.Default()
		def.Identity.UserID = cfg.Identity.UserID
		return def
	}
	return cfg
}

func askString(in *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, label string, def int) int {
	for {
		fmt.Printf("%s [%d]: ", label, def)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		fmt.Println("Please enter a number.")
	}
}

func askBool(in *bufio.Reader, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Printf("%s [%s]: ", label, defStr)
		s, _ := in.ReadString('\n')
		s = strings.ToLower(strings.TrimSpace(s))
		switch s {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		fmt.Println("Please answer y or n.")
	}
}
