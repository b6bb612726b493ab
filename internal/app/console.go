package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/peervoice/peervoice/call"
)

// runConsole is the interactive front end: one line per command, call state
// changes printed as they happen.
func runConsole(ctx context.Context, m *call.Machine) error {
	updates, cancel := m.Subscribe()
	defer cancel()
	go printUpdates(updates)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Println(`Commands: call <peer> [conversation], accept, reject, hangup, mute, unmute, status, quit`)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := dispatch(ctx, m, line); quit {
				return nil
			}
		}
	}
}

func dispatch(ctx context.Context, m *call.Machine, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			fmt.Println("usage: call <peer> [conversation]")
			return false
		}
		peer := fields[1]
		conversation := conversationID(m, peer, fields)
		var callID string
		callID, err = m.StartCall(ctx, conversation, peer)
		if err == nil {
			fmt.Printf("calling %s (call %s)\n", peer, callID)
		}
	case "accept":
		err = m.Accept(ctx)
	case "reject":
		err = m.Reject(ctx)
	case "hangup":
		err = m.Hangup(ctx)
	case "mute":
		err = m.SetMuted(ctx, true)
	case "unmute":
		err = m.SetMuted(ctx, false)
	case "status":
		var info call.Info
		info, err = m.Info(ctx)
		if err == nil {
			printStatus(info)
		}
	case "quit", "exit":
		return true
	case "help":
		fmt.Println(`Commands: call <peer> [conversation], accept, reject, hangup, mute, unmute, status, quit`)
	default:
		fmt.Printf("unknown command %q (try help)\n", fields[0])
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return false
}

// conversationID derives a stable conversation id for a peer pair when the
// user does not name one. Both sides compute the same id regardless of who
// dials.
func conversationID(m *call.Machine, peer string, fields []string) string {
	if len(fields) >= 3 {
		return fields[2]
	}
	self := m.SelfID()
	if self < peer {
		return self + ":" + peer
	}
	return peer + ":" + self
}

func printUpdates(updates <-chan call.Info) {
	var last call.State
	for info := range updates {
		if info.State == last && info.State == call.StateConnected {
			// Once a second while connected; keep it to one line.
			fmt.Printf("\rconnected %s  in call with %s   ", formatDuration(info.Duration), info.PeerID)
			continue
		}
		if last == call.StateConnected {
			fmt.Println()
		}
		last = info.State

		switch info.State {
		case call.StateRinging:
			fmt.Printf("incoming call from %s (accept / reject)\n", info.PeerID)
		case call.StateCalling:
			fmt.Printf("calling %s ...\n", info.PeerID)
		case call.StateConnected:
			fmt.Printf("connected to %s\n", info.PeerID)
		case call.StateIdle:
			if info.Notice != "" {
				fmt.Println(info.Notice)
			}
			if info.Err != nil {
				fmt.Printf("call error: %v\n", info.Err)
			}
		}
	}
}

func printStatus(info call.Info) {
	fmt.Printf("state:        %s\n", info.State)
	if info.State == call.StateIdle {
		if info.Notice != "" {
			fmt.Printf("last call:    %s\n", info.Notice)
		}
		return
	}
	fmt.Printf("call:         %s\n", info.CallID)
	fmt.Printf("conversation: %s\n", info.ConversationID)
	fmt.Printf("peer:         %s\n", info.PeerID)
	fmt.Printf("muted:        %v\n", info.Muted)
	if info.State == call.StateConnected {
		fmt.Printf("duration:     %s\n", formatDuration(info.Duration))
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m >= 60 {
		return fmt.Sprintf("%d:%02d:%02d", m/60, m%60, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
