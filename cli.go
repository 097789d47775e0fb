package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"lanshare/access"
	"lanshare/logging"
	"lanshare/storage"
)

// runCLI reads commands from stdin until exit or signal.
func (a *app) runCLI(ctx context.Context, stop context.CancelFunc) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println(`type "help" for commands`)
	for {
		fmt.Print("> ")
		select {
		case line, ok := <-lines:
			if !ok {
				stop()
				return
			}
			if a.dispatch(strings.TrimSpace(line)) {
				stop()
				return
			}
		case <-ctx.Done():
			fmt.Println()
			return
		}
	}
}

// dispatch runs one command line; true means exit.
func (a *app) dispatch(line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "exit", "quit":
		return true
	case "help":
		a.printHelp()
	case "clear":
		fmt.Print("\033[2J\033[H")
	case "debug":
		logging.SetDebug(!logging.Debugging())
		fmt.Printf("debug logging: %v\n", logging.Debugging())
	case "ul":
		a.listPeers()
	case "connect":
		a.cmdConnect(args)
	case "auth":
		a.cmdAuth(args)
	case "msg":
		a.cmdMsg(args)
	case "send":
		a.cmdSend(args)
	case "history":
		a.cmdHistory(args)
	case "mkcode":
		a.cmdMkcode(args)
	case "revoke":
		a.cmdRevoke(args)
	case "close":
		a.cmdClose(args)
	default:
		fmt.Printf("unknown command %q, try help\n", cmd)
	}
	return false
}

func (a *app) printHelp() {
	fmt.Println(`commands:
  ul                           list discovered peers
  connect <device_id>          start a handshake with a peer
  auth <device_id> <code>      present an access code for a pending handshake
  msg <device_id> <text...>    send a message over an established session
  send <device_id> <path>      send a file over an established session
  history <device_id>          show the delivery log for the current session
  mkcode <role> [sublan] [ttl] [reusable]
                               issue an access code (admin); ttl is a
                               duration like 5m, default single-use
  revoke <code>                revoke an issued access code
  close <device_id>            close the session with a peer
  debug                        toggle debug logging
  clear                        clear the screen
  exit                         quit`)
}

func (a *app) listPeers() {
	peers := a.registry.Snapshot(a.cfg.SubLan)
	if len(peers) == 0 {
		fmt.Println("no peers in range")
		return
	}
	for _, peer := range peers {
		status := ""
		if sess, ok := a.manager.SessionByPeer(peer.DeviceID); ok {
			status = fmt.Sprintf("  [session %s, role %s]", sess.ID()[:8], sess.Role())
		}
		fmt.Printf("  %-24s %s:%d  seen %s ago%s\n",
			peer.DeviceID, peer.Addr, peer.Port,
			time.Since(peer.LastSeen).Round(time.Second), status)
	}
}

func (a *app) cmdConnect(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: connect <device_id>")
		return
	}
	peer, ok := a.registry.Lookup(args[0])
	if !ok {
		fmt.Printf("peer %s not in range, try ul\n", args[0])
		return
	}
	if err := a.manager.Initiate(peer); err != nil {
		fmt.Printf("connect failed: %v\n", err)
		return
	}
	fmt.Printf("handshake started, now: auth %s <code>\n", peer.DeviceID)
}

func (a *app) cmdAuth(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: auth <device_id> <code>")
		return
	}
	sess, err := a.manager.PresentCode(args[0], args[1])
	if err != nil {
		fmt.Printf("authentication failed: %v\n", err)
		return
	}
	fmt.Printf("session %s established, role %s\n", sess.ID()[:8], sess.Role())
}

func (a *app) cmdMsg(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: msg <device_id> <text...>")
		return
	}
	sess, ok := a.manager.SessionByPeer(args[0])
	if !ok {
		fmt.Printf("no session with %s, try connect\n", args[0])
		return
	}
	text := strings.Join(args[1:], " ")
	go func() {
		if err := a.engine.SendMessage(sess, text); err != nil {
			fmt.Printf("\nmessage to %s failed: %v\n> ", sess.PeerDeviceName(), err)
		}
	}()
}

func (a *app) cmdSend(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: send <device_id> <path>")
		return
	}
	sess, ok := a.manager.SessionByPeer(args[0])
	if !ok {
		fmt.Printf("no session with %s, try connect\n", args[0])
		return
	}
	path := args[1]
	go func() {
		if err := a.engine.SendFile(sess, path); err != nil {
			fmt.Printf("\nfile send failed: %v\n> ", err)
		}
	}()
	fmt.Printf("sending %s in the background\n", path)
}

func (a *app) cmdHistory(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: history <device_id>")
		return
	}
	sess, ok := a.manager.SessionByPeer(args[0])
	if !ok {
		fmt.Printf("no session with %s\n", args[0])
		return
	}
	entries, err := a.engine.History(sess.ID())
	if err != nil {
		fmt.Printf("history failed: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("no messages this session")
		return
	}
	for _, entry := range entries {
		arrow := "->"
		if entry.Direction == storage.DirectionReceived {
			arrow = "<-"
		}
		marker := ""
		if entry.Status == storage.LogStatusFailed {
			marker = " [failed]"
		}
		at := time.UnixMilli(entry.Timestamp).Format(time.TimeOnly)
		fmt.Printf("  %s %s %s%s\n", at, arrow, entry.Body, marker)
	}
}

// mkcodeRequest is the parsed form of the mkcode arguments.
type mkcodeRequest struct {
	role      access.Role
	subLan    string
	subLanSet bool
	ttl       time.Duration
	reusable  bool
}

// parseMkcodeArgs understands "mkcode <role> [sublan] [ttl] [reusable]" with
// the optional arguments in any order: a duration is the TTL, the literal
// "reusable" lifts the single-use restriction, anything else is the sub-LAN
// label.
func parseMkcodeArgs(args []string) (mkcodeRequest, error) {
	if len(args) == 0 {
		return mkcodeRequest{}, fmt.Errorf("a role is required")
	}
	role, err := access.ParseRole(args[0])
	if err != nil {
		return mkcodeRequest{}, err
	}

	req := mkcodeRequest{role: role}
	for _, arg := range args[1:] {
		if arg == "reusable" {
			req.reusable = true
			continue
		}
		if ttl, err := time.ParseDuration(arg); err == nil {
			if ttl <= 0 {
				return mkcodeRequest{}, fmt.Errorf("ttl must be positive, got %s", arg)
			}
			req.ttl = ttl
			continue
		}
		if req.subLanSet {
			return mkcodeRequest{}, fmt.Errorf("unrecognized argument %q", arg)
		}
		req.subLan = arg
		req.subLanSet = true
	}
	return req, nil
}

func (a *app) cmdMkcode(args []string) {
	req, err := parseMkcodeArgs(args)
	if err != nil {
		fmt.Printf("usage: mkcode <visitor|member|admin> [sublan] [ttl] [reusable] (%v)\n", err)
		return
	}
	subLan := a.cfg.SubLan
	if req.subLanSet {
		subLan = req.subLan
	}

	// The local operator administers their own node.
	code, err := a.ledger.Issue(access.RoleAdmin, req.role, subLan, req.ttl, req.reusable)
	if err != nil {
		fmt.Printf("mkcode failed: %v\n", err)
		return
	}

	kind := "single-use"
	if req.reusable {
		kind = "reusable"
	}
	ttl := req.ttl
	if ttl <= 0 {
		ttl = access.DefaultCodeTTL
	}
	fmt.Printf("code: %s (%s, %s, valid %s)\n", code, req.role, kind, ttl)
}

func (a *app) cmdRevoke(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: revoke <code>")
		return
	}
	if err := a.ledger.Revoke(args[0]); err != nil {
		fmt.Printf("revoke failed: %v\n", err)
		return
	}
	fmt.Println("code revoked")
}

func (a *app) cmdClose(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: close <device_id>")
		return
	}
	sess, ok := a.manager.SessionByPeer(args[0])
	if !ok {
		fmt.Printf("no session with %s\n", args[0])
		return
	}
	a.manager.Close(sess.ID(), "closed by operator")
	fmt.Println("session closed")
}
