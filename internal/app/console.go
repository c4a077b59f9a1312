package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/p2pcall/internal/call"
	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/util"
)

// Caller is the part of the coordinator the console drives.
type Caller interface {
	StartCall(ctx context.Context, id call.Identity) error
	AcceptInvite(ctx context.Context) error
	DeclineInvite(ctx context.Context) error
	EndCall(ctx context.Context) error
	Snapshot() call.Snapshot
}

var errQuit = errors.New("quit")

type console struct {
	caller Caller
}

func newConsole(c Caller) *console {
	return &console{caller: c}
}

// run reads one command per line until ctx ends, input is exhausted, or the
// user quits.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.help()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				util.LogError("%s", call.UserMessage(err))
				util.LogDebug("%v", err)
			}
		}
	}
}

// exec runs a single command line.
func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch cmd, args := strings.ToLower(fields[0]), fields[1:]; cmd {
	case "call":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: call <chat> [user]")
		}
		id := call.Identity{ChatID: args[0]}
		if len(args) == 2 {
			id.RemoteUserID = args[1]
		}
		// Setup runs in the background so the console stays usable.
		go func() {
			if err := c.caller.StartCall(ctx, id); err != nil && !errors.Is(err, call.ErrCallEnded) {
				util.LogError("%s", call.UserMessage(err))
			}
		}()
		return nil

	case "accept":
		go func() {
			if err := c.caller.AcceptInvite(ctx); err != nil && !errors.Is(err, call.ErrCallEnded) {
				util.LogError("%s", call.UserMessage(err))
			}
		}()
		return nil

	case "decline":
		return c.caller.DeclineInvite(ctx)

	case "hangup", "end":
		return c.caller.EndCall(ctx)

	case "status":
		c.status(c.caller.Snapshot())
		return nil

	case "help", "?":
		c.help()
		return nil

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func (c *console) status(s call.Snapshot) {
	rows := pterm.TableData{
		{"Phase", s.Phase.String()},
	}
	if s.InSession {
		rows = append(rows,
			[]string{"Session", s.SessionID},
			[]string{"Chat", s.Identity.ChatID},
			[]string{"Remote", s.Identity.RemoteUserID},
			[]string{"Role", s.Role.String()},
			[]string{"Media", fmt.Sprintf("local=%t remote=%t", s.LocalMedia, s.RemoteMedia)},
		)
	}
	if s.Invite != nil {
		rows = append(rows, []string{"Invite", fmt.Sprintf("%s (%s) in %s", s.Invite.CallerDisplayName, s.Invite.CallerUserID, s.Invite.ChatID)})
	}
	if s.PendingSignals > 0 {
		rows = append(rows, []string{"Queued signals", fmt.Sprint(s.PendingSignals)})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
}

func (c *console) help() {
	_ = pterm.DefaultBulletList.WithItems([]pterm.BulletListItem{
		{Level: 0, Text: "call <chat> [user]  start a call"},
		{Level: 0, Text: "accept | decline     answer an incoming call"},
		{Level: 0, Text: "hangup               end the current call"},
		{Level: 0, Text: "status               show call state"},
		{Level: 0, Text: "quit"},
	}).Render()
}

// watch prints coordinator notifications until ctx ends.
func watch(ctx context.Context, notes <-chan call.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notes:
			render(n)
		}
	}
}

func render(n call.Notification) {
	switch n.Kind {
	case call.IncomingCall:
		name := n.Invite.CallerDisplayName
		if name == "" {
			name = n.Invite.CallerUserID
		}
		pterm.Info.Printfln("Incoming call from %s in chat %s. Type accept or decline.", name, n.Invite.ChatID)
	case call.RemoteMedia:
		util.LogSuccess("%s media is flowing", n.Identity)
	case call.Failure:
		if n.Capture != media.FailureNone {
			util.LogError("%s (%s)", n.Message, n.Capture)
			return
		}
		util.LogError("%s", n.Message)
	case call.Ended:
		util.LogInfo("%s call ended (%s)", n.Identity, n.Reason)
	case call.InviteCancelled:
		util.LogWarning("missed call from %s", n.Identity.RemoteUserID)
	case call.PhaseChanged:
		util.LogDebug("phase: %s", n.Phase)
	}
}
