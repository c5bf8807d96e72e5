package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/omochice/tiny-chat/internal/chat"
	"github.com/omochice/tiny-chat/internal/client"
	"github.com/omochice/tiny-chat/internal/store"
	"github.com/omochice/tiny-chat/pkg/protocol"
)

// shell is the interactive prompt. Inbound records are rendered from the
// connection manager loop while the prompt reads input, so writes to out
// are serialised.
type shell struct {
	session *chat.Session

	mu        sync.Mutex
	out       io.Writer
	streaming string
}

func newShell(session *chat.Session, out io.Writer) *shell {
	return &shell{session: session, out: out}
}

func (sh *shell) loop(ctx context.Context, rl *readline.Instance) error {
	sh.printf("Connected to conversation %s. Type /help for commands.\n", sh.session.ID())

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("readline error: %w", err)
		}

		if quit := sh.execute(ctx, line); quit {
			return nil
		}
	}
}

// execute handles one input line and reports whether the user asked to quit.
func (sh *shell) execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		if _, err := sh.session.Submit(ctx, line); err != nil {
			if errors.Is(err, client.ErrNotConnected) {
				sh.printf("Not connected, message not sent.\n")
				return false
			}
			sh.printf("Error: %v\n", err)
		}
		return false
	}

	switch strings.ToLower(strings.Fields(line)[0]) {
	case "/quit", "/exit":
		return true
	case "/new":
		sh.session.Reset()
		sh.printf("Started conversation %s.\n", sh.session.ID())
	case "/stop":
		if err := sh.session.Stop(ctx); err != nil {
			sh.printf("Error: %v\n", err)
		}
	case "/history":
		sh.mu.Lock()
		printHistory(sh.out, sh.session.Store().Groups())
		sh.mu.Unlock()
	case "/status":
		owner, composing := sh.session.Status().LoadingOwner()
		sh.printf("status: %s\n", sh.session.Status().Status())
		sh.printf("conversation: %s\n", sh.session.ID())
		if composing {
			sh.printf("composing: %s\n", owner)
		}
	case "/help":
		sh.printf("/new /stop /history /status /quit\n")
	default:
		sh.printf("Unknown command %s. Type /help for commands.\n", line)
	}
	return false
}

// render prints an inbound record. Streamed fragments of one record are
// written on a single line.
func (sh *shell) render(msg protocol.Message) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if msg.Kind().IsControl() || msg.Kind() == protocol.KindLoading {
		return
	}

	if msg.IsStreaming() {
		if sh.streaming != msg.MessageID() {
			sh.endStream()
			fmt.Fprint(sh.out, label(msg))
			sh.streaming = msg.MessageID()
		}
		fmt.Fprint(sh.out, protocol.Content(msg))
		return
	}

	sh.endStream()
	writeRecord(sh.out, msg)
}

func (sh *shell) endStream() {
	if sh.streaming != "" {
		fmt.Fprintln(sh.out)
		sh.streaming = ""
	}
}

func (sh *shell) printf(format string, args ...any) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.endStream()
	fmt.Fprintf(sh.out, format, args...)
}

func label(msg protocol.Message) string {
	switch m := msg.(type) {
	case *protocol.Reasoning:
		return "  (thinking) "
	case *protocol.Tool:
		return fmt.Sprintf("  (tool %s) ", m.Name)
	case *protocol.Sources:
		return "  (sources) "
	default:
		sender := msg.Sender()
		if sender == "" {
			sender = protocol.RoleAgent
		}
		return string(sender) + "> "
	}
}

func writeRecord(w io.Writer, msg protocol.Message) {
	fmt.Fprintf(w, "%s%s\n", label(msg), protocol.Content(msg))
	if sources, ok := msg.(*protocol.Sources); ok {
		for i, src := range sources.Sources {
			fmt.Fprintf(w, "    [%d] %s %s\n", i+1, src.Title, src.URL)
		}
	}
}

func printHistory(w io.Writer, view store.View) {
	if len(view.Groups) == 0 && len(view.Orphans) == 0 {
		fmt.Fprintln(w, "(empty)")
		return
	}
	for _, group := range view.Groups {
		if group.Main.Kind() == protocol.KindLoading {
			fmt.Fprintln(w, "agent> ...")
			continue
		}
		writeRecord(w, group.Main)
		for _, child := range group.Children {
			writeRecord(w, child)
		}
	}
	for _, orphan := range view.Orphans {
		writeRecord(w, orphan)
	}
}
