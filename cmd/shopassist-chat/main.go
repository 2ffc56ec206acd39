// Terminal client for the ShopAssist conversation API.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/dudenrb/think41nikhil/internal/client"
	"github.com/dudenrb/think41nikhil/internal/history"
	"github.com/dudenrb/think41nikhil/internal/logger"
)

const usage = `Commands:
  /history     list your conversations
  /open <n|id> resume a conversation from the list
  /new         start a new conversation
  /quit        exit
Anything else is sent as a message.`

func main() {
	_ = godotenv.Load()

	apiURL := pflag.StringP("api", "a", envOr("SHOPASSIST_API_URL", "http://localhost:8000/api"), "base URL of the conversation API")
	userID := pflag.StringP("user", "u", envOr("SHOPASSIST_USER_ID", "guest"), "user id owning the conversations")
	timeout := pflag.Duration("timeout", 90*time.Second, "per-request timeout")
	logLevel := pflag.String("log-level", "error", "log level (debug, info, warn, error)")
	pflag.Parse()

	logger.SetLevel(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ctrl := client.NewController(client.NewHTTPClient(*apiURL, *timeout), *userID)
	r := &repl{ctrl: ctrl, out: os.Stdout}
	ctrl.OnChange(r.render)

	fmt.Fprintf(r.out, "ShopAssist chat as %q. Type /help for commands.\n", *userID)
	if err := r.run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type repl struct {
	ctrl    *client.Controller
	out     io.Writer
	shown   []history.Message
	session string
	replay  bool
	picker  []history.Summary
}

// render prints the part of the transcript that differs from what was last
// printed. The server copy can replace local messages, such as an error left
// by a failed turn, so the comparison is by position and content. User
// messages are only printed when replaying a resumed conversation, since the
// terminal already echoed them.
func (r *repl) render(s client.Snapshot) {
	if r.session != "" && s.SessionID != r.session {
		r.shown = nil
	}
	r.session = s.SessionID

	start := 0
	for start < len(r.shown) && start < len(s.Messages) && sameMessage(r.shown[start], s.Messages[start]) {
		start++
	}
	for _, m := range s.Messages[start:] {
		if m.Role == history.RoleUser {
			if r.replay {
				fmt.Fprintf(r.out, "you> %s\n", m.Content)
			}
			continue
		}
		fmt.Fprintf(r.out, "assistant> %s\n", m.Content)
	}
	r.shown = s.Messages
	if s.State == client.StateAwaitingReply {
		fmt.Fprintln(r.out, "...")
	}
}

func sameMessage(a, b history.Message) bool {
	return a.Role == b.Role && a.Content == b.Content
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "you> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/help":
			fmt.Fprintln(r.out, usage)
		case line == "/new":
			if err := r.ctrl.NewConversation(); err != nil {
				fmt.Fprintln(r.out, "error:", err)
				continue
			}
			fmt.Fprintln(r.out, "Started a new conversation.")
		case line == "/history":
			r.listHistory(ctx)
		case strings.HasPrefix(line, "/open"):
			r.open(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/open")))
		default:
			// failures already show up in the transcript
			_ = r.ctrl.Submit(ctx, line)
		}
	}
}

func (r *repl) listHistory(ctx context.Context) {
	sums, err := r.ctrl.LoadHistory(ctx)
	if err != nil {
		fmt.Fprintln(r.out, "error:", err)
		return
	}
	r.picker = sums
	if len(sums) == 0 {
		fmt.Fprintln(r.out, "No conversations yet.")
		return
	}
	for i, s := range sums {
		fmt.Fprintf(r.out, "%2d. %s  %-60s (%d messages) %s\n",
			i+1, s.CreatedAt.Local().Format("2006-01-02 15:04"), s.FirstMessagePreview, s.MessageCount, s.SessionID)
	}
}

func (r *repl) open(ctx context.Context, arg string) {
	if arg == "" {
		fmt.Fprintln(r.out, "usage: /open <n|session id>")
		return
	}
	sessionID := arg
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(r.picker) {
			fmt.Fprintln(r.out, "no such entry, run /history first")
			return
		}
		sessionID = r.picker[n-1].SessionID
	}

	active := r.ctrl.Snapshot().SessionID == sessionID
	r.replay = true
	defer func() { r.replay = false }()
	if err := r.ctrl.SelectSession(ctx, sessionID); err != nil {
		fmt.Fprintln(r.out, "error:", err)
		return
	}
	if active {
		r.shown = nil
		r.render(r.ctrl.Snapshot())
	}
}
