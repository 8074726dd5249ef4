// Command planner is an interactive CLI client for the planner API. It
// creates a session from the supplied planning context, streams the
// assistant's replies as they arrive, and then reads follow-up messages
// from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/planwise/planner/pkg/apperr"
	"github.com/planwise/planner/pkg/backend"
	"github.com/planwise/planner/pkg/config"
	"github.com/planwise/planner/pkg/convo"
	"github.com/planwise/planner/pkg/domain"
	"github.com/planwise/planner/pkg/lifecycle"
	"github.com/planwise/planner/pkg/logsink"
	"github.com/planwise/planner/pkg/retry"
	"github.com/planwise/planner/pkg/turn"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	serverURL := flag.String("server", cfg.ServerURL, "planner API base URL")
	token := flag.String("token", cfg.APIToken, "API credential")
	business := flag.String("business", "", "business type (required)")
	market := flag.String("market", "", "target market (required)")
	challenge := flag.String("challenge", "", "main challenge (required)")
	details := flag.String("details", "", "optional free-text context")
	title := flag.String("title", "", "session title")
	message := flag.String("message", "", "first message (required)")
	flag.Parse()

	if *message == "" {
		fmt.Fprintln(os.Stderr, "usage: planner -business ... -market ... -challenge ... -message ...")
		os.Exit(2)
	}

	ctx := context.Background()

	store := convo.NewStore()
	reporter := logsink.New(cfg.LogEndpoint, "planner-cli", 256)
	defer reporter.Close()
	classifier := apperr.NewClassifier(reporter)
	policy := retry.Default()

	client := backend.NewClient(*serverURL, *token)
	exec := turn.NewExecutor(client, store, classifier, policy)
	mgr := lifecycle.NewManager(client, exec, store, classifier, policy)

	done := make(chan struct{})
	go printReplies(store, done)

	sctx := domain.SessionContext{
		BusinessType: *business,
		TargetMarket: *market,
		Challenge:    *challenge,
		Details:      *details,
	}
	if err := mgr.CreateSession(ctx, *title, sctx, *message); err != nil {
		fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
		os.Exit(1)
	}

	sessionID := store.Snapshot().ActiveSessionID
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("\n> ")
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			fmt.Print("> ")
			continue
		}
		if text == "/quit" {
			break
		}
		if text == "/retry" {
			if key := lastFailedUserKey(store); key != "" {
				if err := exec.Resend(ctx, key); err != nil {
					fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
				}
			} else {
				fmt.Fprintln(os.Stderr, "nothing to retry")
			}
			fmt.Print("\n> ")
			continue
		}
		if err := exec.Send(ctx, sessionID, text); err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
		}
		fmt.Print("\n> ")
	}
	close(done)
}

// lastFailedUserKey returns the key of the most recent failed user
// message, if any.
func lastFailedUserKey(store *convo.Store) string {
	view := store.Snapshot()
	for i := len(view.Messages) - 1; i >= 0; i-- {
		m := view.Messages[i]
		if m.Role == domain.RoleUser && m.Status == domain.MessageFailed {
			return m.Ref.Key()
		}
	}
	return ""
}

// printReplies watches the store and prints assistant content as it
// accumulates.
func printReplies(store *convo.Store, done <-chan struct{}) {
	updates := store.Subscribe()
	var printed int
	var lastKey string
	for {
		select {
		case <-done:
			return
		case <-updates:
		}

		view := store.Snapshot()
		var asst *domain.Message
		for i := len(view.Messages) - 1; i >= 0; i-- {
			if view.Messages[i].Role == domain.RoleAssistant {
				asst = &view.Messages[i]
				break
			}
		}
		if asst == nil {
			continue
		}
		if asst.Ref.Key() != lastKey {
			lastKey = asst.Ref.Key()
			printed = 0
		}
		if len(asst.Content) > printed {
			fmt.Print(asst.Content[printed:])
			printed = len(asst.Content)
		}
	}
}
