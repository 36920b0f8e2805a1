// Command wagerctl is an operator and testing tool for livewagerd. It mints
// development tokens, pushes events through the internal dispatch endpoint,
// tails rooms over the event channel, and drives a wager slip end to end.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/livewager/internal/auth"
	"github.com/alanyoungcy/livewager/internal/client"
	"github.com/alanyoungcy/livewager/internal/domain"
	"github.com/alanyoungcy/livewager/internal/wager"
)

const usage = `usage: wagerctl <command> [flags]

commands:
  token     mint a development bearer token
  dispatch  push an event to a room via /internal/dispatch
  watch     join rooms and print every event received
  slip      compose and submit one wager
  history   list the caller's submissions
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "token":
		err = runToken(args)
	case "dispatch":
		err = runDispatch(ctx, args)
	case "watch":
		err = runWatch(ctx, args, logger)
	case "slip":
		err = runSlip(ctx, args, logger)
	case "history":
		err = runHistory(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "wagerctl: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("LIVEWAGER_AUTH_JWT_SECRET"), "HS256 signing secret")
	issuer := fs.String("issuer", "livewager", "iss claim")
	sub := fs.String("sub", "", "principal id")
	role := fs.String("role", string(domain.RolePunter), "PUNTER, AGENT or ADMIN")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	fs.Parse(args)

	if *secret == "" || *sub == "" {
		return errors.New("token: -secret and -sub are required")
	}
	r, ok := domain.ParseRole(*role)
	if !ok {
		return fmt.Errorf("token: unknown role %q", *role)
	}
	tok, err := auth.NewIssuer(*secret, *issuer).Issue(domain.Principal{ID: *sub, Role: r}, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func runDispatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	baseURL := fs.String("url", envOr("LIVEWAGER_URL", "http://localhost:8000"), "server base URL")
	key := fs.String("key", os.Getenv("LIVEWAGER_SERVER_INTERNAL_API_KEY"), "internal API key")
	room := fs.String("room", "", "target room, e.g. match:1001")
	event := fs.String("event", "", "event name, e.g. live-score")
	payload := fs.String("payload", "{}", "JSON payload")
	fs.Parse(args)

	if !json.Valid([]byte(*payload)) {
		return errors.New("dispatch: -payload is not valid JSON")
	}
	res, queued, err := client.NewAPIClient(*baseURL, "", *key).
		Dispatch(ctx, *room, domain.EventName(*event), json.RawMessage(*payload))
	if err != nil {
		return err
	}
	if queued {
		return printJSON(map[string]any{"queued": true})
	}
	return printJSON(res)
}

func runWatch(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	wsURL := fs.String("ws", envOr("LIVEWAGER_WS_URL", "ws://localhost:8000/ws"), "event channel URL")
	token := fs.String("token", os.Getenv("LIVEWAGER_TOKEN"), "bearer token")
	rooms := fs.String("rooms", "", "comma-separated match:/casino: rooms to join")
	fs.Parse(args)

	stream := client.NewStream(client.StreamConfig{URL: *wsURL, Token: *token}, logger)
	if *rooms != "" {
		stream.Join(strings.Split(*rooms, ",")...)
	}

	go func() {
		for c := range stream.Controls() {
			logger.Info("control", slog.String("type", c.Type), slog.String("room", string(c.Room)), slog.String("code", c.Code))
		}
	}()
	errCh := make(chan error, 1)
	go func() { errCh <- stream.Run(ctx) }()

	enc := json.NewEncoder(os.Stdout)
	for env := range stream.Events() {
		if err := enc.Encode(env); err != nil {
			return err
		}
	}
	return <-errCh
}

func runSlip(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("slip", flag.ExitOnError)
	baseURL := fs.String("url", envOr("LIVEWAGER_URL", "http://localhost:8000"), "server base URL")
	wsURL := fs.String("ws", envOr("LIVEWAGER_WS_URL", "ws://localhost:8000/ws"), "event channel URL")
	token := fs.String("token", os.Getenv("LIVEWAGER_TOKEN"), "bearer token")
	market := fs.String("market", "", "market id")
	match := fs.String("match", "", "match id")
	side := fs.String("side", string(domain.SideBack), "back, lay, yes or no")
	odds := fs.String("odds", "", "quoted decimal odds, e.g. 1.90")
	stake := fs.String("stake", "", "stake amount")
	balance := fs.String("balance", "0", "available balance until the server reports one")
	timeout := fs.Duration("timeout", 10*time.Second, "submission timeout")
	wait := fs.Duration("wait", 30*time.Second, "how long to wait for an unknown result to resolve")
	fs.Parse(args)

	principalID, err := auth.PeekSubject(*token)
	if err != nil {
		return fmt.Errorf("slip: %w", err)
	}
	price, err := decimal.NewFromString(*odds)
	if err != nil {
		return fmt.Errorf("slip: -odds: %w", err)
	}
	amount, err := decimal.NewFromString(*stake)
	if err != nil {
		return fmt.Errorf("slip: -stake: %w", err)
	}
	avail, err := decimal.NewFromString(*balance)
	if err != nil {
		return fmt.Errorf("slip: -balance: %w", err)
	}

	slip := wager.NewSlip(principalID, client.NewAPIClient(*baseURL, *token, ""), wager.Config{Timeout: *timeout})
	q := domain.Quote{MarketID: *market, MatchID: *match, Side: domain.Side(*side), Price: price, Status: domain.MarketOpen}
	if err := slip.Select(q, domain.BalanceSnapshot{PrincipalID: principalID, Balance: avail}); err != nil {
		return fmt.Errorf("slip: select: %w", err)
	}
	if err := slip.SetStake(amount); err != nil {
		return fmt.Errorf("slip: stake: %w", err)
	}

	// The stream keeps market status and balance current and resolves an
	// unknown result when the server later reports the wager's fate.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	stream := client.NewStream(client.StreamConfig{URL: *wsURL, Token: *token}, logger)
	if *match != "" {
		stream.Join(string(domain.MatchRoom(*match)))
	}
	go stream.Run(streamCtx)
	go slip.Watch(streamCtx, stream.Events())

	res, err := slip.Submit(ctx)
	if err != nil && !errors.Is(err, domain.ErrStatusUnknown) && res.Outcome == "" {
		printJSON(slip.View())
		return fmt.Errorf("slip: %s", domain.UserMessage(err))
	}

	if res.Outcome == domain.OutcomeUnknown && *wait > 0 {
		logger.Info("result unknown, waiting for the server to report it", slog.Duration("wait", *wait))
		deadline := time.After(*wait)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
	poll:
		for {
			select {
			case <-ctx.Done():
				break poll
			case <-deadline:
				break poll
			case <-ticker.C:
				if v := slip.View(); v.Last != nil && v.Last.Outcome != domain.OutcomeUnknown {
					break poll
				}
			}
		}
	}
	return printJSON(slip.View())
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	baseURL := fs.String("url", envOr("LIVEWAGER_URL", "http://localhost:8000"), "server base URL")
	token := fs.String("token", os.Getenv("LIVEWAGER_TOKEN"), "bearer token")
	limit := fs.Int("limit", 50, "max rows")
	fs.Parse(args)

	recs, err := client.NewAPIClient(*baseURL, *token, "").History(ctx, domain.ListOpts{Limit: *limit})
	if err != nil {
		return err
	}
	return printJSON(recs)
}
