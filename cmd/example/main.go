// Command example subscribes to channel.follow over the WebSocket EventSub
// transport and prints each notification, the way cmd/agent demonstrates
// the teacher's hub connection with a minimal flag-driven main.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kaedren/twitchsub/client"
	"github.com/kaedren/twitchsub/core/domain"
	"github.com/kaedren/twitchsub/core/registry"
	"github.com/kaedren/twitchsub/internal/config"
	"github.com/kaedren/twitchsub/internal/wsclient"
)

// staticTokenProvider reports a fixed scope list for any token and never
// refreshes; the access token itself is passed to Subscribe directly. A real caller backs ports.TokenProvider with its own
// OAuth flow (out of scope per spec.md §1).
type staticTokenProvider struct {
	token  string
	scopes []string
}

func (p staticTokenProvider) Scopes(_ context.Context, _ string) ([]string, error) {
	return p.scopes, nil
}
func (staticTokenProvider) CanRefresh(string) bool { return false }
func (staticTokenProvider) Refresh(_ context.Context, _ string) (string, error) {
	return "", errors.New("static token provider cannot refresh")
}

func main() {
	accessToken := flag.String("access-token", os.Getenv("TWITCH_ACCESS_TOKEN"), "User access token")
	broadcasterID := flag.String("broadcaster-id", "", "Broadcaster user ID to watch")
	moderatorID := flag.String("moderator-id", "", "Moderator user ID (required by channel.follow)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("twitchsub example dev")
		return
	}

	if *accessToken == "" || *broadcasterID == "" || *moderatorID == "" {
		fmt.Fprintln(os.Stderr, "Error: -access-token, -broadcaster-id, and -moderator-id are required")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.New(ctx, cfg, client.Options{
		Registry:      registry.DefaultCatalog(),
		TokenProvider: staticTokenProvider{token: *accessToken, scopes: []string{"moderator:read:followers"}},
		Logger:        logger,
	})
	if err != nil {
		logger.Error("build client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer c.Shutdown(context.Background())

	sub, err := c.Realtime.Subscribe(ctx, registry.EventChannelFollow, map[string]any{
		"broadcaster_user_id": *broadcasterID,
		"moderator_user_id":   *moderatorID,
	}, wsclient.SubscribeOptions{UserAccessToken: *accessToken})
	if err != nil {
		logger.Error("subscribe", slog.String("error", err.Error()))
		os.Exit(1)
	}

	fmt.Println("Subscribed to channel.follow. Press Ctrl+C to stop.")

	err = sub.Each(ctx, func(event domain.NotificationEvent) {
		fmt.Printf("notification: %+v\n", event)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("event stream ended", slog.String("error", err.Error()))
	}

	fmt.Println("\nExample stopped.")
}
