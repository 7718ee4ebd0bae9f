package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/whisper/chatguard/internal/loadstats"
	"github.com/whisper/chatguard/internal/protocol"
	"github.com/whisper/chatguard/internal/wsclient"
)

// runSmoke walks two seeded users through one conversation in the lobby and
// fails on the first step that does not behave.
func runSmoke(args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("smoke", flag.ExitOnError)
	url := fs.String("url", e.defaultURL(), "WebSocket server URL")
	timeout := fs.Duration("timeout", 10*time.Second, "Per-step timeout")
	fs.Parse(args)

	collector := loadstats.NewCollector()
	step := func(name string, fn func(ctx context.Context) error) error {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			fmt.Printf("  FAIL  %-34s %v\n", name, err)
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("  ok    %-34s %s\n", name, time.Since(start).Round(time.Millisecond))
		return nil
	}

	fmt.Printf("Smoke test against %s\n\n", *url)

	var alice, bob *wsclient.Client
	defer func() {
		for _, c := range []*wsclient.Client{alice, bob} {
			if c != nil {
				c.Close()
			}
		}
	}()

	if err := step("bad token is rejected", func(ctx context.Context) error {
		c, err := wsclient.Dial(ctx, *url)
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = c.Authenticate(ctx, "not-a-token")
		var authErr *wsclient.AuthError
		if !errors.As(err, &authErr) {
			return fmt.Errorf("got %v, want auth_error", err)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := step("two users authenticate", func(ctx context.Context) error {
		var err error
		if alice, err = e.connect(ctx, *url, userID(1), collector); err != nil {
			return err
		}
		bob, err = e.connect(ctx, *url, userID(2), collector)
		return err
	}); err != nil {
		return err
	}

	if err := step("both join "+LobbyID, func(ctx context.Context) error {
		if err := joinRoom(ctx, alice, LobbyID); err != nil {
			return err
		}
		return joinRoom(ctx, bob, LobbyID)
	}); err != nil {
		return err
	}

	if err := step("unknown room is refused", func(ctx context.Context) error {
		err := joinRoom(ctx, alice, "load-missing-room")
		if err == nil {
			return errors.New("join succeeded")
		}
		return nil
	}); err != nil {
		return err
	}

	text := fmt.Sprintf("smoke check at %s", time.Now().Format(time.TimeOnly))
	if err := step("message reaches the other user", func(ctx context.Context) error {
		got := waitFor(ctx, bob, protocol.TypeMessageNew, func(data json.RawMessage) bool {
			var msg protocol.MessageNewMsg
			return json.Unmarshal(data, &msg) == nil && msg.Message.Content == text
		})
		if err := alice.SendText(LobbyID, text, "smoke-1"); err != nil {
			return err
		}
		return <-got
	}); err != nil {
		return err
	}

	if err := step("profanity is rejected", func(ctx context.Context) error {
		got := waitFor(ctx, alice, protocol.TypeMessageRejected, func(data json.RawMessage) bool {
			var msg protocol.MessageRejectedMsg
			return json.Unmarshal(data, &msg) == nil && msg.ClientID == "smoke-2"
		})
		if err := alice.SendText(LobbyID, "FUCK this game", "smoke-2"); err != nil {
			return err
		}
		return <-got
	}); err != nil {
		return err
	}

	if err := step("leave is confirmed", func(ctx context.Context) error {
		got := waitFor(ctx, bob, protocol.TypeRoomLeft, func(json.RawMessage) bool { return true })
		if err := bob.Leave(LobbyID); err != nil {
			return err
		}
		return <-got
	}); err != nil {
		return err
	}

	fmt.Println("\nSmoke test passed.")
	return nil
}

// waitFor registers a handler for msgType before the caller triggers it and
// reports once an event matching match arrives.
func waitFor(ctx context.Context, c *wsclient.Client, msgType string, match func(json.RawMessage) bool) <-chan error {
	hit := make(chan struct{}, 1)
	c.On(msgType, func(data json.RawMessage) {
		if match(data) {
			select {
			case hit <- struct{}{}:
			default:
			}
		}
	})

	out := make(chan error, 1)
	go func() {
		defer c.On(msgType, nil)
		select {
		case <-hit:
			out <- nil
		case <-c.Done():
			out <- wsclient.ErrClosed
		case <-ctx.Done():
			out <- fmt.Errorf("no %s: %w", msgType, ctx.Err())
		}
	}()
	return out
}
