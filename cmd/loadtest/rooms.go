package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/chatguard/internal/loadstats"
	"github.com/whisper/chatguard/internal/protocol"
	"github.com/whisper/chatguard/internal/wsclient"
)

// phrases is cycled per user so that no recent window of messages looks like
// a flood to the similarity check.
var phrases = []string{
	"anyone up for a ranked match tonight",
	"that last patch changed the map rotation a lot",
	"good game everyone, well played",
	"which class are you levelling at the moment",
	"the new event starts on friday I think",
	"did you manage to beat the final boss yet",
	"my connection was lagging a bit earlier",
	"I prefer the old soundtrack honestly",
	"we should form a squad for the weekend",
	"thanks for the tip about the crafting recipe",
	"what time zone is everyone playing from",
	"the leaderboard reset caught me by surprise",
}

// runRooms joins users to the lobby and has each send messages at a steady
// pace. Delivery latency is the time from send until the sender sees its own
// message_new, which covers the whole pipeline and the fan-out.
func runRooms(args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	url := fs.String("url", e.defaultURL(), "WebSocket server URL")
	users := fs.Int("users", 50, "Number of users (must be seeded)")
	roomID := fs.String("room", LobbyID, "Channel to join")
	messages := fs.Int("messages", 10, "Messages per user")
	interval := fs.Duration("interval", 4*time.Second, "Pause between one user's messages")
	scrape := fs.Bool("scrape", true, "Scrape the server's /metrics during the run")
	fs.Parse(args)

	fmt.Printf("Rooms test: %d users x %d messages in %s every %s\n", *users, *messages, *roomID, *interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	if *scrape {
		scraper := loadstats.NewScraper(e.metricsURL(*url), 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	var wg sync.WaitGroup
	for i := 1; i <= *users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := chatter(ctx, e, *url, *roomID, i, *messages, *interval, collector); err != nil {
				fmt.Printf("  [%s] %v\n", userID(i), err)
			}
		}(i)
		// Stagger joins so the lobby fills gradually.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	collector.Report(os.Stdout)
	return nil
}

func chatter(ctx context.Context, e *env, url, roomID string, i, messages int, interval time.Duration, collector *loadstats.Collector) error {
	id := userID(i)
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := e.connect(connCtx, url, id, collector)
	if err != nil {
		cancel()
		return err
	}
	defer c.Close()

	if err := joinRoom(connCtx, c, roomID); err != nil {
		cancel()
		collector.AddError()
		return err
	}
	cancel()

	var (
		mu      sync.Mutex
		pending = make(map[string]time.Time)
		settled = make(chan struct{}, messages)
	)
	settle := func() {
		select {
		case settled <- struct{}{}:
		default:
		}
	}
	c.On(protocol.TypeMessageNew, func(data json.RawMessage) {
		var msg protocol.MessageNewMsg
		if json.Unmarshal(data, &msg) != nil || msg.Message.SenderID != id {
			return
		}
		mu.Lock()
		sentAt, ok := pending[msg.Message.Content]
		delete(pending, msg.Message.Content)
		mu.Unlock()
		if ok {
			collector.AddDelivery(time.Since(sentAt))
			settle()
		}
	})
	c.On(protocol.TypeMessageRejected, func(data json.RawMessage) {
		var msg protocol.MessageRejectedMsg
		if json.Unmarshal(data, &msg) == nil {
			collector.AddRejection(msg.Reason)
		}
		settle()
	})
	c.On(protocol.TypeRateLimited, func(data json.RawMessage) {
		var msg protocol.RateLimitedMsg
		if json.Unmarshal(data, &msg) == nil {
			collector.AddRejection("rate_limited:" + msg.LimitKind)
		}
		settle()
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 0; n < messages; n++ {
		text := fmt.Sprintf("%s (%d)", phrases[(i+n)%len(phrases)], n+1)
		mu.Lock()
		pending[text] = time.Now()
		mu.Unlock()
		if err := c.SendText(roomID, text, fmt.Sprintf("%s-%d", id, n)); err != nil {
			collector.AddError()
			return err
		}
		collector.AddSent()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Done():
			return wsclient.ErrClosed
		case <-ticker.C:
		}
	}

	// Let the last replies land before leaving.
	grace := time.NewTimer(5 * time.Second)
	defer grace.Stop()
	for range messages {
		select {
		case <-settled:
		case <-grace.C:
			return c.Leave(roomID)
		}
	}
	return c.Leave(roomID)
}

// joinRoom sends join_room and waits for the snapshot or the refusal.
func joinRoom(ctx context.Context, c *wsclient.Client, roomID string) error {
	result := make(chan error, 1)
	c.On(protocol.TypeRoomJoined, func(json.RawMessage) {
		select {
		case result <- nil:
		default:
		}
	})
	c.On(protocol.TypeRoomError, func(data json.RawMessage) {
		var msg protocol.RoomErrorMsg
		json.Unmarshal(data, &msg)
		select {
		case result <- fmt.Errorf("join %s refused: %s", roomID, msg.Code):
		default:
		}
	})
	defer c.On(protocol.TypeRoomJoined, nil)
	defer c.On(protocol.TypeRoomError, nil)

	if err := c.Join(roomID); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("join %s: %w", roomID, ctx.Err())
	case <-c.Done():
		return wsclient.ErrClosed
	case err := <-result:
		return err
	}
}
