package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/whisper/chatguard/internal/room"
	"github.com/whisper/chatguard/internal/store/postgres"
)

// runSeed creates the load users, a moderator and the lobby channel. Users
// are backdated past the new-account window so the regular budgets apply.
func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	users := fs.Int("users", 1000, "Number of load users to create")
	capacity := fs.Int("capacity", 0, "Lobby capacity (0 = unlimited)")
	fs.Parse(args)

	e, err := loadEnv()
	if err != nil {
		return err
	}
	if e.cfg.Postgres.DSN == "" {
		return errors.New("CHATGUARD_POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, err := postgres.Open(ctx, postgres.Config{
		DSN:          e.cfg.Postgres.DSN,
		MaxOpenConns: e.cfg.Postgres.MaxOpenConns,
		ConnMaxIdle:  e.cfg.Postgres.ConnMaxIdle,
	})
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(); err != nil {
		return err
	}
	stores := pg.Stores()

	created := time.Now().UTC().Add(-2 * room.NewAccountAge)
	mod := &room.User{ID: ModeratorID, Username: "load-moderator", Role: room.RoleModerator, Level: 10, CreatedAt: created}
	if err := stores.Users.PutUser(ctx, mod); err != nil {
		return fmt.Errorf("put %s: %w", mod.ID, err)
	}
	for i := 1; i <= *users; i++ {
		u := &room.User{ID: userID(i), Username: userID(i), Role: room.RoleUser, Level: 1, CreatedAt: created}
		if err := stores.Users.PutUser(ctx, u); err != nil {
			return fmt.Errorf("put %s: %w", u.ID, err)
		}
	}

	lobby := &room.Room{
		ID:           LobbyID,
		Kind:         room.KindChannel,
		Name:         "Load Lobby",
		OwnerID:      ModeratorID,
		Moderators:   []string{ModeratorID},
		Capacity:     *capacity,
		LastActivity: time.Now().UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	switch err := stores.Rooms.CreateRoom(ctx, lobby); {
	case errors.Is(err, room.ErrConflict):
		fmt.Printf("Channel %s already exists, left unchanged\n", LobbyID)
	case err != nil:
		return fmt.Errorf("create %s: %w", LobbyID, err)
	}

	fmt.Printf("Seeded %d users, %s and channel %s\n", *users, ModeratorID, LobbyID)
	return nil
}
