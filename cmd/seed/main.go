// Package main seeds a cartshared database with demo users and lists.
//
// It writes through the same directory and list session code the server and
// CLI use, so the seeded rows follow every list rule.
//
// Usage:
//
//	STORE_PATH=~/CartShare/cartshare.db go run ./cmd/seed
//	STORE_PATH=~/CartShare/cartshare.db go run ./cmd/seed --purchased 2
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/listenupapp/cartshare/internal/directory"
	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/listsync"
	"github.com/listenupapp/cartshare/internal/rowstore/sqlite"
)

var purchased = flag.Int("purchased", 1, "How many seeded items to mark purchased")

type demoUser struct {
	id     string
	handle string
}

var (
	alice = demoUser{"user-alice", "alice"}
	bob   = demoUser{"user-bob", "bob"}
	carol = demoUser{"user-carol", "carol"}
)

var groceries = []struct {
	name     string
	category string
}{
	{"Milk", "dairy"},
	{"Eggs", "dairy"},
	{"Sourdough", "bakery"},
	{"Apples", "produce"},
	{"Coffee beans", "pantry"},
}

func main() {
	flag.Parse()

	dbPath := os.Getenv("STORE_PATH")
	if dbPath == "" {
		dbPath = os.ExpandEnv("$HOME/CartShare/cartshare.db")
	}

	fmt.Printf("Opening database at: %s\n", dbPath)

	s, err := sqlite.Open(dbPath, nil)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	dir := directory.New(s, nil)

	users := make(map[string]domain.User)
	for _, u := range []demoUser{alice, bob, carol} {
		user, err := dir.Register(ctx, u.id, u.handle)
		if domainerrors.Is(err, domainerrors.ErrConflict) {
			user, err = dir.FindUserByHandle(ctx, u.handle)
		}
		if err != nil {
			log.Fatalf("Failed to register @%s: %v", u.handle, err)
		}
		users[u.handle] = user
		fmt.Printf("User @%s (%s)\n", user.Handle, user.ID)
	}

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}, {"alice", "carol"}} {
		_, err := dir.AddContact(ctx, users[pair[0]].ID, pair[1])
		if err != nil && !domainerrors.Is(err, domainerrors.ErrConflict) {
			log.Fatalf("Failed to add contact: %v", err)
		}
	}

	list, err := listsync.CreateDraft(ctx, s, nil, users["alice"], "Weekly groceries")
	if err != nil {
		log.Fatalf("Failed to create list: %v", err)
	}

	session, err := listsync.Open(ctx, listsync.Config{
		ListID:   list.ID,
		ActorID:  users["alice"].ID,
		Store:    s,
		Resolver: dir,
	})
	if err != nil {
		log.Fatalf("Failed to open list: %v", err)
	}
	defer session.Close()

	var added []domain.Item
	for _, g := range groceries {
		it, err := session.AddItem(ctx, g.name, g.category)
		if err != nil {
			log.Fatalf("Failed to add %s: %v", g.name, err)
		}
		added = append(added, it)
	}

	if err := session.SendDraft(ctx, bob.handle); err != nil {
		log.Fatalf("Failed to send list: %v", err)
	}

	for i := 0; i < *purchased && i < len(added); i++ {
		if err := session.TogglePurchased(ctx, added[i].ID); err != nil {
			log.Fatalf("Failed to mark %s purchased: %v", added[i].Name, err)
		}
	}

	snap := session.Snapshot()
	fmt.Printf("\nList %q (%s) sent to @%s: %d items, status %s\n",
		snap.List.Name, snap.List.ID, bob.handle, len(snap.Items), snap.List.Status)
}
