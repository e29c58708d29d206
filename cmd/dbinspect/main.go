// Package main prints a summary of a cartshared database and flags lists
// whose stored state breaks the list rules.
//
// Usage:
//
//	STORE_PATH=~/CartShare/cartshare.db go run ./cmd/dbinspect
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/listenupapp/cartshare/internal/domain"
	"github.com/listenupapp/cartshare/internal/rowstore"
	"github.com/listenupapp/cartshare/internal/rowstore/sqlite"
)

func main() {
	dbPath := os.Getenv("STORE_PATH")
	if dbPath == "" {
		dbPath = os.ExpandEnv("$HOME/CartShare/cartshare.db")
	}

	s, err := sqlite.Open(dbPath, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer s.Close()

	ctx := context.Background()

	fmt.Println("=== Database Inspection ===")
	fmt.Println()

	for _, c := range []rowstore.Collection{rowstore.Users, rowstore.Contacts, rowstore.Lists, rowstore.Items, rowstore.Notifications} {
		rows, err := s.Select(ctx, c, rowstore.Filter{})
		if err != nil {
			log.Fatalf("Failed to read %s: %v", c, err)
		}
		fmt.Printf("%-14s %d\n", c, len(rows))
	}
	fmt.Println()

	listRows, err := s.Select(ctx, rowstore.Lists, rowstore.Filter{}.Order("updated_at", true))
	if err != nil {
		log.Fatalf("Failed to read lists: %v", err)
	}

	problems := 0
	for _, row := range listRows {
		l, err := rowstore.DecodeList(row)
		if err != nil {
			fmt.Printf("!! undecodable list %s: %v\n", row.ID(), err)
			problems++
			continue
		}

		itemRows, err := s.Select(ctx, rowstore.Items, rowstore.Eq("list_id", l.ID))
		if err != nil {
			log.Fatalf("Failed to read items of %s: %v", l.ID, err)
		}
		items, err := rowstore.DecodeItems(itemRows)
		if err != nil {
			fmt.Printf("!! undecodable items in %s: %v\n", l.ID, err)
			problems++
			continue
		}

		purchased := 0
		for _, it := range items {
			if it.Purchased {
				purchased++
			}
			if err := it.Validate(); err != nil {
				fmt.Printf("!! %v\n", err)
				problems++
			}
		}

		fmt.Printf("%-30s %-10s %d/%d purchased  %s\n", l.Name, l.Status, purchased, len(items), l.ID)

		if err := l.Validate(); err != nil {
			fmt.Printf("   !! %v\n", err)
			problems++
		}
		if derived := domain.DeriveStatus(items, l.Status); derived != l.Status {
			fmt.Printf("   !! stored status %s, items say %s (write-back pending)\n", l.Status, derived)
			problems++
		}
	}

	fmt.Println()
	if problems == 0 {
		fmt.Println("No problems found")
		return
	}
	fmt.Printf("%d problem(s) found\n", problems)
	os.Exit(1)
}
