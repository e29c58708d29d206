package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/listenupapp/cartshare/internal/domain"
	"github.com/listenupapp/cartshare/internal/listsync"
)

var recipientShops bool

// openSession opens a live session on listID as the acting user.
func openSession(ctx context.Context, listID string, onChange func(listsync.Snapshot)) (*listsync.Session, error) {
	var policy listsync.Policy = listsync.DefaultPolicy{}
	if recipientShops {
		policy = listsync.RecipientShopsPolicy{}
	}
	return listsync.Open(ctx, listsync.Config{
		ListID:           listID,
		ActorID:          appCtx.store.UserID(),
		Store:            appCtx.store,
		Resolver:         appCtx.directory,
		Validator:        appCtx.validator,
		Policy:           policy,
		Logger:           appCtx.log.Component("listsync"),
		OnChange:         onChange,
		ResubscribeDelay: appCtx.cfg.Sync.ResubscribeDelay,
	})
}

// withSession runs fn against a short-lived session on listID.
func withSession(ctx context.Context, listID string, fn func(*listsync.Session) error) error {
	s, err := openSession(ctx, listID, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func printSnapshot(snap listsync.Snapshot) {
	if snap.Deleted || snap.List == nil {
		fmt.Println("List was deleted")
		return
	}
	l := snap.List
	fmt.Printf("%s  [%s]  %s\n", l.Name, l.Status, l.ID)
	if l.HasRecipient() {
		fmt.Printf("  @%s -> @%s\n", l.CreatorHandle, *l.RecipientHandle)
	} else {
		fmt.Printf("  @%s (draft)\n", l.CreatorHandle)
	}
	if snap.State != listsync.StateActive {
		fmt.Printf("  sync: %s\n", snap.State)
	}
	for _, it := range snap.Items {
		fmt.Println("  " + formatItem(it))
	}
}

func formatItem(it domain.Item) string {
	mark := "[ ]"
	if it.Purchased {
		mark = "[x]"
	}
	var b strings.Builder
	b.WriteString(mark)
	b.WriteString(" ")
	b.WriteString(it.Name)
	if it.Category != "" {
		b.WriteString(" (" + it.Category + ")")
	}
	b.WriteString("  " + it.ID)
	return b.String()
}
