package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/marcus/loops/internal/models"
)

// Resolver decides whether a change may overwrite a stored row.
type Resolver interface {
	Name() string
	// Accept reports whether ch wins against a row last written at serverUpdated.
	Accept(ch models.SyncChange, serverUpdated time.Time) bool
}

// LastWriteWins rejects changes whose client timestamp predates the stored
// row's last write. Changes without a timestamp always win.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return "lww" }

func (LastWriteWins) Accept(ch models.SyncChange, serverUpdated time.Time) bool {
	if ch.ClientTimestamp == nil {
		return true
	}
	return !serverUpdated.After(*ch.ClientTimestamp)
}

// ClientWins applies every change that can be applied.
type ClientWins struct{}

func (ClientWins) Name() string { return "client" }

func (ClientWins) Accept(models.SyncChange, time.Time) bool { return true }

// ResolverByName returns the resolver registered under name.
func ResolverByName(name string) (Resolver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "lww", "last-write-wins":
		return LastWriteWins{}, nil
	case "client", "client-wins":
		return ClientWins{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", name)
	}
}
