// Package store provides the append-only guild log storage capability. The
// store is a passive sink: it keeps whatever the sequencing engine hands it
// and never re-checks the chain itself.
package store

import (
	"errors"

	"github.com/chainguild/cgp/event"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store is the abstract guild log capability.
type Store interface {
	// Append persists an event; the caller guarantees the seq is the next
	// expected one for the guild.
	Append(guildID string, ev *event.Event) error

	// GetLog returns all surviving events in ascending seq order.
	GetLog(guildID string) ([]*event.Event, error)

	// GetLastEvent returns the highest-seq event, or nil for an unknown
	// guild.
	GetLastEvent(guildID string) (*event.Event, error)

	// GetGuildIDs enumerates guilds with at least one stored event.
	GetGuildIDs() ([]string, error)

	// DeleteEvent removes one event by seq, leaving a gap. Retention only
	// deletes MESSAGE events, which the reducer ignores, so validator-visible
	// state stays consistent.
	DeleteEvent(guildID string, seq int64) error

	Close() error
}
