package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/amoylab/esilink/internal/database"
	"github.com/amoylab/esilink/internal/esi"
)

// EventTick is pushed after every successful tick cycle
const EventTick = "tick"

// ErrChannelClosed is returned when sending on a closed live channel
var ErrChannelClosed = errors.New("live channel closed")

// ErrQueueFull is returned when the receiver is not draining the channel
var ErrQueueFull = errors.New("live queue is full")

// Snapshot is the merged live view of the active character
type Snapshot struct {
	Location  *esi.LocationDetail `json:"location,omitempty"`
	Status    *esi.OnlineStatus   `json:"status,omitempty"`
	FetchedAt time.Time           `json:"fetched_at"`
}

// State is the mutable part of a session record
type State struct {
	ActiveCharacterID *int64
	// ActiveCharacter is a denormalized copy taken when the user was last loaded
	ActiveCharacter  *database.Character
	User             *database.User
	Ticking          bool
	TickCounter      uint64
	PreviousTickData *Snapshot
	CachedData       *Snapshot
	RefreshRequested bool
}

// Event is one message on a session's live channel
type Event struct {
	Type    string          `json:"type"`
	Counter uint64          `json:"counter,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Channel is the sink updates for one session are pushed to
type Channel interface {
	// Send pushes an event to the session
	Send(ctx context.Context, ev *Event) error

	// Subscribe gives one live connection its own queue of every event
	// sent from now on. The returned func releases the queue; the queue is
	// also closed when the channel closes.
	Subscribe() (<-chan *Event, func())

	// Close releases the channel and closes every subscribed queue
	Close(ctx context.Context) error
}

// Hub opens live channels for sessions
type Hub interface {
	// Open returns the channel of a session
	Open(sessionID string) Channel

	// Close releases the hub and its connections
	Close() error
}
