// Package lifecycle holds the ride status state machine. It is pure: it
// validates and applies transitions on an Order value and leaves persistence
// and fan-out to the caller.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrStaleTransition   = errors.New("stale status transition")
)

// allowed is the transition graph as code. Terminal statuses have no entry.
var allowed = map[models.OrderStatus][]models.OrderStatus{
	models.StatusRequested: {models.StatusOffered, models.StatusNoDriversAvailable, models.StatusCancelled},
	models.StatusOffered:   {models.StatusAccepted, models.StatusNoDriversAvailable, models.StatusCancelled},
	models.StatusAccepted:  {models.StatusArrived, models.StatusCancelled},
	models.StatusArrived:   {models.StatusStarted, models.StatusCancelled},
	models.StatusStarted:   {models.StatusCompleted},
}

func CanTransition(from, to models.OrderStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s models.OrderStatus) bool {
	switch s {
	case models.StatusCompleted, models.StatusCancelled, models.StatusNoDriversAvailable:
		return true
	}
	return false
}

// IsActive reports whether a driver is bound to the ride in this status.
func IsActive(s models.OrderStatus) bool {
	switch s {
	case models.StatusAccepted, models.StatusArrived, models.StatusStarted:
		return true
	}
	return false
}

// Validate checks a requested transition against the stored status. assumed is
// the status the caller believes the order is in; an empty value skips that check.
func Validate(current, assumed, to models.OrderStatus) error {
	if assumed != "" && assumed != current {
		return fmt.Errorf("%w: order is %s, caller assumed %s", ErrStaleTransition, current, assumed)
	}
	if !CanTransition(current, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, to)
	}
	return nil
}

// Apply moves o to status to and appends the history entry. o is only mutated
// when the transition is legal.
func Apply(o *models.Order, to models.OrderStatus, actorType models.PartyType, actorID string, at time.Time) (models.StatusEntry, error) {
	if err := Validate(o.Status, "", to); err != nil {
		return models.StatusEntry{}, err
	}
	entry := models.StatusEntry{Status: to, ActorType: actorType, ActorID: actorID, At: at}
	o.Status = to
	o.UpdatedAt = at
	o.StatusHistory = append(o.StatusHistory, entry)
	return entry, nil
}

// ValidHistory reports whether every consecutive pair in h is an allowed transition
// and the sequence starts at requested.
func ValidHistory(h []models.StatusEntry) bool {
	if len(h) == 0 {
		return true
	}
	if h[0].Status != models.StatusRequested {
		return false
	}
	for i := 1; i < len(h); i++ {
		if !CanTransition(h[i-1].Status, h[i].Status) {
			return false
		}
	}
	return true
}
