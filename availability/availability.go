// Package availability decides whether cloud sync should be active from the
// user's preference and the account's capability.
package availability

import (
	"context"
	"fmt"
)

// Reason explains why the account cannot sync.
type Reason int

const (
	ReasonCouldNotDetermine Reason = iota
	ReasonRestricted
	ReasonNoAccount
	ReasonTemporarilyUnavailable
	ReasonUnknown
)

func (r Reason) String() string {
	switch r {
	case ReasonCouldNotDetermine:
		return "could-not-determine"
	case ReasonRestricted:
		return "restricted"
	case ReasonNoAccount:
		return "no-account"
	case ReasonTemporarilyUnavailable:
		return "temporarily-unavailable"
	default:
		return "unknown"
	}
}

// Availability is either available or unavailable with a reason. The zero
// value is unavailable(could-not-determine). Values are comparable.
type Availability struct {
	available bool
	reason    Reason
}

func Available() Availability { return Availability{available: true} }

func Unavailable(r Reason) Availability { return Availability{reason: r} }

func (a Availability) IsAvailable() bool { return a.available }

// Reason returns the unavailable reason; ok is false when available.
func (a Availability) Reason() (r Reason, ok bool) {
	if a.available {
		return 0, false
	}
	return a.reason, true
}

func (a Availability) String() string {
	if a.available {
		return "available"
	}
	return fmt.Sprintf("unavailable(%s)", a.reason)
}

// AccountStatus is the raw status code reported by the cloud account service.
type AccountStatus int

const (
	StatusCouldNotDetermine      AccountStatus = 0
	StatusAvailable              AccountStatus = 1
	StatusRestricted             AccountStatus = 2
	StatusNoAccount              AccountStatus = 3
	StatusTemporarilyUnavailable AccountStatus = 4
)

// FromAccountStatus maps a raw status. A nil status (the service could not be
// asked) and codes this package does not know map to unavailable(unknown).
func FromAccountStatus(status *AccountStatus) Availability {
	if status == nil {
		return Unavailable(ReasonUnknown)
	}
	switch *status {
	case StatusAvailable:
		return Available()
	case StatusCouldNotDetermine:
		return Unavailable(ReasonCouldNotDetermine)
	case StatusRestricted:
		return Unavailable(ReasonRestricted)
	case StatusNoAccount:
		return Unavailable(ReasonNoAccount)
	case StatusTemporarilyUnavailable:
		return Unavailable(ReasonTemporarilyUnavailable)
	default:
		return Unavailable(ReasonUnknown)
	}
}

// Provider streams the account's capability. The channel is closed when ctx is done.
type Provider interface {
	Availability(ctx context.Context) <-chan Availability
}

// PreferenceSource streams the user's sync preference. The channel is closed
// when ctx is done.
type PreferenceSource interface {
	SyncEnabled(ctx context.Context) <-chan bool
}
