// Package types contains the values shared by the storage, container and history
// packages. It exists to prevent import cycles between them.
package types

import (
	"fmt"
	"time"

	"github.com/c0deZ3R0/go-persistent-stack/cursor"
)

// Mode selects whether a container's store talks to the cloud backend.
type Mode int

const (
	LocalOnly Mode = iota
	CloudSynced
)

func (m Mode) String() string {
	switch m {
	case LocalOnly:
		return "local-only"
	case CloudSynced:
		return "cloud-synced"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ModeFor maps the cloud-sync flag to a Mode.
func ModeFor(cloudEnabled bool) Mode {
	if cloudEnabled {
		return CloudSynced
	}
	return LocalOnly
}

// MergePolicy decides how an incoming update combines with the stored object.
type MergePolicy int

const (
	// MergeByPropertyObjectTrump keeps stored properties the update does not
	// mention and lets the update win every property it does.
	MergeByPropertyObjectTrump MergePolicy = iota
	// MergeByPropertyStoreTrump only fills in properties the stored object lacks.
	MergeByPropertyStoreTrump
	// Overwrite replaces the stored object with the update.
	Overwrite
)

func (p MergePolicy) String() string {
	switch p {
	case MergeByPropertyObjectTrump:
		return "property-object-trump"
	case MergeByPropertyStoreTrump:
		return "property-store-trump"
	case Overwrite:
		return "overwrite"
	default:
		return fmt.Sprintf("MergePolicy(%d)", int(p))
	}
}

// ParseMergePolicy is the inverse of MergePolicy.String.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch s {
	case "", "property-object-trump":
		return MergeByPropertyObjectTrump, nil
	case "property-store-trump":
		return MergeByPropertyStoreTrump, nil
	case "overwrite":
		return Overwrite, nil
	default:
		return 0, fmt.Errorf("unknown merge policy %q", s)
	}
}

// Apply merges incoming into stored according to the policy and returns the result.
// Neither argument is modified.
func (p MergePolicy) Apply(stored, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(stored)+len(incoming))
	switch p {
	case Overwrite:
		for k, v := range incoming {
			out[k] = v
		}
	case MergeByPropertyStoreTrump:
		for k, v := range incoming {
			out[k] = v
		}
		for k, v := range stored {
			out[k] = v
		}
	default:
		for k, v := range stored {
			out[k] = v
		}
		for k, v := range incoming {
			out[k] = v
		}
	}
	return out
}

// ObjectID identifies one stored object.
type ObjectID struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

func (o ObjectID) String() string { return o.Entity + "/" + o.ID }

// ChangeKind is the type of a change inside a transaction.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is one object mutation. Fields is nil for deletes.
type Change struct {
	Kind   ChangeKind     `json:"kind"`
	Object ObjectID       `json:"object"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Object is a stored object with its properties.
type Object struct {
	ID     ObjectID       `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Transaction is one committed batch of changes in a store's history.
// Transactions are totally ordered by Token.
type Transaction struct {
	Token     cursor.Token `json:"token"`
	ID        string       `json:"id"`
	Author    string       `json:"author"`
	StoreID   string       `json:"store_id"`
	Timestamp time.Time    `json:"timestamp"`
	Changes   []Change     `json:"changes"`
}

// ObjectIDs returns the identifiers touched by the transaction, grouped by change kind.
func (t Transaction) ObjectIDs() (inserted, updated, deleted []ObjectID) {
	for _, c := range t.Changes {
		switch c.Kind {
		case ChangeInsert:
			inserted = append(inserted, c.Object)
		case ChangeUpdate:
			updated = append(updated, c.Object)
		case ChangeDelete:
			deleted = append(deleted, c.Object)
		}
	}
	return inserted, updated, deleted
}

// LastToken returns the token of the last transaction, or the zero token.
func LastToken(txs []Transaction) cursor.Token {
	if len(txs) == 0 {
		return cursor.Token{}
	}
	return txs[len(txs)-1].Token
}
