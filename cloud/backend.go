// Package cloud models the remote side of a cloud-synced store: an account-scoped
// transaction log reached through a Backend, and the Mirror that copies a local
// store's history to and from it.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-persistent-stack/availability"
	"github.com/c0deZ3R0/go-persistent-stack/cursor"
	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

const component = stackerrors.Component("cloud")

var (
	// ErrAccountBusy is returned by Attach while another store holds the account.
	ErrAccountBusy = errors.New("cloud account is attached to another store")
	// ErrLeaseNotHeld is returned for operations on a released or foreign lease.
	ErrLeaseNotHeld = errors.New("cloud lease is not held")
	// ErrAccountUnavailable is returned by Attach when the account cannot sync.
	ErrAccountUnavailable = errors.New("cloud account is unavailable")
)

// Lease grants one store exclusive sync access to an account.
type Lease struct {
	ID      string `json:"id"`
	Account string `json:"account"`
	StoreID string `json:"store_id"`
}

// Record is one transaction in an account's log. Seq is assigned by the backend.
// The transaction's StoreID names the store that pushed it; its Token is unset.
type Record struct {
	Seq         uint64            `json:"seq"`
	Transaction types.Transaction `json:"transaction"`
}

// Backend is the account-scoped remote transaction log.
type Backend interface {
	Attach(ctx context.Context, account, storeID string) (Lease, error)
	Detach(ctx context.Context, lease Lease) error
	// Push appends transactions not yet in the log and returns the newest sequence.
	Push(ctx context.Context, lease Lease, txs []types.Transaction) (uint64, error)
	// Pull returns up to limit records with Seq greater than after.
	Pull(ctx context.Context, lease Lease, after uint64, limit int) ([]Record, error)
}

// Watcher is implemented by backends that announce new records. The channel
// carries the newest sequence and is closed when ctx is done.
type Watcher interface {
	Watch(ctx context.Context, account string) (<-chan uint64, error)
}

// StatusReader is implemented by backends that report account status.
type StatusReader interface {
	AccountStatus(ctx context.Context, account string) (availability.AccountStatus, error)
}

// StatusSource adapts a StatusReader to one account.
func StatusSource(r StatusReader, account string) availability.StatusSource {
	return accountStatus{reader: r, account: account}
}

type accountStatus struct {
	reader  StatusReader
	account string
}

func (a accountStatus) AccountStatus(ctx context.Context) (availability.AccountStatus, error) {
	return a.reader.AccountStatus(ctx, a.account)
}

// MemoryBackend is an in-process Backend. It is used by tests, by the CLI's
// serve command behind httpcloud, and as a local stand-in for a real service.
type MemoryBackend struct {
	mu       sync.Mutex
	accounts map[string]*memAccount
	statuses map[string]availability.AccountStatus
}

type memAccount struct {
	records  []Record
	ids      map[string]bool
	lease    *Lease
	nextW    int
	watchers map[int]chan uint64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		accounts: make(map[string]*memAccount),
		statuses: make(map[string]availability.AccountStatus),
	}
}

func (b *MemoryBackend) account(name string) *memAccount {
	a, ok := b.accounts[name]
	if !ok {
		a = &memAccount{ids: make(map[string]bool), watchers: make(map[int]chan uint64)}
		b.accounts[name] = a
	}
	return a
}

// SetAccountStatus overrides the status reported for account. Accounts
// default to available.
func (b *MemoryBackend) SetAccountStatus(account string, status availability.AccountStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[account] = status
}

func (b *MemoryBackend) AccountStatus(ctx context.Context, account string) (availability.AccountStatus, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status(account), nil
}

func (b *MemoryBackend) status(account string) availability.AccountStatus {
	if s, ok := b.statuses[account]; ok {
		return s
	}
	return availability.StatusAvailable
}

func (b *MemoryBackend) Attach(ctx context.Context, account, storeID string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if s := b.status(account); s != availability.StatusAvailable {
		return Lease{}, stackerrors.E(stackerrors.OpAttach, component, stackerrors.KindUnavailable,
			fmt.Errorf("%w: %s", ErrAccountUnavailable, availability.FromAccountStatus(&s)))
	}
	a := b.account(account)
	if a.lease != nil {
		return Lease{}, stackerrors.E(stackerrors.OpAttach, component, stackerrors.KindLoad, ErrAccountBusy,
			map[string]interface{}{"account": account, "holder": a.lease.StoreID})
	}
	l := Lease{ID: uuid.NewString(), Account: account, StoreID: storeID}
	a.lease = &l
	return l, nil
}

func (b *MemoryBackend) Detach(ctx context.Context, lease Lease) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.held(lease)
	if err != nil {
		return stackerrors.E(stackerrors.OpDetach, component, stackerrors.KindDetach, err)
	}
	a.lease = nil
	return nil
}

func (b *MemoryBackend) held(lease Lease) (*memAccount, error) {
	a, ok := b.accounts[lease.Account]
	if !ok || a.lease == nil || a.lease.ID != lease.ID {
		return nil, ErrLeaseNotHeld
	}
	return a, nil
}

func (b *MemoryBackend) Push(ctx context.Context, lease Lease, txs []types.Transaction) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.held(lease)
	if err != nil {
		return 0, stackerrors.E(stackerrors.OpExport, component, stackerrors.KindUnavailable, err)
	}

	added := false
	for _, tx := range txs {
		if a.ids[tx.ID] {
			continue
		}
		tx.StoreID = lease.StoreID
		tx.Token = cursor.Token{}
		a.ids[tx.ID] = true
		a.records = append(a.records, Record{Seq: uint64(len(a.records)) + 1, Transaction: tx})
		added = true
	}
	latest := uint64(len(a.records))
	if added {
		for _, ch := range a.watchers {
			select {
			case <-ch:
			default:
			}
			ch <- latest
		}
	}
	return latest, nil
}

func (b *MemoryBackend) Pull(ctx context.Context, lease Lease, after uint64, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.held(lease)
	if err != nil {
		return nil, stackerrors.E(stackerrors.OpImport, component, stackerrors.KindUnavailable, err)
	}
	if after >= uint64(len(a.records)) {
		return nil, nil
	}
	recs := a.records[after:]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return append([]Record(nil), recs...), nil
}

// Watch announces the newest sequence after each push that added records.
// Announcements are coalesced: a slow reader sees only the latest value.
func (b *MemoryBackend) Watch(ctx context.Context, account string) (<-chan uint64, error) {
	b.mu.Lock()
	a := b.account(account)
	a.nextW++
	id := a.nextW
	ch := make(chan uint64, 1)
	a.watchers[id] = ch
	b.mu.Unlock()

	out := make(chan uint64)
	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(a.watchers, id)
			b.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case seq := <-ch:
				select {
				case out <- seq:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Records returns a copy of the account's log.
func (b *MemoryBackend) Records(account string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.accounts[account]
	if !ok {
		return nil
	}
	return append([]Record(nil), a.records...)
}
