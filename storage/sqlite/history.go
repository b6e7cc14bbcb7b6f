package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-persistent-stack/cursor"
	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

// Origin values of the history table.
const (
	OriginLocal = "local"
	OriginCloud = "cloud"
)

// HistoryQuery selects transactions from the history table.
type HistoryQuery struct {
	// After excludes every transaction up to and including this token.
	After cursor.Token
	// ExcludeAuthor drops local transactions written by this author. Imported
	// transactions are kept whatever their author. Empty keeps all.
	ExcludeAuthor string
	// Origin restricts results to OriginLocal or OriginCloud. Empty keeps all.
	Origin string
	// Limit caps the number of transactions. Zero means no limit.
	Limit int
}

// Commit applies changes atomically under author and records them as one
// transaction. With history tracking disabled the returned token is zero.
func (s *Store) Commit(ctx context.Context, author string, policy types.MergePolicy, changes []types.Change) (types.Transaction, error) {
	select {
	case <-ctx.Done():
		return types.Transaction{}, ctx.Err()
	default:
	}
	if len(changes) == 0 {
		return types.Transaction{}, stackerrors.E(opCommit, component, stackerrors.KindInternal, "empty transaction")
	}
	txn := types.Transaction{
		ID:        uuid.NewString(),
		Author:    author,
		StoreID:   s.id,
		Timestamp: time.Now().UTC(),
		Changes:   changes,
	}
	committed, _, err := s.apply(ctx, txn, policy, OriginLocal, opCommit)
	return committed, err
}

// Import applies a transaction that originated in another store, keeping its
// author and id. A transaction already present in the history is skipped and
// reported with imported=false.
func (s *Store) Import(ctx context.Context, txn types.Transaction, policy types.MergePolicy) (types.Transaction, bool, error) {
	if txn.ID == "" {
		return types.Transaction{}, false, stackerrors.E(opImport, component, stackerrors.KindInternal, "transaction has no id")
	}
	return s.apply(ctx, txn, policy, OriginCloud, opImport)
}

func (s *Store) apply(ctx context.Context, txn types.Transaction, policy types.MergePolicy, origin string, op stackerrors.Operation) (types.Transaction, bool, error) {
	if err := s.checkOpen(); err != nil {
		return types.Transaction{}, false, err
	}
	for _, c := range txn.Changes {
		if err := s.cfg.Model.Validate(c); err != nil {
			return types.Transaction{}, false, stackerrors.E(op, component, stackerrors.KindInternal, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Transaction{}, false, stackerrors.WrapOpComponentKind(err, op, component, stackerrors.KindStorage)
	}
	defer tx.Rollback()

	if origin == OriginCloud {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM history WHERE txid = ?`, txn.ID).Scan(&exists)
		if err == nil {
			return types.Transaction{}, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return types.Transaction{}, false, stackerrors.WrapOpComponentKind(err, op, component, stackerrors.KindStorage)
		}
	}

	if txn.Timestamp.IsZero() {
		txn.Timestamp = time.Now().UTC()
	}
	now := time.Now().UTC().UnixNano()
	for _, c := range txn.Changes {
		if err := applyChange(ctx, tx, c, policy, now); err != nil {
			return types.Transaction{}, false, stackerrors.WrapOpComponentKind(err, op, component, stackerrors.KindStorage)
		}
	}

	if s.cfg.HistoryTracking {
		payload, err := json.Marshal(txn.Changes)
		if err != nil {
			return types.Transaction{}, false, stackerrors.WrapOpComponentKind(err, op, component, stackerrors.KindInternal)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO history (txid, author, origin, created_at, changes) VALUES (?, ?, ?, ?, ?)`,
			txn.ID, txn.Author, origin, txn.Timestamp.UTC().UnixNano(), string(payload))
		if err != nil {
			return types.Transaction{}, false, stackerrors.WrapOpComponentKind(err, op, component, stackerrors.KindStorage)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return types.Transaction{}, false, stackerrors.WrapOpComponentKind(err, op, component, stackerrors.KindStorage)
		}
		txn.Token = cursor.Token{Seq: uint64(seq)}
	}

	if err := tx.Commit(); err != nil {
		return types.Transaction{}, false, stackerrors.WrapOpComponentKind(err, op, component, stackerrors.KindStorage)
	}

	txn.StoreID = s.id
	s.publish(txn)
	return txn, true, nil
}

func applyChange(ctx context.Context, tx *sql.Tx, c types.Change, policy types.MergePolicy, now int64) error {
	if c.Kind == types.ChangeDelete {
		_, err := tx.ExecContext(ctx, `DELETE FROM records WHERE entity = ? AND id = ?`, c.Object.Entity, c.Object.ID)
		return err
	}
	if c.Kind != types.ChangeInsert && c.Kind != types.ChangeUpdate {
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}

	var stored map[string]any
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT fields FROM records WHERE entity = ? AND id = ?`, c.Object.Entity, c.Object.ID).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		if stored, err = decodeFields(raw); err != nil {
			return err
		}
	}

	merged := policy.Apply(stored, c.Fields)
	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (entity, id, fields, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity, id) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at`,
		c.Object.Entity, c.Object.ID, string(data), now)
	return err
}

// FetchHistory returns the transactions matching q in token order.
// A row whose payload cannot be decoded fails the whole fetch with
// ErrMalformedTransaction.
func (s *Store) FetchHistory(ctx context.Context, q HistoryQuery) ([]types.Transaction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT seq, txid, author, created_at, changes FROM history WHERE seq > ?`
	args := []any{int64(q.After.Seq)}
	if q.ExcludeAuthor != "" {
		query += ` AND NOT (author = ? AND origin = ?)`
		args = append(args, q.ExcludeAuthor, OriginLocal)
	}
	if q.Origin != "" {
		query += ` AND origin = ?`
		args = append(args, q.Origin)
	}
	query += ` ORDER BY seq ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, stackerrors.WrapOpComponentKind(err, opHistory, component, stackerrors.KindFetch)
	}
	defer rows.Close()

	var out []types.Transaction
	for rows.Next() {
		var (
			seq       int64
			createdAt int64
			payload   string
			txn       types.Transaction
		)
		if err := rows.Scan(&seq, &txn.ID, &txn.Author, &createdAt, &payload); err != nil {
			return nil, stackerrors.WrapOpComponentKind(err, opHistory, component, stackerrors.KindFetch)
		}
		if err := json.Unmarshal([]byte(payload), &txn.Changes); err != nil {
			return nil, stackerrors.E(opHistory, component, stackerrors.KindFetch,
				fmt.Errorf("%w: seq %d: %v", ErrMalformedTransaction, seq, err))
		}
		txn.Token = cursor.Token{Seq: uint64(seq)}
		txn.Timestamp = time.Unix(0, createdAt).UTC()
		txn.StoreID = s.id
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, stackerrors.WrapOpComponentKind(err, opHistory, component, stackerrors.KindFetch)
	}
	return out, nil
}

// LatestToken returns the token of the newest history row.
func (s *Store) LatestToken(ctx context.Context) (cursor.Token, error) {
	if err := s.checkOpen(); err != nil {
		return cursor.Token{}, err
	}
	var maxSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM history`).Scan(&maxSeq); err != nil {
		return cursor.Token{}, stackerrors.WrapOpComponentKind(err, opHistory, component, stackerrors.KindStorage)
	}
	if !maxSeq.Valid {
		return cursor.Token{}, nil
	}
	return cursor.Token{Seq: uint64(maxSeq.Int64)}, nil
}
