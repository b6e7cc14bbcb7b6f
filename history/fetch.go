package history

import (
	"context"

	"github.com/c0deZ3R0/go-persistent-stack/container"
	"github.com/c0deZ3R0/go-persistent-stack/cursor"
	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/storage/sqlite"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

// FetchRemoteTransactions returns the transactions recorded strictly after
// token, in token order, leaving out the local writes of author. An empty
// author keeps everything. Any failure, including a history row that does not
// decode, fails the whole fetch.
func FetchRemoteTransactions(ctx context.Context, oc *container.ObjectContext, after cursor.Token, author string) ([]types.Transaction, error) {
	txs, err := oc.FetchHistory(ctx, sqlite.HistoryQuery{After: after, ExcludeAuthor: author})
	if err != nil {
		return nil, stackerrors.WrapOpComponentKind(err, stackerrors.OpFetch, component, stackerrors.KindFetch)
	}
	return txs, nil
}
