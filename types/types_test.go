package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-persistent-stack/cursor"
)

func TestMergePolicyApply(t *testing.T) {
	stored := map[string]any{"title": "old", "pinned": true}
	incoming := map[string]any{"title": "new", "url": "https://example.com"}

	tests := []struct {
		policy MergePolicy
		want   map[string]any
	}{
		{MergeByPropertyObjectTrump, map[string]any{"title": "new", "pinned": true, "url": "https://example.com"}},
		{MergeByPropertyStoreTrump, map[string]any{"title": "old", "pinned": true, "url": "https://example.com"}},
		{Overwrite, map[string]any{"title": "new", "url": "https://example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Apply(stored, incoming))
		})
	}
	assert.Equal(t, "old", stored["title"], "Apply must not modify its input")
}

func TestParseMergePolicy(t *testing.T) {
	for _, p := range []MergePolicy{MergeByPropertyObjectTrump, MergeByPropertyStoreTrump, Overwrite} {
		got, err := ParseMergePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseMergePolicy("rollback")
	assert.Error(t, err)
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, CloudSynced, ModeFor(true))
	assert.Equal(t, LocalOnly, ModeFor(false))
	assert.Equal(t, "cloud-synced", CloudSynced.String())
}

func TestTransactionObjectIDs(t *testing.T) {
	tx := Transaction{Changes: []Change{
		{Kind: ChangeInsert, Object: ObjectID{"Clip", "1"}},
		{Kind: ChangeUpdate, Object: ObjectID{"Clip", "2"}},
		{Kind: ChangeDelete, Object: ObjectID{"Tag", "3"}},
	}}
	ins, upd, del := tx.ObjectIDs()
	assert.Equal(t, []ObjectID{{"Clip", "1"}}, ins)
	assert.Equal(t, []ObjectID{{"Clip", "2"}}, upd)
	assert.Equal(t, []ObjectID{{"Tag", "3"}}, del)

	assert.True(t, LastToken(nil).IsZero())
	assert.Equal(t, cursor.Token{Seq: 5}, LastToken([]Transaction{{Token: cursor.Token{Seq: 3}}, {Token: cursor.Token{Seq: 5}}}))
}
