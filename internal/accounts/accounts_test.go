package accounts

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/blacktop/cawatch/internal/store"
	"github.com/blacktop/cawatch/internal/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const list = `
====== order #1138 ======
Download: https://shop.example.com/order/1138

w1:pass1:w1@example.com:key1:secret1
w2:pass2:w2@example.com
# retired
w3:pass3:w3@example.com:::{"access_jwt":"a","did":"did:plc:w3"}
:orphan
w1:again
`

func TestParse(t *testing.T) {
	entries, err := Parse(strings.NewReader(list), "alice")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, watch.WorkerAccount{
		Username: "w1",
		Owner:    "alice",
		Credentials: watch.Credentials{
			Password: "pass1",
			Email:    "w1@example.com",
			Token:    "key1",
			Secret:   "secret1",
		},
		Health: watch.HealthUnknown,
	}, entries[0].Account)
	assert.Empty(t, entries[0].Session)
	assert.Equal(t, 5, entries[0].Line)

	assert.Equal(t, "w2@example.com", entries[1].Account.Credentials.Email)
	assert.Empty(t, entries[1].Account.Credentials.Token)

	assert.Equal(t, `{"access_jwt":"a","did":"did:plc:w3"}`, entries[2].Session, "session keeps its colons")
	assert.Equal(t, "w1", entries[3].Account.Username)
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveAccount(ctx, watch.WorkerAccount{Username: "w2", Owner: "alice"}))
	require.NoError(t, mem.SaveAccount(ctx, watch.WorkerAccount{Username: "w1", Owner: "bob"}))

	entries, err := Parse(strings.NewReader(list), "alice")
	require.NoError(t, err)

	res, err := Import(ctx, mem, mem, entries)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w3"}, res.Added)
	assert.Equal(t, []string{"w2", "w1"}, res.Skipped)
	assert.Equal(t, 1, res.Seeded)
	assert.Equal(t, "added 2, skipped 2 existing, seeded 1 sessions", res.String())

	got, err := mem.ListAccounts(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	tok, ok, err := mem.Get(ctx, watch.AccountKey{Owner: "alice", Username: "w3"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, tok, "did:plc:w3")

	_, ok, err = mem.Get(ctx, watch.AccountKey{Owner: "bob", Username: "w3"})
	require.NoError(t, err)
	assert.False(t, ok, "sessions are scoped to the owner")

	res, err = Import(ctx, mem, mem, entries)
	require.NoError(t, err)
	assert.Empty(t, res.Added, "second import is a no-op")
}

type failingAccounts struct{ store.AccountStore }

func (failingAccounts) ListAccounts(context.Context, string) ([]watch.WorkerAccount, error) {
	return nil, errors.New("db down")
}

func TestImportListError(t *testing.T) {
	entries := []Entry{{Account: watch.WorkerAccount{Username: "w1", Owner: "alice"}}}
	_, err := Import(context.Background(), failingAccounts{}, nil, entries)
	assert.ErrorContains(t, err, "db down")
}
