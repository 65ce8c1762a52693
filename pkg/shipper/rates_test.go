package shipper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tournevent/labelflow/pkg/shipper"
)

type testRate struct {
	Account string
	Level   string
	ID      string
}

func pager(pages map[string]shipper.RatePage[testRate]) func(context.Context, string) (shipper.RatePage[testRate], error) {
	return func(_ context.Context, cursor string) (shipper.RatePage[testRate], error) {
		p, ok := pages[cursor]
		if !ok {
			return shipper.RatePage[testRate]{}, errors.New("unknown cursor " + cursor)
		}
		return p, nil
	}
}

func TestSelectRate_FindsMatchOnLaterPage(t *testing.T) {
	m := shipper.RateMatcher{CarrierAccount: "acct-1", ServiceLevel: "usps_ground_advantage"}
	first := shipper.RatePage[testRate]{
		Rates: []testRate{{Account: "acct-2", Level: "usps_ground_advantage", ID: "r1"}},
		Next:  "p2",
	}
	pages := map[string]shipper.RatePage[testRate]{
		"p2": {Rates: []testRate{{Account: "acct-1", Level: "usps_priority", ID: "r2"}}, Next: "p3"},
		"p3": {Rates: []testRate{
			{Account: "acct-1", Level: "usps_ground_advantage", ID: "r3"},
			{Account: "acct-1", Level: "usps_ground_advantage", ID: "r4"},
		}},
	}

	rate, ok, err := shipper.SelectRate(context.Background(), first, pager(pages), func(r testRate) bool {
		return m.Matches(r.Account, r.Level)
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r3", rate.ID, "first match across pages wins")
}

func TestSelectRate_NoMatch(t *testing.T) {
	first := shipper.RatePage[testRate]{Rates: []testRate{{Account: "a", Level: "b"}}}
	_, ok, err := shipper.SelectRate(context.Background(), first, pager(nil), func(r testRate) bool { return false })
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelectRate_CursorLoop(t *testing.T) {
	first := shipper.RatePage[testRate]{Next: "p2"}
	pages := map[string]shipper.RatePage[testRate]{
		"p2": {Next: "p2"},
	}
	_, ok, err := shipper.SelectRate(context.Background(), first, pager(pages), func(testRate) bool { return false })
	assert.False(t, ok)
	assert.ErrorIs(t, err, shipper.ErrRatePageLoop)
}

func TestSelectRate_FetchError(t *testing.T) {
	first := shipper.RatePage[testRate]{Next: "missing"}
	_, _, err := shipper.SelectRate(context.Background(), first, pager(nil), func(testRate) bool { return false })
	assert.Error(t, err)
}

func TestCachedToken_ValidAt(t *testing.T) {
	now := time.Now()
	tok := &shipper.CachedToken{Value: "abc", ExpiresAt: now.Add(10 * time.Minute)}

	assert.True(t, tok.ValidAt(now, 0))
	assert.True(t, tok.ValidAt(now, 500*time.Second))
	assert.False(t, tok.ValidAt(now, 11*time.Minute))

	var missing *shipper.CachedToken
	assert.False(t, missing.ValidAt(now, 0))
	assert.False(t, (&shipper.CachedToken{ExpiresAt: now.Add(time.Hour)}).ValidAt(now, 0))
}

func TestMemoryTokenStore(t *testing.T) {
	ctx := context.Background()
	store := shipper.NewMemoryTokenStore()

	got, err := store.GetToken(ctx, "usps_oauth")
	require.NoError(t, err)
	assert.Nil(t, got)

	exp := time.Now().Add(time.Hour)
	require.NoError(t, store.SetToken(ctx, "usps_oauth", shipper.CachedToken{Value: "t1", ExpiresAt: exp}))

	got, err = store.GetToken(ctx, "usps_oauth")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.Value)
}
