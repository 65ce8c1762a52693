package shipper

import (
	"context"
	"fmt"
)

// RatePage is one page of a paginated rate listing.
type RatePage[T any] struct {
	Rates []T
	// Next is the cursor or URL of the following page, empty on the last page.
	Next string
}

// RateMatcher picks the configured carrier account and service level.
type RateMatcher struct {
	CarrierAccount string
	ServiceLevel   string
}

// Matches reports whether account and level equal the configured pair.
func (m RateMatcher) Matches(account, level string) bool {
	return account == m.CarrierAccount && level == m.ServiceLevel
}

// SelectRate scans first and every following page fetched through next and
// returns the first rate accepted by match. Pages are consumed in order, so the
// result is deterministic for a given listing. ok is false when no page holds a
// matching rate.
func SelectRate[T any](
	ctx context.Context,
	first RatePage[T],
	next func(ctx context.Context, cursor string) (RatePage[T], error),
	match func(T) bool,
) (rate T, ok bool, err error) {
	page := first
	seen := make(map[string]struct{})
	for {
		for _, r := range page.Rates {
			if match(r) {
				return r, true, nil
			}
		}
		if page.Next == "" {
			return rate, false, nil
		}
		if _, dup := seen[page.Next]; dup {
			return rate, false, fmt.Errorf("%w: %s", ErrRatePageLoop, page.Next)
		}
		seen[page.Next] = struct{}{}
		if err := ctx.Err(); err != nil {
			return rate, false, err
		}
		page, err = next(ctx, page.Next)
		if err != nil {
			return rate, false, err
		}
	}
}
