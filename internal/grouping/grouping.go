// Package grouping associates tradelines that describe the same logical
// account across bureau reports.
package grouping

import (
	"strconv"

	"github.com/opensource-finance/heron/internal/domain"
)

// Group partitions accounts by their canonical group key. Groups appear in
// order of first occurrence and members keep input order, so the result is
// deterministic for a given input. Same-bureau duplicates stay together.
// Accounts without a usable name each get a singleton group.
func Group(accounts []*domain.NormalizedAccount) []*domain.AccountGroup {
	groups := make([]*domain.AccountGroup, 0, len(accounts))
	index := make(map[string]*domain.AccountGroup, len(accounts))

	for _, a := range accounts {
		if a == nil {
			continue
		}
		key := a.GroupKey
		if key == "" {
			groups = append(groups, &domain.AccountGroup{
				Key:      "#" + strconv.Itoa(a.Index),
				Accounts: []*domain.NormalizedAccount{a},
			})
			continue
		}
		g, ok := index[key]
		if !ok {
			g = &domain.AccountGroup{Key: key}
			index[key] = g
			groups = append(groups, g)
		}
		g.Accounts = append(g.Accounts, a)
	}
	return groups
}

// Eligible returns the groups with at least two members, the ones that
// cross-bureau rules run against.
func Eligible(groups []*domain.AccountGroup) []*domain.AccountGroup {
	out := make([]*domain.AccountGroup, 0, len(groups))
	for _, g := range groups {
		if g.Size() >= 2 {
			out = append(out, g)
		}
	}
	return out
}
