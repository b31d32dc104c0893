package core

import "sort"

type (
	// CreatorAggregate is the per-creator running total, keyed by display name.
	// Currency and URL are the first values observed for the creator.
	CreatorAggregate struct {
		Name     string
		Currency string
		URL      string
		ByYear   map[int]int64
	}

	// CurrencyConflict records a bill whose currency differs from the one
	// first seen for its creator. Its amount is not part of any total.
	CurrencyConflict struct {
		Creator     string
		Currency    string
		Conflicting string
		Year        int
		BillID      string
		Amount      int64
	}

	// Aggregation is the result of folding every fetched bill.
	Aggregation struct {
		Creators  map[string]*CreatorAggregate
		Conflicts []CurrencyConflict
		Included  int // bills counted into a total
		Dropped   int // bills without a resolvable creator
	}
)

// Total sums the creator's amounts over the given years.
func (c *CreatorAggregate) Total(years []int) int64 {
	var total int64
	for _, y := range years {
		total += c.ByYear[y]
	}
	return total
}

// Aggregate folds per-year fetch results into per-creator totals.
//
// Each bill's creator is resolved through the creator mapping of the year it
// was fetched for; bills that cannot be resolved are dropped. Years are folded
// in ascending order so "first seen" is deterministic.
func Aggregate(results map[int]YearResult) Aggregation {
	agg := Aggregation{Creators: make(map[string]*CreatorAggregate)}

	years := make([]int, 0, len(results))
	for y := range results {
		years = append(years, y)
	}
	sort.Ints(years)

	for _, fetchedYear := range years {
		res := results[fetchedYear]
		for _, bill := range res.Bills {
			creator, ok := res.Creators[bill.CreatorID]
			if !ok || bill.CreatorID == "" {
				agg.Dropped++
				continue
			}
			year := bill.DueYear
			if year == 0 {
				year = fetchedYear
			}

			entry, ok := agg.Creators[creator.Name]
			if !ok {
				entry = &CreatorAggregate{
					Name:     creator.Name,
					Currency: bill.Currency,
					URL:      creator.URL,
					ByYear:   make(map[int]int64),
				}
				agg.Creators[creator.Name] = entry
			}
			if entry.Currency != bill.Currency {
				agg.Conflicts = append(agg.Conflicts, CurrencyConflict{
					Creator:     entry.Name,
					Currency:    entry.Currency,
					Conflicting: bill.Currency,
					Year:        year,
					BillID:      bill.ID,
					Amount:      bill.CombinedAmount(),
				})
				continue
			}
			entry.ByYear[year] += bill.CombinedAmount()
			agg.Included++
		}
	}
	return agg
}

// Summary describes one export run for logs and notifications.
type Summary struct {
	Years     []int
	Bills     int
	Included  int
	Dropped   int
	Creators  int
	Conflicts []CurrencyConflict
}

// Summary reports the counts of an aggregation over the given years.
func (a Aggregation) Summary(years []int) Summary {
	return Summary{
		Years:     descendingYears(years),
		Bills:     a.Included + a.Dropped + len(a.Conflicts),
		Included:  a.Included,
		Dropped:   a.Dropped,
		Creators:  len(a.Creators),
		Conflicts: a.Conflicts,
	}
}
