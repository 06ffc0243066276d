package store

import (
	"time"
)

// Criteria selects among the records of a query, received in insertion
// order. Implementations MUST NOT modify the records and should keep
// their relative order.
type Criteria func(updates []*Update) []*Update

// Where keeps the records matching pred.
func Where(pred func(*Update) bool) Criteria {
	return func(updates []*Update) []*Update {
		var kept []*Update
		for _, upd := range updates {
			if pred(upd) {
				kept = append(kept, upd)
			}
		}
		return kept
	}
}

// NewerThan keeps the records received strictly after t.
func NewerThan(t time.Time) Criteria {
	return Where(func(upd *Update) bool {
		return upd.ReceivedAt.After(t)
	})
}

// FromSource keeps the records sent by one of sources.
func FromSource(sources ...string) Criteria {
	set := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		set[src] = struct{}{}
	}
	return Where(func(upd *Update) bool {
		_, has := set[upd.Source]
		return has
	})
}

// AtLeastSources selects nothing until records from n distinct sources
// are available.
func AtLeastSources(n int) Criteria {
	return func(updates []*Update) []*Update {
		sources := make(map[string]struct{})
		for _, upd := range updates {
			sources[upd.Source] = struct{}{}
			if len(sources) >= n {
				return updates
			}
		}
		if n <= 0 {
			return updates
		}
		return nil
	}
}

// Latest keeps the n most recent records.
func Latest(n int) Criteria {
	return func(updates []*Update) []*Update {
		if n <= 0 {
			return nil
		}
		if len(updates) <= n {
			return updates
		}
		return updates[len(updates)-n:]
	}
}

// Chain applies every criteria in order.
func Chain(criteria ...Criteria) Criteria {
	return func(updates []*Update) []*Update {
		for _, c := range criteria {
			if c == nil {
				continue
			}
			updates = c(updates)
			if len(updates) == 0 {
				return nil
			}
		}
		return updates
	}
}
