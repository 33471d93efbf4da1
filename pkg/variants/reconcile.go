package variants

import (
	"sort"
)

// Classification splits boards and variants into three sorted sets.
type Classification struct {
	// Matched boards have a variant directory.
	Matched []string `json:"matched"`

	// Missing boards have no variant directory.
	Missing []string `json:"missing"`

	// Orphaned variant directories have no board.
	Orphaned []string `json:"orphaned"`
}

// Consistent reports whether every board has a variant and vice versa.
func (c Classification) Consistent() bool {
	return len(c.Missing) == 0 && len(c.Orphaned) == 0
}

// Reconcile classifies the registry against the store. The result depends
// only on the two key sets.
func Reconcile(reg Registry, store StoreSet) Classification {
	c := Classification{
		Matched:  []string{},
		Missing:  []string{},
		Orphaned: []string{},
	}

	for id := range reg {
		if store.Has(id) {
			c.Matched = append(c.Matched, id)
		} else {
			c.Missing = append(c.Missing, id)
		}
	}
	for id := range store {
		if _, ok := reg[id]; !ok {
			c.Orphaned = append(c.Orphaned, id)
		}
	}

	sort.Strings(c.Matched)
	sort.Strings(c.Missing)
	sort.Strings(c.Orphaned)
	return c
}

// Board is one entry of the package index board list.
type Board struct {
	Name string `json:"name"`
}

// GenerateIndexEntries emits one Board per registry id present in the
// store, ordered by id.
func GenerateIndexEntries(reg Registry, store StoreSet) []Board {
	boards := []Board{}
	for _, id := range reg.IDs() {
		if store.Has(id) {
			boards = append(boards, Board{Name: reg[id]})
		}
	}
	return boards
}
