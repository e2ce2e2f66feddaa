package units

import (
	"context"
	"fmt"
)

// Resolver computes a user's unit membership from the Directory.
//
// Resolution is a single flat scan: a unit counts iff it directly lists the
// user in Heads or Members. BasedOn is deliberately NOT walked here; the
// cascade is materialized by the write path at reconciliation time, which
// keeps reads O(units) and cheap. Do not "fix" this into a transitive read.
type Resolver struct {
	directory Directory
}

// NewResolver creates a resolver over the given directory.
func NewResolver(directory Directory) *Resolver {
	return &Resolver{directory: directory}
}

// Resolve returns the units where the user is head, member, or either. An
// empty directory yields empty sets, never an error.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Membership, error) {
	all, err := r.directory.ListUnits(ctx)
	if err != nil {
		return Membership{}, fmt.Errorf("failed to list units: %w", err)
	}

	m := Membership{}
	seen := make(map[string]bool, len(all))
	for _, unit := range all {
		head := unit.HasHead(userID)
		member := unit.HasMember(userID)
		if head {
			m.Head = append(m.Head, unit)
		}
		if member {
			m.Member = append(m.Member, unit)
		}
		if (head || member) && !seen[unit.ID] {
			seen[unit.ID] = true
			m.All = append(m.All, unit)
		}
	}
	return m, nil
}
