// Package units models organizational units and resolves a user's membership
// across them. Units live in an external read-mostly store reached through
// the Directory interface; this package only reads, except for the narrow
// reconciliation write path that cascades based-on membership.
package units

import "context"

// Unit is an organizational group with head and member rosters. Membership in
// a unit implies membership in every unit listed in BasedOn, transitively;
// that invariant is maintained by the write path (reconciliation), never by
// readers.
type Unit struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Heads   []string `json:"heads" yaml:"heads"`
	Members []string `json:"members" yaml:"members"`
	BasedOn []string `json:"based_on,omitempty" yaml:"based_on,omitempty"`
}

// HasHead reports whether userID is a head of the unit.
func (u Unit) HasHead(userID string) bool {
	return contains(u.Heads, userID)
}

// HasMember reports whether userID is a regular member of the unit.
func (u Unit) HasMember(userID string) bool {
	return contains(u.Members, userID)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Directory is the external unit store. Read-mostly; concurrent readers are
// expected and implementations must tolerate them without caller locking.
type Directory interface {
	ListUnits(ctx context.Context) ([]Unit, error)
}

// Writer is the narrow mutation surface used by reconciliation. Stores that
// cannot be written to (file snapshots, caches) simply do not implement it.
type Writer interface {
	SaveMembers(ctx context.Context, unitID string, members []string) error
}

// Membership is a user's resolved unit membership.
type Membership struct {
	Head   []Unit
	Member []Unit
	// All is the union of Head and Member, deduplicated by unit ID.
	All []Unit
}

// IDs collects unit IDs from a unit slice.
func IDs(units []Unit) []string {
	ids := make([]string, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	return ids
}
