package units

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresDirectory reads units from a Postgres table owned by the admin
// service. Schema (maintained elsewhere):
//
//	CREATE TABLE units (
//	    id       TEXT PRIMARY KEY,
//	    name     TEXT NOT NULL DEFAULT '',
//	    heads    TEXT[] NOT NULL DEFAULT '{}',
//	    members  TEXT[] NOT NULL DEFAULT '{}',
//	    based_on TEXT[] NOT NULL DEFAULT '{}'
//	);
//
// It also implements Writer so reconciliation can persist cascaded members.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory wraps an open database handle.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// ListUnits fetches all units.
func (d *PostgresDirectory) ListUnits(ctx context.Context) ([]Unit, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, heads, members, based_on FROM units ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var u Unit
		if err := rows.Scan(&u.ID, &u.Name, pq.Array(&u.Heads), pq.Array(&u.Members), pq.Array(&u.BasedOn)); err != nil {
			return nil, fmt.Errorf("failed to scan unit row: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unit rows: %w", err)
	}
	return units, nil
}

// SaveMembers replaces a unit's member roster.
func (d *PostgresDirectory) SaveMembers(ctx context.Context, unitID string, members []string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE units SET members = $2 WHERE id = $1`,
		unitID, pq.Array(members))
	if err != nil {
		return fmt.Errorf("failed to update unit %s members: %w", unitID, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("unit %s not found", unitID)
	}
	return nil
}
