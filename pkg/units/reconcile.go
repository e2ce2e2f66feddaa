package units

import (
	"context"
	"fmt"

	"github.com/opsdeck/opsdeck/pkg/observability"
	"github.com/robfig/cron/v3"
)

// Invalidator drops a derived snapshot of the unit store. Satisfied by
// CachedDirectory.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Reconciler materializes the based-on cascade: membership in a unit implies
// membership in every unit it is based on, transitively. Readers never walk
// the cascade (see Resolver), so the invariant must be written down: at
// login time for the logging-in user, and periodically for everyone as a
// safety net against out-of-band roster edits.
//
// The directory must be the authoritative store, not a cached view: writes
// are decided against what it returns.
type Reconciler struct {
	directory   Directory
	writer      Writer
	invalidator Invalidator
	logger      *observability.Logger
}

// NewReconciler builds a reconciler over a readable directory and its write
// surface. invalidator may be nil; when set, it is called after any write so
// cached readers see the cascaded membership immediately instead of after
// their TTL.
func NewReconciler(directory Directory, writer Writer, invalidator Invalidator, logger *observability.Logger) *Reconciler {
	return &Reconciler{directory: directory, writer: writer, invalidator: invalidator, logger: logger}
}

// ReconcileUser ensures the user is listed as a member of every transitive
// based-on ancestor of the units that directly list them. Called on the login
// path, before the session token is issued.
func (r *Reconciler) ReconcileUser(ctx context.Context, userID string) error {
	all, err := r.directory.ListUnits(ctx)
	if err != nil {
		return fmt.Errorf("failed to list units for reconciliation: %w", err)
	}

	byID := make(map[string]Unit, len(all))
	for _, u := range all {
		byID[u.ID] = u
	}

	ancestors := make(map[string]bool)
	for _, u := range all {
		if u.HasHead(userID) || u.HasMember(userID) {
			collectAncestors(u, byID, ancestors, make(map[string]bool))
		}
	}

	wrote := false
	for id := range ancestors {
		unit, ok := byID[id]
		if !ok || unit.HasMember(userID) {
			continue
		}
		members := append(append([]string{}, unit.Members...), userID)
		if err := r.writer.SaveMembers(ctx, id, members); err != nil {
			return fmt.Errorf("failed to cascade membership into unit %s: %w", id, err)
		}
		wrote = true
		r.logger.WithFields(map[string]interface{}{
			"user_id": userID,
			"unit_id": id,
		}).Info("cascaded based-on membership")
	}

	if wrote {
		r.invalidate(ctx)
	}
	return nil
}

// invalidate drops the cached snapshot after a write. Best effort: on failure
// the cache converges at its TTL anyway.
func (r *Reconciler) invalidate(ctx context.Context) {
	if r.invalidator == nil {
		return
	}
	if err := r.invalidator.Invalidate(ctx); err != nil {
		r.logger.WithError(err).Warn("failed to invalidate unit cache after reconciliation")
	}
}

// ReconcileAll applies the cascade for every user appearing in any roster.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	all, err := r.directory.ListUnits(ctx)
	if err != nil {
		return fmt.Errorf("failed to list units for reconciliation: %w", err)
	}

	users := make(map[string]bool)
	for _, u := range all {
		for _, id := range u.Heads {
			users[id] = true
		}
		for _, id := range u.Members {
			users[id] = true
		}
	}

	for userID := range users {
		if err := r.ReconcileUser(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// StartPeriodic schedules ReconcileAll on the given cron spec and returns the
// running scheduler. The caller owns Stop.
func (r *Reconciler) StartPeriodic(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := r.ReconcileAll(context.Background()); err != nil {
			r.logger.WithError(err).Error("periodic unit reconciliation failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reconciliation schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

// collectAncestors walks BasedOn transitively from u, marking every reachable
// unit ID. visiting guards against roster cycles.
func collectAncestors(u Unit, byID map[string]Unit, out map[string]bool, visiting map[string]bool) {
	for _, parentID := range u.BasedOn {
		if visiting[parentID] || out[parentID] {
			continue
		}
		out[parentID] = true
		visiting[parentID] = true
		if parent, ok := byID[parentID]; ok {
			collectAncestors(parent, byID, out, visiting)
		}
		visiting[parentID] = false
	}
}
