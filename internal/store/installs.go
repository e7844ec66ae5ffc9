package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/cellar/internal/ir"
)

// ErrNotFound is returned when no matching install receipt exists.
var ErrNotFound = errors.New("not found")

// Health is the result of the most recent test run against an install.
type Health string

const (
	// HealthUntested means the install completed but was never verified.
	HealthUntested Health = "untested"

	// HealthHealthy means the last verification passed.
	HealthHealthy Health = "healthy"

	// HealthUnhealthy means the last verification failed. The files stay in
	// place; the receipt records why.
	HealthUnhealthy Health = "unhealthy"
)

// Install is the receipt written after a successful build and post-install.
type Install struct {
	Name         string
	Version      string
	Prefix       string
	RecipeDigest string
	SessionID    string
	KegOnly      bool
	Dependencies []string
	Health       Health
	HealthDetail string
	InstalledAt  time.Time
}

// WriteInstall records a receipt. Reinstalling the same version replaces the
// previous receipt and resets its health to the value in inst.
func (s *Store) WriteInstall(ctx context.Context, inst Install) error {
	deps := inst.Dependencies
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := ir.MarshalCanonical(deps)
	if err != nil {
		return fmt.Errorf("write install: %w", err)
	}
	health := inst.Health
	if health == "" {
		health = HealthUntested
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO installs
		(name, version, prefix, recipe_digest, session_id, keg_only, dependencies, health, health_detail, installed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, version) DO UPDATE SET
			prefix = excluded.prefix,
			recipe_digest = excluded.recipe_digest,
			session_id = excluded.session_id,
			keg_only = excluded.keg_only,
			dependencies = excluded.dependencies,
			health = excluded.health,
			health_detail = excluded.health_detail,
			installed_at = excluded.installed_at
	`,
		inst.Name,
		inst.Version,
		inst.Prefix,
		inst.RecipeDigest,
		inst.SessionID,
		inst.KegOnly,
		string(depsJSON),
		string(health),
		inst.HealthDetail,
		inst.InstalledAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write install: %w", err)
	}
	return nil
}

// SetHealth updates the health of an existing receipt.
// Returns ErrNotFound if (name, version) was never installed.
func (s *Store) SetHealth(ctx context.Context, name, version string, health Health, detail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE installs SET health = ?, health_detail = ?
		WHERE name = ? AND version = ?
	`, string(health), detail, name, version)
	if err != nil {
		return fmt.Errorf("set health: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set health: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set health %s %s: %w", name, version, ErrNotFound)
	}
	return nil
}

// DeleteInstall removes the receipt for (name, version). Deleting a receipt
// that does not exist is not an error.
func (s *Store) DeleteInstall(ctx context.Context, name, version string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM installs WHERE name = ? AND version = ?`, name, version); err != nil {
		return fmt.Errorf("delete install: %w", err)
	}
	return nil
}

// ReadInstall returns the most recently installed version of name.
func (s *Store) ReadInstall(ctx context.Context, name string) (Install, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, version, prefix, recipe_digest, session_id, keg_only, dependencies, health, health_detail, installed_at
		FROM installs
		WHERE name = ?
		ORDER BY installed_at DESC, version COLLATE BINARY DESC
		LIMIT 1
	`, name)
	inst, err := scanInstall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Install{}, fmt.Errorf("read install %s: %w", name, ErrNotFound)
	}
	return inst, err
}

// ListInstalls returns every receipt ordered by name then version.
func (s *Store) ListInstalls(ctx context.Context) ([]Install, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, version, prefix, recipe_digest, session_id, keg_only, dependencies, health, health_detail, installed_at
		FROM installs
		ORDER BY name COLLATE BINARY ASC, version COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query installs: %w", err)
	}
	defer rows.Close()

	installs := []Install{}
	for rows.Next() {
		inst, err := scanInstall(rows)
		if err != nil {
			return nil, err
		}
		installs = append(installs, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate installs: %w", err)
	}
	return installs, nil
}

// IsInstalled reports whether any version of name has a receipt.
func (s *Store) IsInstalled(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM installs WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count installs: %w", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstall(row scanner) (Install, error) {
	var (
		inst        Install
		depsJSON    string
		health      string
		installedAt string
	)
	err := row.Scan(
		&inst.Name,
		&inst.Version,
		&inst.Prefix,
		&inst.RecipeDigest,
		&inst.SessionID,
		&inst.KegOnly,
		&depsJSON,
		&health,
		&inst.HealthDetail,
		&installedAt,
	)
	if err != nil {
		return Install{}, err
	}
	if err := json.Unmarshal([]byte(depsJSON), &inst.Dependencies); err != nil {
		return Install{}, fmt.Errorf("unmarshal dependencies: %w", err)
	}
	inst.Health = Health(health)
	if inst.InstalledAt, err = time.Parse(time.RFC3339Nano, installedAt); err != nil {
		return Install{}, fmt.Errorf("parse installed_at: %w", err)
	}
	return inst, nil
}
