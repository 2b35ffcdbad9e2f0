package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/callscript/internal/database/models"
)

// scriptRepo implements ScriptRepository.
type scriptRepo struct {
	db *DB
}

// NewScriptRepository creates a new ScriptRepository.
func NewScriptRepository(db *DB) ScriptRepository {
	return &scriptRepo{db: db}
}

// Upsert inserts a script or replaces every field of the stored one.
func (r *scriptRepo) Upsert(ctx context.Context, s *models.Script) error {
	now := dbNow()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scripts (slug, name, language, voice_type, flow, version,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(slug) DO UPDATE SET
		   name = excluded.name,
		   language = excluded.language,
		   voice_type = excluded.voice_type,
		   flow = excluded.flow,
		   version = scripts.version + 1,
		   updated_at = excluded.updated_at`,
		s.Slug, s.Name, s.Language, s.VoiceType, s.Flow, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting script %q: %w", s.Slug, err)
	}
	return nil
}

// GetBySlug returns a script by slug, or nil if it does not exist.
func (r *scriptRepo) GetBySlug(ctx context.Context, slug string) (*models.Script, error) {
	var s models.Script
	err := r.db.QueryRowContext(ctx,
		`SELECT slug, name, language, voice_type, flow, version, created_at, updated_at
		 FROM scripts WHERE slug = ?`, slug,
	).Scan(&s.Slug, &s.Name, &s.Language, &s.VoiceType, &s.Flow, &s.Version,
		&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying script %q: %w", slug, err)
	}
	return &s, nil
}

// List returns all scripts ordered by slug.
func (r *scriptRepo) List(ctx context.Context) ([]models.Script, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT slug, name, language, voice_type, flow, version, created_at, updated_at
		 FROM scripts ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("querying scripts: %w", err)
	}
	defer rows.Close()

	var scripts []models.Script
	for rows.Next() {
		var s models.Script
		if err := rows.Scan(&s.Slug, &s.Name, &s.Language, &s.VoiceType, &s.Flow,
			&s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning script row: %w", err)
		}
		scripts = append(scripts, s)
	}
	return scripts, rows.Err()
}

// Delete removes a script by slug.
func (r *scriptRepo) Delete(ctx context.Context, slug string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM scripts WHERE slug = ?`, slug)
	if err != nil {
		return fmt.Errorf("deleting script %q: %w", slug, err)
	}
	return nil
}
