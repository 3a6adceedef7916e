package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
)

// PluginStore persists Plugin aggregates.
type PluginStore struct {
	store *Store
}

// PluginFilter narrows ListPlugins results. Zero values match everything.
type PluginFilter struct {
	Status   domain.PluginStatus
	Language domain.Language
	Name     string
}

// Get loads a plugin by id. Returns a NotFound error when absent.
func (ps *PluginStore) Get(ctx context.Context, id domain.PluginID) (*domain.Plugin, error) {
	ctx, cancel := ps.store.opContext(ctx)
	defer cancel()

	row := ps.store.db.QueryRowContext(ctx, `
		SELECT id, name, version, description, language, entry_point, plugin_path,
		       capabilities, dependencies, configuration, status, registered_at,
		       last_validated_at, last_executed_at, execution_count, error_message,
		       source_hash, row_version
		FROM plugins WHERE id = ?`, id.String())
	return scanPlugin(row)
}

// GetByName loads a plugin by exact (name, version).
func (ps *PluginStore) GetByName(ctx context.Context, name, version string) (*domain.Plugin, error) {
	ctx, cancel := ps.store.opContext(ctx)
	defer cancel()

	row := ps.store.db.QueryRowContext(ctx, `
		SELECT id, name, version, description, language, entry_point, plugin_path,
		       capabilities, dependencies, configuration, status, registered_at,
		       last_validated_at, last_executed_at, execution_count, error_message,
		       source_hash, row_version
		FROM plugins WHERE name = ? AND version = ?`, name, version)
	return scanPlugin(row)
}

// Add inserts a new plugin and publishes its queued events.
func (ps *PluginStore) Add(ctx context.Context, p *domain.Plugin) error {
	snap := p.Snapshot()
	caps, deps, cfg, err := encodePluginJSON(snap)
	if err != nil {
		return err
	}

	opCtx, cancel := ps.store.opContext(ctx)
	defer cancel()

	_, err = ps.store.db.ExecContext(opCtx, `
		INSERT INTO plugins (id, name, version, description, language, entry_point,
			plugin_path, capabilities, dependencies, configuration, status,
			registered_at, last_validated_at, last_executed_at, execution_count,
			error_message, source_hash, row_version)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		snap.ID.String(), snap.Metadata.Name, snap.Metadata.Version.String(),
		snap.Metadata.Description, string(snap.Metadata.Language), snap.EntryPoint,
		snap.PluginPath, caps, deps, cfg, string(snap.Status),
		encodeTime(snap.RegisteredAt), encodeTimePtr(snap.LastValidatedAt),
		encodeTimePtr(snap.LastExecutedAt), snap.ExecutionCount,
		snap.ErrorMessage, snap.SourceHash, snap.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Conflict("Plugin.Duplicate", "plugin %s@%s already registered", snap.Metadata.Name, snap.Metadata.Version)
		}
		return errs.Wrap(errs.KindFailure, "Plugin.Insert", err)
	}

	ps.store.publishEvents(ctx, p.DomainEvents())
	p.ClearDomainEvents()
	return nil
}

// Update writes the plugin back, failing with Conflict when the stored
// row_version moved since the aggregate was loaded.
func (ps *PluginStore) Update(ctx context.Context, p *domain.Plugin) error {
	snap := p.Snapshot()
	caps, deps, cfg, err := encodePluginJSON(snap)
	if err != nil {
		return err
	}

	opCtx, cancel := ps.store.opContext(ctx)
	defer cancel()

	res, err := ps.store.db.ExecContext(opCtx, `
		UPDATE plugins SET name=?, version=?, description=?, language=?,
			entry_point=?, plugin_path=?, capabilities=?, dependencies=?,
			configuration=?, status=?, registered_at=?, last_validated_at=?,
			last_executed_at=?, execution_count=?, error_message=?, source_hash=?,
			row_version=?
		WHERE id=? AND row_version=?`,
		snap.Metadata.Name, snap.Metadata.Version.String(), snap.Metadata.Description,
		string(snap.Metadata.Language), snap.EntryPoint, snap.PluginPath,
		caps, deps, cfg, string(snap.Status), encodeTime(snap.RegisteredAt),
		encodeTimePtr(snap.LastValidatedAt), encodeTimePtr(snap.LastExecutedAt),
		snap.ExecutionCount, snap.ErrorMessage, snap.SourceHash,
		snap.Version+1, snap.ID.String(), snap.Version)
	if err != nil {
		return errs.Wrap(errs.KindFailure, "Plugin.Update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindFailure, "Plugin.Update", err)
	}
	if affected == 0 {
		return errs.Conflict("Plugin.VersionConflict", "plugin %s was modified concurrently", snap.ID)
	}
	p.SetStoreVersion(snap.Version + 1)

	ps.store.publishEvents(ctx, p.DomainEvents())
	p.ClearDomainEvents()
	return nil
}

// Remove deletes the plugin row.
func (ps *PluginStore) Remove(ctx context.Context, p *domain.Plugin) error {
	ctx, cancel := ps.store.opContext(ctx)
	defer cancel()

	res, err := ps.store.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, p.ID().String())
	if err != nil {
		return errs.Wrap(errs.KindFailure, "Plugin.Delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("Plugin.NotFound", "plugin %s not found", p.ID())
	}
	return nil
}

// List returns plugins matching the filter, name order.
func (ps *PluginStore) List(ctx context.Context, filter PluginFilter) ([]*domain.Plugin, error) {
	ctx, cancel := ps.store.opContext(ctx)
	defer cancel()

	query := `
		SELECT id, name, version, description, language, entry_point, plugin_path,
		       capabilities, dependencies, configuration, status, registered_at,
		       last_validated_at, last_executed_at, execution_count, error_message,
		       source_hash, row_version
		FROM plugins`
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Language != "" {
		conds = append(conds, "language = ?")
		args = append(args, string(filter.Language))
	}
	if filter.Name != "" {
		conds = append(conds, "name LIKE ?")
		args = append(args, "%"+filter.Name+"%")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY name, version"

	rows, err := ps.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Plugin.List", err)
	}
	defer rows.Close()

	var out []*domain.Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Plugin.List", err)
	}
	return out, nil
}

// Exists reports whether a plugin with the exact (name, version) is stored.
func (ps *PluginStore) Exists(ctx context.Context, name, version string) (bool, error) {
	ctx, cancel := ps.store.opContext(ctx)
	defer cancel()

	var one int
	err := ps.store.db.QueryRowContext(ctx,
		`SELECT 1 FROM plugins WHERE name = ? AND version = ?`, name, version).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.KindFailure, "Plugin.Exists", err)
	}
	return true, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row scanner) (*domain.Plugin, error) {
	var (
		idStr, name, version, description, language string
		entryPoint, pluginPath                      string
		capsJSON, depsJSON, cfgJSON                 string
		status, registeredAt                        string
		lastValidatedAt, lastExecutedAt             sql.NullString
		executionCount                              int64
		errorMessage, sourceHash                    string
		rowVersion                                  int
	)
	err := row.Scan(&idStr, &name, &version, &description, &language, &entryPoint,
		&pluginPath, &capsJSON, &depsJSON, &cfgJSON, &status, &registeredAt,
		&lastValidatedAt, &lastExecutedAt, &executionCount, &errorMessage,
		&sourceHash, &rowVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("Plugin.NotFound", "plugin not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Plugin.Scan", err)
	}

	id, err := domain.ParsePluginID(idStr)
	if err != nil {
		return nil, err
	}
	ver, err := domain.ParseVersion(version)
	if err != nil {
		return nil, err
	}
	lang, err := domain.ParseLanguage(language)
	if err != nil {
		return nil, err
	}

	var caps []string
	if err := json.Unmarshal([]byte(capsJSON), &caps); err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Plugin.Scan", fmt.Errorf("capabilities column: %w", err))
	}
	var deps []domain.Dependency
	if err := json.Unmarshal([]byte(depsJSON), &deps); err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Plugin.Scan", fmt.Errorf("dependencies column: %w", err))
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Plugin.Scan", fmt.Errorf("configuration column: %w", err))
	}

	regAt, err := decodeTime(registeredAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Plugin.Scan", err)
	}
	validatedAt, err := decodeTimePtr(lastValidatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Plugin.Scan", err)
	}
	executedAt, err := decodeTimePtr(lastExecutedAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Plugin.Scan", err)
	}

	return domain.RehydratePlugin(domain.PluginSnapshot{
		ID: id,
		Metadata: domain.PluginMetadata{
			Name:        name,
			Version:     ver,
			Description: description,
			Language:    lang,
		},
		EntryPoint:      entryPoint,
		PluginPath:      pluginPath,
		Capabilities:    caps,
		Dependencies:    deps,
		Configuration:   cfg,
		Status:          domain.PluginStatus(status),
		RegisteredAt:    regAt,
		LastValidatedAt: validatedAt,
		LastExecutedAt:  executedAt,
		ExecutionCount:  executionCount,
		ErrorMessage:    errorMessage,
		SourceHash:      sourceHash,
		Version:         rowVersion,
	}), nil
}

func encodePluginJSON(snap domain.PluginSnapshot) (caps, deps, cfg string, err error) {
	capsB, err := json.Marshal(snap.Capabilities)
	if err != nil {
		return "", "", "", errs.Wrap(errs.KindFailure, "Plugin.Encode", err)
	}
	if snap.Capabilities == nil {
		capsB = []byte("[]")
	}
	depsB, err := json.Marshal(snap.Dependencies)
	if err != nil {
		return "", "", "", errs.Wrap(errs.KindFailure, "Plugin.Encode", err)
	}
	if snap.Dependencies == nil {
		depsB = []byte("[]")
	}
	cfgB, err := json.Marshal(snap.Configuration)
	if err != nil {
		return "", "", "", errs.Wrap(errs.KindFailure, "Plugin.Encode", err)
	}
	return string(capsB), string(depsB), string(cfgB), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
