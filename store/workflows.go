package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
)

// WorkflowStore persists Workflow aggregates together with their steps.
type WorkflowStore struct {
	store *Store
}

// WorkflowView is the lightweight projection used by paged listings.
type WorkflowView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   string    `json:"createdAt"`
	UpdatedAt   string    `json:"updatedAt"`
	StepCount   int       `json:"stepCount"`
}

// PagedResult carries one page of a listing.
type PagedResult[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// Get loads a workflow and its steps.
func (ws *WorkflowStore) Get(ctx context.Context, id domain.WorkflowID) (*domain.Workflow, error) {
	ctx, cancel := ws.store.opContext(ctx)
	defer cancel()

	row := ws.store.db.QueryRowContext(ctx, `
		SELECT id, name, description, status, created_at, updated_at,
		       started_at, completed_at, error_message, row_version
		FROM workflows WHERE id = ?`, id.String())

	snap, err := scanWorkflowRow(row)
	if err != nil {
		return nil, err
	}

	steps, err := ws.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	snap.Steps = steps
	return domain.RehydrateWorkflow(snap), nil
}

// Add inserts a workflow with its steps and publishes queued events.
func (ws *WorkflowStore) Add(ctx context.Context, w *domain.Workflow) error {
	snap := w.Snapshot()

	opCtx, cancel := ws.store.opContext(ctx)
	defer cancel()

	tx, err := ws.store.db.BeginTx(opCtx, nil)
	if err != nil {
		return errs.Wrap(errs.KindFailure, "Workflow.Insert", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(opCtx, `
		INSERT INTO workflows (id, name, description, status, created_at,
			updated_at, started_at, completed_at, error_message, row_version)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		snap.ID.String(), snap.Name, snap.Description, string(snap.Status),
		encodeTime(snap.CreatedAt), encodeTime(snap.UpdatedAt),
		encodeTimePtr(snap.StartedAt), encodeTimePtr(snap.CompletedAt),
		snap.ErrorMessage, snap.Version)
	if err != nil {
		return errs.Wrap(errs.KindFailure, "Workflow.Insert", err)
	}

	if err := insertSteps(opCtx, tx, snap); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindFailure, "Workflow.Insert", err)
	}

	ws.store.publishEvents(ctx, w.DomainEvents())
	w.ClearDomainEvents()
	return nil
}

// Update writes the workflow and rewrites its steps atomically, guarded by
// the optimistic row_version check.
func (ws *WorkflowStore) Update(ctx context.Context, w *domain.Workflow) error {
	snap := w.Snapshot()

	opCtx, cancel := ws.store.opContext(ctx)
	defer cancel()

	tx, err := ws.store.db.BeginTx(opCtx, nil)
	if err != nil {
		return errs.Wrap(errs.KindFailure, "Workflow.Update", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(opCtx, `
		UPDATE workflows SET name=?, description=?, status=?, created_at=?,
			updated_at=?, started_at=?, completed_at=?, error_message=?, row_version=?
		WHERE id=? AND row_version=?`,
		snap.Name, snap.Description, string(snap.Status),
		encodeTime(snap.CreatedAt), encodeTime(snap.UpdatedAt),
		encodeTimePtr(snap.StartedAt), encodeTimePtr(snap.CompletedAt),
		snap.ErrorMessage, snap.Version+1, snap.ID.String(), snap.Version)
	if err != nil {
		return errs.Wrap(errs.KindFailure, "Workflow.Update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindFailure, "Workflow.Update", err)
	}
	if affected == 0 {
		return errs.Conflict("Workflow.VersionConflict", "workflow %s was modified concurrently", snap.ID)
	}

	// Steps are owned rows: rewrite them wholesale inside the same
	// transaction.
	if _, err := tx.ExecContext(opCtx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, snap.ID.String()); err != nil {
		return errs.Wrap(errs.KindFailure, "Workflow.Update", err)
	}
	if err := insertSteps(opCtx, tx, snap); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindFailure, "Workflow.Update", err)
	}
	w.SetStoreVersion(snap.Version + 1)

	ws.store.publishEvents(ctx, w.DomainEvents())
	w.ClearDomainEvents()
	return nil
}

// Remove deletes a workflow; steps cascade.
func (ws *WorkflowStore) Remove(ctx context.Context, w *domain.Workflow) error {
	ctx, cancel := ws.store.opContext(ctx)
	defer cancel()

	res, err := ws.store.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, w.ID().String())
	if err != nil {
		return errs.Wrap(errs.KindFailure, "Workflow.Delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("Workflow.NotFound", "workflow %s not found", w.ID())
	}
	return nil
}

// List returns one page of workflow views, newest first.
func (ws *WorkflowStore) List(ctx context.Context, page, pageSize int, status domain.WorkflowStatus, search string) (PagedResult[WorkflowView], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	ctx, cancel := ws.store.opContext(ctx)
	defer cancel()

	where := " WHERE 1=1"
	var args []any
	if status != "" {
		where += " AND status = ?"
		args = append(args, string(status))
	}
	if search != "" {
		where += " AND (name LIKE ? OR description LIKE ?)"
		args = append(args, "%"+search+"%", "%"+search+"%")
	}

	var total int
	if err := ws.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflows"+where, args...).Scan(&total); err != nil {
		return PagedResult[WorkflowView]{}, errs.Wrap(errs.KindFailure, "Workflow.List", err)
	}

	query := `
		SELECT w.id, w.name, w.description, w.status, w.created_at, w.updated_at,
		       (SELECT COUNT(*) FROM workflow_steps s WHERE s.workflow_id = w.id)
		FROM workflows w` + where + `
		ORDER BY w.created_at DESC
		LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := ws.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return PagedResult[WorkflowView]{}, errs.Wrap(errs.KindFailure, "Workflow.List", err)
	}
	defer rows.Close()

	result := PagedResult[WorkflowView]{Page: page, PageSize: pageSize, Total: total}
	for rows.Next() {
		var v WorkflowView
		if err := rows.Scan(&v.ID, &v.Name, &v.Description, &v.Status, &v.CreatedAt, &v.UpdatedAt, &v.StepCount); err != nil {
			return PagedResult[WorkflowView]{}, errs.Wrap(errs.KindFailure, "Workflow.List", err)
		}
		result.Items = append(result.Items, v)
	}
	if err := rows.Err(); err != nil {
		return PagedResult[WorkflowView]{}, errs.Wrap(errs.KindFailure, "Workflow.List", err)
	}
	return result, nil
}

// ExistsWithName reports whether another workflow already uses the name.
func (ws *WorkflowStore) ExistsWithName(ctx context.Context, name string, exclude domain.WorkflowID) (bool, error) {
	ctx, cancel := ws.store.opContext(ctx)
	defer cancel()

	var one int
	err := ws.store.db.QueryRowContext(ctx,
		`SELECT 1 FROM workflows WHERE name = ? AND id != ? LIMIT 1`,
		name, exclude.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.KindFailure, "Workflow.Exists", err)
	}
	return true, nil
}

func insertSteps(ctx context.Context, tx *sql.Tx, snap domain.WorkflowSnapshot) error {
	for seq, st := range snap.Steps {
		cfgB, err := json.Marshal(st.Configuration)
		if err != nil {
			return errs.Wrap(errs.KindFailure, "Workflow.EncodeStep", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (id, workflow_id, name, plugin_id,
				step_order, configuration, status, created_at, started_at,
				completed_at, error_message, output, insert_seq)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			st.ID.String(), snap.ID.String(), st.Name, st.PluginID.String(),
			st.Order, string(cfgB), string(st.Status), encodeTime(st.CreatedAt),
			encodeTimePtr(st.StartedAt), encodeTimePtr(st.CompletedAt),
			st.ErrorMessage, st.Output, seq)
		if err != nil {
			return errs.Wrap(errs.KindFailure, "Workflow.InsertStep", err)
		}
	}
	return nil
}

func (ws *WorkflowStore) loadSteps(ctx context.Context, id domain.WorkflowID) ([]domain.StepSnapshot, error) {
	rows, err := ws.store.db.QueryContext(ctx, `
		SELECT id, name, plugin_id, step_order, configuration, status,
		       created_at, started_at, completed_at, error_message, output
		FROM workflow_steps WHERE workflow_id = ?
		ORDER BY insert_seq`, id.String())
	if err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Workflow.LoadSteps", err)
	}
	defer rows.Close()

	var steps []domain.StepSnapshot
	for rows.Next() {
		var (
			idStr, name, pluginIDStr, cfgJSON, status, createdAt string
			order                                                int
			startedAt, completedAt                               sql.NullString
			errorMessage, output                                 string
		)
		if err := rows.Scan(&idStr, &name, &pluginIDStr, &order, &cfgJSON, &status,
			&createdAt, &startedAt, &completedAt, &errorMessage, &output); err != nil {
			return nil, errs.Wrap(errs.KindFailure, "Workflow.LoadSteps", err)
		}
		stepID, err := domain.ParseWorkflowStepID(idStr)
		if err != nil {
			return nil, err
		}
		pluginID, err := domain.ParsePluginID(pluginIDStr)
		if err != nil {
			return nil, err
		}
		var cfg map[string]any
		if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
			return nil, errs.Wrap(errs.KindFailure, "Workflow.LoadSteps", fmt.Errorf("configuration column: %w", err))
		}
		created, err := decodeTime(createdAt)
		if err != nil {
			return nil, errs.Wrap(errs.KindFailure, "Workflow.LoadSteps", err)
		}
		started, err := decodeTimePtr(startedAt)
		if err != nil {
			return nil, errs.Wrap(errs.KindFailure, "Workflow.LoadSteps", err)
		}
		completed, err := decodeTimePtr(completedAt)
		if err != nil {
			return nil, errs.Wrap(errs.KindFailure, "Workflow.LoadSteps", err)
		}
		steps = append(steps, domain.StepSnapshot{
			ID:            stepID,
			Name:          name,
			PluginID:      pluginID,
			Order:         order,
			Configuration: cfg,
			Status:        domain.StepStatus(status),
			CreatedAt:     created,
			StartedAt:     started,
			CompletedAt:   completed,
			ErrorMessage:  errorMessage,
			Output:        output,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Workflow.LoadSteps", err)
	}
	return steps, nil
}

func scanWorkflowRow(row scanner) (domain.WorkflowSnapshot, error) {
	var (
		idStr, name, description, status, createdAt, updatedAt string
		startedAt, completedAt                                 sql.NullString
		errorMessage                                           string
		rowVersion                                             int
	)
	err := row.Scan(&idStr, &name, &description, &status, &createdAt, &updatedAt,
		&startedAt, &completedAt, &errorMessage, &rowVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkflowSnapshot{}, errs.NotFound("Workflow.NotFound", "workflow not found")
	}
	if err != nil {
		return domain.WorkflowSnapshot{}, errs.Wrap(errs.KindFailure, "Workflow.Scan", err)
	}

	id, err := domain.ParseWorkflowID(idStr)
	if err != nil {
		return domain.WorkflowSnapshot{}, err
	}
	created, err := decodeTime(createdAt)
	if err != nil {
		return domain.WorkflowSnapshot{}, errs.Wrap(errs.KindFailure, "Workflow.Scan", err)
	}
	updated, err := decodeTime(updatedAt)
	if err != nil {
		return domain.WorkflowSnapshot{}, errs.Wrap(errs.KindFailure, "Workflow.Scan", err)
	}
	started, err := decodeTimePtr(startedAt)
	if err != nil {
		return domain.WorkflowSnapshot{}, errs.Wrap(errs.KindFailure, "Workflow.Scan", err)
	}
	completed, err := decodeTimePtr(completedAt)
	if err != nil {
		return domain.WorkflowSnapshot{}, errs.Wrap(errs.KindFailure, "Workflow.Scan", err)
	}

	return domain.WorkflowSnapshot{
		ID:           id,
		Name:         name,
		Description:  description,
		Status:       domain.WorkflowStatus(status),
		CreatedAt:    created,
		UpdatedAt:    updated,
		StartedAt:    started,
		CompletedAt:  completed,
		ErrorMessage: errorMessage,
		Version:      rowVersion,
	}, nil
}
