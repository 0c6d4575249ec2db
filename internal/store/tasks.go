package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taskboard/api/internal/ordering"
	"taskboard/api/internal/rank"
)

const orderedTasksQuery = `
	SELECT id, rank
	FROM tasks
	WHERE section_id=$1
	ORDER BY rank COLLATE "C" ASC, id ASC
`

func (s *PostgresStore) InsertSection(ctx context.Context, section Section) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sections (id, project_id, name, position)
		VALUES ($1, $2, $3, COALESCE((SELECT MAX(position) + 1 FROM sections WHERE project_id=$2), 0))
	`, section.ID, section.ProjectID, section.Name)
	if err != nil {
		return fmt.Errorf("insert section: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSection(ctx context.Context, sectionID string) (Section, error) {
	var item Section
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, position, created_at
		FROM sections
		WHERE id=$1
	`, sectionID).Scan(&item.ID, &item.ProjectID, &item.Name, &item.Position, &item.CreatedAt)
	if err != nil {
		return Section{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListSections(ctx context.Context, projectID string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, position, created_at
		FROM sections
		WHERE project_id=$1
		ORDER BY position ASC, id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	items := make([]Section, 0)
	for rows.Next() {
		var item Section
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Name, &item.Position, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return items, nil
}

// ListTasks returns every task of the project grouped by section, each
// section in rank order.
func (s *PostgresStore) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, section_id, title, description, rank, COALESCE(created_by, ''), created_at, updated_at
		FROM tasks
		WHERE project_id=$1
		ORDER BY section_id ASC, rank COLLATE "C" ASC, id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		var (
			item Task
			text string
		)
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.SectionID, &item.Title, &item.Description, &text, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		item.Rank = rank.Rank(text)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	var (
		item Task
		text string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, section_id, title, description, rank, COALESCE(created_by, ''), created_at, updated_at
		FROM tasks
		WHERE id=$1
	`, taskID).Scan(&item.ID, &item.ProjectID, &item.SectionID, &item.Title, &item.Description, &text, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	item.Rank = rank.Rank(text)
	return item, nil
}

// FetchOrderedItems returns the section's items in canonical order.
func (s *PostgresStore) FetchOrderedItems(ctx context.Context, sectionID string) ([]ordering.Item, error) {
	return fetchOrderedItems(ctx, s.db, sectionID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func fetchOrderedItems(ctx context.Context, q querier, sectionID string) ([]ordering.Item, error) {
	rows, err := q.QueryContext(ctx, orderedTasksQuery, sectionID)
	if err != nil {
		return nil, fmt.Errorf("fetch section order: %w", err)
	}
	defer rows.Close()

	items := make([]ordering.Item, 0)
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("scan section order: %w", err)
		}
		items = append(items, ordering.Item{ID: id, Rank: rank.Rank(text)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate section order: %w", err)
	}
	return items, nil
}

// ApplyMove moves a task into params.SectionID at the rank chosen by
// allocate. The destination section is locked for the rest of the
// transaction, so allocate always sees the order the write will land in.
func (s *PostgresStore) ApplyMove(ctx context.Context, params MoveParams, allocate AllocateFunc) (MoveResult, error) {
	var result MoveResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockSection(ctx, tx, params.ProjectID, params.SectionID); err != nil {
			return err
		}

		var fromSection, projectID string
		err := tx.QueryRowContext(ctx, `
			SELECT section_id, project_id FROM tasks WHERE id=$1 FOR UPDATE
		`, params.TaskID).Scan(&fromSection, &projectID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && projectID != params.ProjectID) {
			return ordering.Reject(ordering.ReasonItemNotFound, params.TaskID)
		}
		if err != nil {
			return fmt.Errorf("lock task: %w", err)
		}

		snapshot, err := fetchOrderedItems(ctx, tx, params.SectionID)
		if err != nil {
			return err
		}
		allocation, err := allocate(snapshot)
		if err != nil {
			return err
		}

		result = MoveResult{
			TaskID:        params.TaskID,
			FromSectionID: fromSection,
			SectionID:     params.SectionID,
			Rank:          allocation.Rank,
			Unchanged:     allocation.Unchanged,
			Rebalanced:    allocation.Rebalanced,
		}
		if allocation.Unchanged {
			return nil
		}

		if err := writePlacements(ctx, tx, params.SectionID, allocation.Rebalanced); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET section_id=$2, rank=$3, updated_at=NOW()
			WHERE id=$1
		`, params.TaskID, params.SectionID, allocation.Rank.String()); err != nil {
			return fmt.Errorf("update task rank: %w", err)
		}
		return nil
	})
	if err != nil {
		return MoveResult{}, err
	}
	return result, nil
}

// CreateTask inserts task into its section at the rank chosen by allocate.
// The returned task carries the assigned rank.
func (s *PostgresStore) CreateTask(ctx context.Context, task Task, allocate AllocateFunc) (Task, []ordering.Placement, error) {
	var rebalanced []ordering.Placement
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockSection(ctx, tx, task.ProjectID, task.SectionID); err != nil {
			return err
		}
		snapshot, err := fetchOrderedItems(ctx, tx, task.SectionID)
		if err != nil {
			return err
		}
		allocation, err := allocate(snapshot)
		if err != nil {
			return err
		}
		if err := writePlacements(ctx, tx, task.SectionID, allocation.Rebalanced); err != nil {
			return err
		}

		task.Rank = allocation.Rank
		rebalanced = allocation.Rebalanced
		err = tx.QueryRowContext(ctx, `
			INSERT INTO tasks (id, project_id, section_id, title, description, rank, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
			RETURNING created_at, updated_at
		`, task.ID, task.ProjectID, task.SectionID, task.Title, task.Description, task.Rank.String(), task.CreatedBy).Scan(&task.CreatedAt, &task.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
	if err != nil {
		return Task{}, nil, err
	}
	return task, rebalanced, nil
}

// DeleteTask removes a task. Deleting never reorders its neighbours.
func (s *PostgresStore) DeleteTask(ctx context.Context, projectID, taskID string) (Task, error) {
	item := Task{ID: taskID, ProjectID: projectID}
	var text string
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM tasks WHERE id=$1 AND project_id=$2
		RETURNING section_id, title, rank
	`, taskID, projectID).Scan(&item.SectionID, &item.Title, &text)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ordering.Reject(ordering.ReasonItemNotFound, taskID)
	}
	if err != nil {
		return Task{}, fmt.Errorf("delete task: %w", err)
	}
	item.Rank = rank.Rank(text)
	return item, nil
}

// lockSection takes the transaction-scoped advisory lock for a section after
// checking that it belongs to the project.
func lockSection(ctx context.Context, tx *sql.Tx, projectID, sectionID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sectionID); err != nil {
		return fmt.Errorf("lock section: %w", err)
	}
	var owner string
	err := tx.QueryRowContext(ctx, `SELECT project_id FROM sections WHERE id=$1`, sectionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != projectID) {
		return ordering.Reject(ordering.ReasonContainerNotFound, sectionID)
	}
	if err != nil {
		return fmt.Errorf("lookup section: %w", err)
	}
	return nil
}

// writePlacements rewrites rebalanced ranks. Rows that left the section
// since the snapshot are skipped.
func writePlacements(ctx context.Context, tx *sql.Tx, sectionID string, placements []ordering.Placement) error {
	for _, p := range placements {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET rank=$2, updated_at=NOW()
			WHERE id=$1 AND section_id=$3
		`, p.ItemID, p.Rank.String(), sectionID); err != nil {
			return fmt.Errorf("rebalance task %s: %w", p.ItemID, err)
		}
	}
	return nil
}
