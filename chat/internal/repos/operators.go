package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"live-support-routing-system/chat/internal/models"
)

type OperatorsRepo struct {
	db DBTX
}

var ErrNoAssignableOperator = errors.New("no assignable operator")

func NewOperatorsRepo(db DBTX) *OperatorsRepo {
	return &OperatorsRepo{db: db}
}

func (r *OperatorsRepo) Upsert(ctx context.Context, operatorID uuid.UUID, displayName string, status string, concurrencyLimit int) (models.Operator, error) {
	var op models.Operator
	now := time.Now().UTC()
	err := r.db.QueryRow(ctx, `
		INSERT INTO operators (operator_id, display_name, status, concurrency_limit, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (operator_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			status = EXCLUDED.status,
			concurrency_limit = EXCLUDED.concurrency_limit,
			updated_at = EXCLUDED.updated_at
		RETURNING operator_id, display_name, status, concurrency_limit, updated_at
	`, operatorID, displayName, status, concurrencyLimit, now).
		Scan(&op.OperatorID, &op.DisplayName, &op.Status, &op.ConcurrencyLimit, &op.UpdatedAt)
	return op, err
}

func (r *OperatorsRepo) GetByID(ctx context.Context, operatorID uuid.UUID) (models.Operator, error) {
	var op models.Operator
	err := r.db.QueryRow(ctx, `
		SELECT o.operator_id, o.display_name, o.status, o.concurrency_limit, o.updated_at,
			COUNT(c.conversation_id) AS workload
		FROM operators o
		LEFT JOIN conversations c ON c.operator_id = o.operator_id AND c.status = 'in_service'
		WHERE o.operator_id = $1
		GROUP BY o.operator_id
	`, operatorID).
		Scan(&op.OperatorID, &op.DisplayName, &op.Status, &op.ConcurrencyLimit, &op.UpdatedAt, &op.Workload)
	return op, err
}

func (r *OperatorsRepo) SetStatus(ctx context.Context, operatorID uuid.UUID, status string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE operators
		SET status = $2, updated_at = now()
		WHERE operator_id = $1
	`, operatorID, status)
	return err
}

// FindAssignable returns the ready operator with the most free capacity.
// Workload counts in_service conversations, so the same table that the
// assignment write updates is the source of truth for capacity. Ties break
// on operator id to keep the choice stable.
func (r *OperatorsRepo) FindAssignable(ctx context.Context) (models.Operator, error) {
	var op models.Operator
	err := r.db.QueryRow(ctx, `
		SELECT o.operator_id, o.display_name, o.status, o.concurrency_limit, o.updated_at,
			COUNT(c.conversation_id) AS workload
		FROM operators o
		LEFT JOIN conversations c ON c.operator_id = o.operator_id AND c.status = 'in_service'
		WHERE o.status = $1
		GROUP BY o.operator_id
		HAVING COUNT(c.conversation_id) < o.concurrency_limit
		ORDER BY COUNT(c.conversation_id) ASC, o.operator_id ASC
		LIMIT 1
	`, models.OperatorStatusReady).
		Scan(&op.OperatorID, &op.DisplayName, &op.Status, &op.ConcurrencyLimit, &op.UpdatedAt, &op.Workload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Operator{}, ErrNoAssignableOperator
	}
	return op, err
}

func (r *OperatorsRepo) List(ctx context.Context, limit int, offset int) ([]models.Operator, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT o.operator_id, o.display_name, o.status, o.concurrency_limit, o.updated_at,
			COUNT(c.conversation_id) AS workload
		FROM operators o
		LEFT JOIN conversations c ON c.operator_id = o.operator_id AND c.status = 'in_service'
		GROUP BY o.operator_id
		ORDER BY o.display_name ASC, o.operator_id ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var operators []models.Operator
	for rows.Next() {
		var op models.Operator
		if err := rows.Scan(&op.OperatorID, &op.DisplayName, &op.Status, &op.ConcurrencyLimit, &op.UpdatedAt, &op.Workload); err != nil {
			return nil, err
		}
		operators = append(operators, op)
	}
	return operators, rows.Err()
}
