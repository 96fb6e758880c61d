package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/procflow/model"
)

// PgSchema creates the tables used by PgStore.
const PgSchema = `
CREATE TABLE IF NOT EXISTS process_instances (
	id          BIGSERIAL PRIMARY KEY,
	no          TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL DEFAULT '',
	process_id  TEXT NOT NULL,
	property    TEXT NOT NULL DEFAULT 'normal',
	create_user TEXT NOT NULL DEFAULT '',
	object_type TEXT NOT NULL,
	object_id   TEXT NOT NULL,
	create_time TIMESTAMPTZ NOT NULL,
	start_time  TIMESTAMPTZ,
	end_time    TIMESTAMPTZ,
	cur_node    TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	version     INTEGER NOT NULL,
	UNIQUE (object_type, object_id)
);
CREATE TABLE IF NOT EXISTS process_tasks (
	id           BIGSERIAL PRIMARY KEY,
	instance_id  BIGINT NOT NULL REFERENCES process_instances(id) ON DELETE CASCADE,
	node_id      TEXT NOT NULL,
	user_id      TEXT NOT NULL DEFAULT '',
	agent_user   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	receive_time TIMESTAMPTZ,
	is_hold      BOOLEAN NOT NULL DEFAULT FALSE,
	create_time  TIMESTAMPTZ NOT NULL,
	version      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS process_tasks_instance_node ON process_tasks (instance_id, node_id, status);
CREATE TABLE IF NOT EXISTS process_events (
	id          BIGSERIAL PRIMARY KEY,
	instance_id BIGINT NOT NULL REFERENCES process_instances(id) ON DELETE CASCADE,
	user_id     TEXT NOT NULL DEFAULT '',
	act_type    TEXT NOT NULL,
	act_name    TEXT NOT NULL DEFAULT '',
	old_node    TEXT NOT NULL DEFAULT '',
	new_node    TEXT NOT NULL DEFAULT '',
	task_id     BIGINT,
	description TEXT NOT NULL DEFAULT '',
	ext_data    JSONB,
	create_time TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS process_events_instance ON process_events (instance_id, create_time DESC, id DESC);
`

const (
	pgInstanceColumns = `id, no, name, process_id, property, create_user, object_type, object_id,
	       create_time, start_time, end_time, cur_node, description, version`
	pgTaskColumns  = `id, instance_id, node_id, user_id, agent_user, status, receive_time, is_hold, create_time, version`
	pgEventColumns = `id, instance_id, user_id, act_type, act_name, old_node, new_node, task_id, description, ext_data, create_time`
)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pgReader: pgReader{q: pool}, pool: pool}
}

// EnsureSchema creates missing tables and indexes.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("create workflow schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunInTx runs fn inside a database transaction.
func (s *PgStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{pgReader: pgReader{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgReader struct {
	q pgQuerier
}

func (r pgReader) GetInstance(ctx context.Context, id int64) (model.ProcessInstance, error) {
	return r.oneInstance(ctx, `SELECT `+pgInstanceColumns+` FROM process_instances WHERE id = $1`, id)
}

func (r pgReader) FindInstanceByObject(ctx context.Context, ref model.ObjectRef) (model.ProcessInstance, error) {
	inst, err := r.oneInstance(ctx,
		`SELECT `+pgInstanceColumns+` FROM process_instances WHERE object_type = $1 AND object_id = $2`,
		ref.Type, ref.ID)
	if model.IsCode(err, model.ErrNotFound) {
		return inst, model.NewNotFoundError(fmt.Sprintf("no process instance for %s %s", ref.Type, ref.ID))
	}
	return inst, err
}

func (r pgReader) FindInstances(ctx context.Context, filter InstanceFilter) ([]model.ProcessInstance, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.ProcessID != "" {
		add("process_id = $%d", filter.ProcessID)
	}
	if filter.NodeID != "" {
		add("cur_node = $%d", filter.NodeID)
	}
	if filter.CreateUser != "" {
		add("create_user = $%d", filter.CreateUser)
	}

	query := `SELECT ` + pgInstanceColumns + ` FROM process_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query process instances: %w", err)
	}
	defer rows.Close()

	var result []model.ProcessInstance
	for rows.Next() {
		inst, err := scanPgInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

func (r pgReader) GetTask(ctx context.Context, id int64) (model.Task, error) {
	t, err := scanPgTask(r.q.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM process_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, model.NewNotFoundError(fmt.Sprintf("task %d not found", id))
	}
	return t, err
}

func (r pgReader) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}
	if filter.InstanceID != 0 {
		add("instance_id = ?", filter.InstanceID)
	}
	if filter.NodeID != "" {
		add("node_id = ?", filter.NodeID)
	}
	if filter.Status != "" {
		add("status = ?", string(filter.Status))
	}
	if filter.User != "" {
		add("(user_id = ? OR agent_user = ?)", filter.User)
	}
	if filter.ExcludeHeld {
		where = append(where, "NOT is_hold")
	}

	query := `SELECT ` + pgTaskColumns + ` FROM process_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var result []model.Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (r pgReader) ListEvents(ctx context.Context, instanceID int64, filter EventFilter) ([]model.Event, error) {
	query := `SELECT ` + pgEventColumns + ` FROM process_events WHERE instance_id = $1`
	args := []any{instanceID}
	if len(filter.ActTypes) > 0 {
		types := make([]string, len(filter.ActTypes))
		for i, a := range filter.ActTypes {
			types[i] = string(a)
		}
		args = append(args, types)
		query += fmt.Sprintf(" AND act_type = ANY($%d)", len(args))
	}
	query += " ORDER BY create_time DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var result []model.Event
	for rows.Next() {
		var (
			e       model.Event
			actType string
			extJSON []byte
		)
		if err := rows.Scan(
			&e.ID, &e.InstanceID, &e.User, &actType, &e.ActName, &e.OldNode, &e.NewNode,
			&e.TaskID, &e.Desc, &extJSON, &e.CreateTime,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ActType = model.ActType(actType)
		if extJSON != nil {
			if err := json.Unmarshal(extJSON, &e.ExtData); err != nil {
				return nil, fmt.Errorf("unmarshal event ext_data: %w", err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r pgReader) oneInstance(ctx context.Context, query string, args ...any) (model.ProcessInstance, error) {
	inst, err := scanPgInstance(r.q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcessInstance{}, model.NewNotFoundError(fmt.Sprintf("process instance %v not found", args[0]))
	}
	return inst, err
}

type pgTx struct {
	pgReader
}

func (tx *pgTx) LockInstance(ctx context.Context, id int64) (model.ProcessInstance, error) {
	return tx.oneInstance(ctx, `SELECT `+pgInstanceColumns+` FROM process_instances WHERE id = $1 FOR UPDATE`, id)
}

func (tx *pgTx) CreateInstance(ctx context.Context, inst model.ProcessInstance) (model.ProcessInstance, error) {
	inst.Version = 1
	err := tx.q.QueryRow(ctx, `
		INSERT INTO process_instances (
			no, name, process_id, property, create_user, object_type, object_id,
			create_time, start_time, end_time, cur_node, description, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		inst.No, inst.Name, inst.ProcessID, string(inst.Property), inst.CreateUser,
		inst.Object.Type, inst.Object.ID, inst.CreateTime, inst.StartTime, inst.EndTime,
		inst.CurNode, inst.Desc, inst.Version,
	).Scan(&inst.ID)
	if isUniqueViolation(err) {
		return model.ProcessInstance{}, model.NewConflictError(
			fmt.Sprintf("%s %s already has a process instance", inst.Object.Type, inst.Object.ID),
		)
	}
	if err != nil {
		return model.ProcessInstance{}, fmt.Errorf("insert process instance: %w", err)
	}
	return inst, nil
}

func (tx *pgTx) UpdateInstance(ctx context.Context, inst model.ProcessInstance) (model.ProcessInstance, error) {
	tag, err := tx.q.Exec(ctx, `
		UPDATE process_instances SET
			no = $1, name = $2, property = $3, start_time = $4, end_time = $5,
			cur_node = $6, description = $7, create_time = $8, version = $9
		WHERE id = $10 AND version = $11`,
		inst.No, inst.Name, string(inst.Property), inst.StartTime, inst.EndTime,
		inst.CurNode, inst.Desc, inst.CreateTime, inst.Version+1,
		inst.ID, inst.Version,
	)
	if err != nil {
		return model.ProcessInstance{}, fmt.Errorf("update process instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := tx.GetInstance(ctx, inst.ID); err != nil {
			return model.ProcessInstance{}, err
		}
		return model.ProcessInstance{}, model.NewConflictError(
			fmt.Sprintf("process instance %d version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	inst.Version++
	return inst, nil
}

func (tx *pgTx) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	t.Version = 1
	err := tx.q.QueryRow(ctx, `
		INSERT INTO process_tasks (
			instance_id, node_id, user_id, agent_user, status, receive_time, is_hold, create_time, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		t.InstanceID, t.NodeID, t.User, t.AgentUser, string(t.Status), t.ReceiveTime, t.IsHold, t.CreateTime, t.Version,
	).Scan(&t.ID)
	if err != nil {
		return model.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (tx *pgTx) UpdateTask(ctx context.Context, t model.Task) (model.Task, error) {
	tag, err := tx.q.Exec(ctx, `
		UPDATE process_tasks SET
			user_id = $1, agent_user = $2, status = $3, receive_time = $4, is_hold = $5, version = $6
		WHERE id = $7 AND version = $8`,
		t.User, t.AgentUser, string(t.Status), t.ReceiveTime, t.IsHold, t.Version+1,
		t.ID, t.Version,
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := tx.GetTask(ctx, t.ID); err != nil {
			return model.Task{}, err
		}
		return model.Task{}, model.NewConflictError(
			fmt.Sprintf("task %d version conflict (expected %d)", t.ID, t.Version),
		)
	}
	t.Version++
	return t, nil
}

func (tx *pgTx) AppendEvent(ctx context.Context, e model.Event) (model.Event, error) {
	var extJSON []byte
	if e.ExtData != nil {
		var err error
		if extJSON, err = json.Marshal(e.ExtData); err != nil {
			return model.Event{}, fmt.Errorf("marshal event ext_data: %w", err)
		}
	}
	err := tx.q.QueryRow(ctx, `
		INSERT INTO process_events (
			instance_id, user_id, act_type, act_name, old_node, new_node, task_id, description, ext_data, create_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		e.InstanceID, e.User, string(e.ActType), e.ActName, e.OldNode, e.NewNode, e.TaskID, e.Desc, extJSON, e.CreateTime,
	).Scan(&e.ID)
	if err != nil {
		return model.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

func (tx *pgTx) DeleteInstance(ctx context.Context, id int64) error {
	// Tasks and events cascade.
	tag, err := tx.q.Exec(ctx, `DELETE FROM process_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete process instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("process instance %d not found", id))
	}
	return nil
}

func scanPgInstance(row pgx.Row) (model.ProcessInstance, error) {
	var (
		inst     model.ProcessInstance
		property string
	)
	err := row.Scan(
		&inst.ID, &inst.No, &inst.Name, &inst.ProcessID, &property, &inst.CreateUser,
		&inst.Object.Type, &inst.Object.ID, &inst.CreateTime, &inst.StartTime, &inst.EndTime,
		&inst.CurNode, &inst.Desc, &inst.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inst, err
		}
		return inst, fmt.Errorf("scan process instance: %w", err)
	}
	inst.Property = model.Property(property)
	return inst, nil
}

func scanPgTask(row pgx.Row) (model.Task, error) {
	var (
		t      model.Task
		status string
	)
	err := row.Scan(
		&t.ID, &t.InstanceID, &t.NodeID, &t.User, &t.AgentUser, &status,
		&t.ReceiveTime, &t.IsHold, &t.CreateTime, &t.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan task: %w", err)
	}
	t.Status = model.TaskStatus(status)
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
