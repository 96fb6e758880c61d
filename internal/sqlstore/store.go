// Package sqlstore implements workflow.Store with sqlx over SQLite or MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pitabwire/procflow/internal/config"
	"github.com/pitabwire/procflow/internal/workflow"
	"github.com/pitabwire/procflow/model"
)

// Store is a workflow.Store backed by database/sql through sqlx.
type Store struct {
	db *sqlx.DB
	d  dialect
}

// Open connects to the database named by cfg and creates the schema.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("store: %s is empty", cfg.DSNEnv)
	}
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "mysql":
		s, err := OpenMySQL(ctx, dsn)
		if err != nil {
			return nil, err
		}
		s.db.SetMaxOpenConns(cfg.MaxOpenConns)
		s.db.SetMaxIdleConns(cfg.MaxIdleConns)
		s.db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		return s, nil
	default:
		return nil, fmt.Errorf("store: unsupported sql driver %q", cfg.Driver)
	}
}

// OpenSQLite opens a SQLite database with the pure Go driver. The pool is
// limited to one connection, so transactions run one at a time and an
// in-memory database is shared by all of them.
func OpenSQLite(ctx context.Context, dsn string) (*Store, error) {
	raw, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	raw.SetMaxOpenConns(1)
	// sqlx knows this driver's bind style under the cgo driver's name.
	return New(ctx, sqlx.NewDb(raw, "sqlite3"), sqliteDialect)
}

// OpenMySQL opens a MySQL database. parseTime is added to the DSN when
// missing.
func OpenMySQL(ctx context.Context, dsn string) (*Store, error) {
	if !strings.Contains(dsn, "parseTime=true") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return New(ctx, db, mysqlDialect)
}

// New wraps an open database and creates the schema.
func New(ctx context.Context, db *sqlx.DB, d dialect) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: connect: %w", d.name, err)
	}
	s := &Store{db: db, d: d}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: create schema: %w", s.d.name, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx runs fn inside a database transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx workflow.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &sqlTx{reader: reader{q: tx, d: s.d}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) r() reader { return reader{q: s.db, d: s.d} }

// GetInstance returns an instance by ID outside any transaction.
func (s *Store) GetInstance(ctx context.Context, id int64) (model.ProcessInstance, error) {
	return s.r().GetInstance(ctx, id)
}

// FindInstanceByObject returns the instance owned by ref.
func (s *Store) FindInstanceByObject(ctx context.Context, ref model.ObjectRef) (model.ProcessInstance, error) {
	return s.r().FindInstanceByObject(ctx, ref)
}

// FindInstances lists instances matching filter, newest first.
func (s *Store) FindInstances(ctx context.Context, filter workflow.InstanceFilter) ([]model.ProcessInstance, error) {
	return s.r().FindInstances(ctx, filter)
}

// GetTask returns a task by ID.
func (s *Store) GetTask(ctx context.Context, id int64) (model.Task, error) {
	return s.r().GetTask(ctx, id)
}

// ListTasks lists tasks matching filter in creation order.
func (s *Store) ListTasks(ctx context.Context, filter workflow.TaskFilter) ([]model.Task, error) {
	return s.r().ListTasks(ctx, filter)
}

// ListEvents lists an instance's events, newest first.
func (s *Store) ListEvents(ctx context.Context, instanceID int64, filter workflow.EventFilter) ([]model.Event, error) {
	return s.r().ListEvents(ctx, instanceID, filter)
}

// --- rows ---

const (
	instanceColumns = `id, no, name, process_id, property, create_user, object_type, object_id,
		create_time, start_time, end_time, cur_node, description, version`
	taskColumns  = `id, instance_id, node_id, user_id, agent_user, status, receive_time, is_hold, create_time, version`
	eventColumns = `id, instance_id, user_id, act_type, act_name, old_node, new_node, task_id, description, ext_data, create_time`
)

type instanceRow struct {
	ID          int64        `db:"id"`
	No          string       `db:"no"`
	Name        string       `db:"name"`
	ProcessID   string       `db:"process_id"`
	Property    string       `db:"property"`
	CreateUser  string       `db:"create_user"`
	ObjectType  string       `db:"object_type"`
	ObjectID    string       `db:"object_id"`
	CreateTime  time.Time    `db:"create_time"`
	StartTime   sql.NullTime `db:"start_time"`
	EndTime     sql.NullTime `db:"end_time"`
	CurNode     string       `db:"cur_node"`
	Description string       `db:"description"`
	Version     int          `db:"version"`
}

func (r instanceRow) model() model.ProcessInstance {
	return model.ProcessInstance{
		ID:         r.ID,
		No:         r.No,
		Name:       r.Name,
		ProcessID:  r.ProcessID,
		Property:   model.Property(r.Property),
		CreateUser: r.CreateUser,
		Object:     model.ObjectRef{Type: r.ObjectType, ID: r.ObjectID},
		CreateTime: r.CreateTime.UTC(),
		StartTime:  timePtr(r.StartTime),
		EndTime:    timePtr(r.EndTime),
		CurNode:    r.CurNode,
		Desc:       r.Description,
		Version:    r.Version,
	}
}

type taskRow struct {
	ID          int64        `db:"id"`
	InstanceID  int64        `db:"instance_id"`
	NodeID      string       `db:"node_id"`
	User        string       `db:"user_id"`
	AgentUser   string       `db:"agent_user"`
	Status      string       `db:"status"`
	ReceiveTime sql.NullTime `db:"receive_time"`
	IsHold      bool         `db:"is_hold"`
	CreateTime  time.Time    `db:"create_time"`
	Version     int          `db:"version"`
}

func (r taskRow) model() model.Task {
	return model.Task{
		ID:          r.ID,
		InstanceID:  r.InstanceID,
		NodeID:      r.NodeID,
		User:        r.User,
		AgentUser:   r.AgentUser,
		Status:      model.TaskStatus(r.Status),
		ReceiveTime: timePtr(r.ReceiveTime),
		IsHold:      r.IsHold,
		CreateTime:  r.CreateTime.UTC(),
		Version:     r.Version,
	}
}

type eventRow struct {
	ID          int64          `db:"id"`
	InstanceID  int64          `db:"instance_id"`
	User        string         `db:"user_id"`
	ActType     string         `db:"act_type"`
	ActName     string         `db:"act_name"`
	OldNode     string         `db:"old_node"`
	NewNode     string         `db:"new_node"`
	TaskID      sql.NullInt64  `db:"task_id"`
	Description string         `db:"description"`
	ExtData     sql.NullString `db:"ext_data"`
	CreateTime  time.Time      `db:"create_time"`
}

func (r eventRow) model() (model.Event, error) {
	e := model.Event{
		ID:         r.ID,
		InstanceID: r.InstanceID,
		User:       r.User,
		ActType:    model.ActType(r.ActType),
		ActName:    r.ActName,
		OldNode:    r.OldNode,
		NewNode:    r.NewNode,
		Desc:       r.Description,
		CreateTime: r.CreateTime.UTC(),
	}
	if r.TaskID.Valid {
		id := r.TaskID.Int64
		e.TaskID = &id
	}
	if r.ExtData.Valid {
		if err := json.Unmarshal([]byte(r.ExtData.String), &e.ExtData); err != nil {
			return model.Event{}, fmt.Errorf("unmarshal event ext_data: %w", err)
		}
	}
	return e, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// --- reads ---

type reader struct {
	q sqlx.ExtContext
	d dialect
}

func (r reader) GetInstance(ctx context.Context, id int64) (model.ProcessInstance, error) {
	return r.oneInstance(ctx, `SELECT `+instanceColumns+` FROM process_instances WHERE id = ?`, id)
}

func (r reader) FindInstanceByObject(ctx context.Context, ref model.ObjectRef) (model.ProcessInstance, error) {
	inst, err := r.oneInstance(ctx,
		`SELECT `+instanceColumns+` FROM process_instances WHERE object_type = ? AND object_id = ?`,
		ref.Type, ref.ID)
	if model.IsCode(err, model.ErrNotFound) {
		return inst, model.NewNotFoundError(fmt.Sprintf("no process instance for %s %s", ref.Type, ref.ID))
	}
	return inst, err
}

func (r reader) FindInstances(ctx context.Context, filter workflow.InstanceFilter) ([]model.ProcessInstance, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProcessID != "" {
		where, args = append(where, "process_id = ?"), append(args, filter.ProcessID)
	}
	if filter.NodeID != "" {
		where, args = append(where, "cur_node = ?"), append(args, filter.NodeID)
	}
	if filter.CreateUser != "" {
		where, args = append(where, "create_user = ?"), append(args, filter.CreateUser)
	}
	query := `SELECT ` + instanceColumns + ` FROM process_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
			if r.d.name == "mysql" {
				limit = 1<<63 - 1
			}
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
	}

	var rows []instanceRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query process instances: %w", err)
	}
	result := make([]model.ProcessInstance, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.model())
	}
	return result, nil
}

func (r reader) GetTask(ctx context.Context, id int64) (model.Task, error) {
	var row taskRow
	err := sqlx.GetContext(ctx, r.q, &row, `SELECT `+taskColumns+` FROM process_tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, model.NewNotFoundError(fmt.Sprintf("task %d not found", id))
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("query task: %w", err)
	}
	return row.model(), nil
}

func (r reader) ListTasks(ctx context.Context, filter workflow.TaskFilter) ([]model.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.InstanceID != 0 {
		where, args = append(where, "instance_id = ?"), append(args, filter.InstanceID)
	}
	if filter.NodeID != "" {
		where, args = append(where, "node_id = ?"), append(args, filter.NodeID)
	}
	if filter.Status != "" {
		where, args = append(where, "status = ?"), append(args, string(filter.Status))
	}
	if filter.User != "" {
		where, args = append(where, "(user_id = ? OR agent_user = ?)"), append(args, filter.User, filter.User)
	}
	if filter.ExcludeHeld {
		where = append(where, "is_hold = 0")
	}
	query := `SELECT ` + taskColumns + ` FROM process_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"

	var rows []taskRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	result := make([]model.Task, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.model())
	}
	return result, nil
}

func (r reader) ListEvents(ctx context.Context, instanceID int64, filter workflow.EventFilter) ([]model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM process_events WHERE instance_id = ?`
	args := []any{instanceID}
	if len(filter.ActTypes) > 0 {
		types := make([]string, len(filter.ActTypes))
		for i, a := range filter.ActTypes {
			types[i] = string(a)
		}
		in, inArgs, err := sqlx.In(" AND act_type IN (?)", types)
		if err != nil {
			return nil, fmt.Errorf("build event filter: %w", err)
		}
		query += in
		args = append(args, inArgs...)
	}
	query += " ORDER BY create_time DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []eventRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	result := make([]model.Event, 0, len(rows))
	for _, row := range rows {
		e, err := row.model()
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

func (r reader) oneInstance(ctx context.Context, query string, args ...any) (model.ProcessInstance, error) {
	var row instanceRow
	err := sqlx.GetContext(ctx, r.q, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessInstance{}, model.NewNotFoundError(fmt.Sprintf("process instance %v not found", args[0]))
	}
	if err != nil {
		return model.ProcessInstance{}, fmt.Errorf("query process instance: %w", err)
	}
	return row.model(), nil
}

// --- writes ---

type sqlTx struct {
	reader
}

func (tx *sqlTx) LockInstance(ctx context.Context, id int64) (model.ProcessInstance, error) {
	return tx.oneInstance(ctx, `SELECT `+instanceColumns+` FROM process_instances WHERE id = ?`+tx.d.lock, id)
}

func (tx *sqlTx) CreateInstance(ctx context.Context, inst model.ProcessInstance) (model.ProcessInstance, error) {
	inst.Version = 1
	res, err := tx.q.ExecContext(ctx, `
		INSERT INTO process_instances (
			no, name, process_id, property, create_user, object_type, object_id,
			create_time, start_time, end_time, cur_node, description, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.No, inst.Name, inst.ProcessID, string(inst.Property), inst.CreateUser,
		inst.Object.Type, inst.Object.ID, inst.CreateTime.UTC(), nullTime(inst.StartTime), nullTime(inst.EndTime),
		inst.CurNode, inst.Desc, inst.Version,
	)
	if tx.d.uniqueViolation(err) {
		return model.ProcessInstance{}, model.NewConflictError(
			fmt.Sprintf("%s %s already has a process instance", inst.Object.Type, inst.Object.ID),
		)
	}
	if err != nil {
		return model.ProcessInstance{}, fmt.Errorf("insert process instance: %w", err)
	}
	if inst.ID, err = res.LastInsertId(); err != nil {
		return model.ProcessInstance{}, fmt.Errorf("insert process instance: %w", err)
	}
	return inst, nil
}

func (tx *sqlTx) UpdateInstance(ctx context.Context, inst model.ProcessInstance) (model.ProcessInstance, error) {
	res, err := tx.q.ExecContext(ctx, `
		UPDATE process_instances SET
			no = ?, name = ?, property = ?, start_time = ?, end_time = ?,
			cur_node = ?, description = ?, create_time = ?, version = ?
		WHERE id = ? AND version = ?`,
		inst.No, inst.Name, string(inst.Property), nullTime(inst.StartTime), nullTime(inst.EndTime),
		inst.CurNode, inst.Desc, inst.CreateTime.UTC(), inst.Version+1,
		inst.ID, inst.Version,
	)
	if err != nil {
		return model.ProcessInstance{}, fmt.Errorf("update process instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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

func (tx *sqlTx) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	if _, err := tx.GetInstance(ctx, t.InstanceID); err != nil {
		return model.Task{}, err
	}
	t.Version = 1
	res, err := tx.q.ExecContext(ctx, `
		INSERT INTO process_tasks (
			instance_id, node_id, user_id, agent_user, status, receive_time, is_hold, create_time, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.InstanceID, t.NodeID, t.User, t.AgentUser, string(t.Status), nullTime(t.ReceiveTime), t.IsHold, t.CreateTime.UTC(), t.Version,
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return model.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (tx *sqlTx) UpdateTask(ctx context.Context, t model.Task) (model.Task, error) {
	res, err := tx.q.ExecContext(ctx, `
		UPDATE process_tasks SET
			user_id = ?, agent_user = ?, status = ?, receive_time = ?, is_hold = ?, version = ?
		WHERE id = ? AND version = ?`,
		t.User, t.AgentUser, string(t.Status), nullTime(t.ReceiveTime), t.IsHold, t.Version+1,
		t.ID, t.Version,
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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

func (tx *sqlTx) AppendEvent(ctx context.Context, e model.Event) (model.Event, error) {
	if _, err := tx.GetInstance(ctx, e.InstanceID); err != nil {
		return model.Event{}, err
	}
	var ext sql.NullString
	if e.ExtData != nil {
		b, err := json.Marshal(e.ExtData)
		if err != nil {
			return model.Event{}, fmt.Errorf("marshal event ext_data: %w", err)
		}
		ext = sql.NullString{String: string(b), Valid: true}
	}
	var taskID sql.NullInt64
	if e.TaskID != nil {
		taskID = sql.NullInt64{Int64: *e.TaskID, Valid: true}
	}
	res, err := tx.q.ExecContext(ctx, `
		INSERT INTO process_events (
			instance_id, user_id, act_type, act_name, old_node, new_node, task_id, description, ext_data, create_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.InstanceID, e.User, string(e.ActType), e.ActName, e.OldNode, e.NewNode, taskID, e.Desc, ext, e.CreateTime.UTC(),
	)
	if err != nil {
		return model.Event{}, fmt.Errorf("insert event: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return model.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

func (tx *sqlTx) DeleteInstance(ctx context.Context, id int64) error {
	for _, stmt := range []string{
		`DELETE FROM process_events WHERE instance_id = ?`,
		`DELETE FROM process_tasks WHERE instance_id = ?`,
	} {
		if _, err := tx.q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete process instance %d: %w", id, err)
		}
	}
	res, err := tx.q.ExecContext(ctx, `DELETE FROM process_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete process instance %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewNotFoundError(fmt.Sprintf("process instance %d not found", id))
	}
	return nil
}
