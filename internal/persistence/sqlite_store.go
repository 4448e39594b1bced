package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/reflow/pkg/api"
)

// SQLiteStore implements InstanceStore and HistoryStore on top of SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var _ InstanceStore = (*SQLiteStore)(nil)

var _ HistoryStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			orchestration TEXT NOT NULL,
			status TEXT NOT NULL,
			generation INTEGER NOT NULL DEFAULT 0,
			parent_id TEXT NOT NULL DEFAULT '',
			parent_task_id INTEGER NOT NULL DEFAULT 0,
			parent_generation INTEGER NOT NULL DEFAULT 0,
			input BLOB,
			output BLOB,
			error TEXT,
			created_at INTEGER NOT NULL,
			last_updated INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS history_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			task_id INTEGER NOT NULL DEFAULT -1,
			name TEXT NOT NULL DEFAULT '',
			input BLOB,
			result BLOB,
			error TEXT NOT NULL DEFAULT '',
			fire_at INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			archived INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_history_events_instance
			ON history_events(instance_id, archived, id);
	`)
	return err
}

func (s *SQLiteStore) SaveInstance(inst *api.OrchestrationInstance) error {
	input, err := EncodeValue(inst.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(inst.Output)
	if err != nil {
		return err
	}

	errStr := ""
	if inst.Err != nil {
		errStr = inst.Err.Error()
	}

	_, err = s.db.Exec(`
		INSERT INTO instances (id, orchestration, status, generation, parent_id, parent_task_id, parent_generation, input, output, error, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.Name,
		string(inst.Status),
		inst.Generation,
		inst.ParentID,
		inst.ParentTaskID,
		inst.ParentGeneration,
		input,
		output,
		errStr,
		inst.CreatedAt.UnixNano(),
		inst.LastUpdated.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) UpdateInstance(inst *api.OrchestrationInstance) error {
	input, err := EncodeValue(inst.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(inst.Output)
	if err != nil {
		return err
	}

	errStr := ""
	if inst.Err != nil {
		errStr = inst.Err.Error()
	}

	res, err := s.db.Exec(`
		UPDATE instances
		SET orchestration = ?, status = ?, generation = ?, input = ?, output = ?, error = ?, last_updated = ?
		WHERE id = ?`,
		inst.Name,
		string(inst.Status),
		inst.Generation,
		input,
		output,
		errStr,
		inst.LastUpdated.UnixNano(),
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

func (s *SQLiteStore) GetInstance(id string) (*api.OrchestrationInstance, error) {
	row := s.db.QueryRow(`
		SELECT id, orchestration, status, generation, parent_id, parent_task_id, parent_generation, input, output, error, created_at, last_updated
		FROM instances
		WHERE id = ?`,
		id,
	)

	inst, err := scanInstance(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstances(filter InstanceFilter) ([]*api.OrchestrationInstance, error) {
	query := `
		SELECT id, orchestration, status, generation, parent_id, parent_task_id, parent_generation, input, output, error, created_at, last_updated
		FROM instances`
	var args []any
	var clauses []string

	if filter.Name != "" {
		clauses = append(clauses, "orchestration = ?")
		args = append(args, filter.Name)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.OrchestrationInstance

	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}

func scanInstance(scan func(dest ...any) error) (*api.OrchestrationInstance, error) {
	var inst api.OrchestrationInstance
	var statusStr string
	var input, output []byte
	var errStr sql.NullString
	var createdAt, lastUpdated int64

	if err := scan(
		&inst.ID, &inst.Name, &statusStr, &inst.Generation,
		&inst.ParentID, &inst.ParentTaskID, &inst.ParentGeneration,
		&input, &output, &errStr, &createdAt, &lastUpdated,
	); err != nil {
		return nil, err
	}

	inst.Status = api.Status(statusStr)
	inst.CreatedAt = time.Unix(0, createdAt)
	inst.LastUpdated = time.Unix(0, lastUpdated)

	inVal, err := DecodeValue(input)
	if err != nil {
		return nil, err
	}
	inst.Input = inVal

	outVal, err := DecodeValue(output)
	if err != nil {
		return nil, err
	}
	inst.Output = outVal

	if errStr.Valid && errStr.String != "" {
		inst.Err = errors.New(errStr.String)
	}

	return &inst, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	input, err := EncodeValue(ev.Input)
	if err != nil {
		return err
	}
	result, err := EncodeValue(ev.Result)
	if err != nil {
		return err
	}

	var fireAt int64
	if !ev.FireAt.IsZero() {
		fireAt = ev.FireAt.UnixNano()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history_events (instance_id, at, type, task_id, name, input, result, error, fire_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.InstanceID,
		at.UnixNano(),
		string(ev.Type),
		ev.TaskID,
		ev.Name,
		input,
		result,
		ev.Error,
		fireAt,
		ev.Reason,
	)
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	return s.listEvents(ctx, instanceID, 0)
}

func (s *SQLiteStore) ListArchivedEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	return s.listEvents(ctx, instanceID, 1)
}

func (s *SQLiteStore) listEvents(ctx context.Context, instanceID string, archived int) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, at, type, task_id, name, input, result, error, fire_at, reason
		FROM history_events
		WHERE instance_id = ? AND archived = ?
		ORDER BY id ASC`, instanceID, archived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev            api.HistoryEvent
			atN, fireAtN  int64
			typ           string
			input, result []byte
		)
		if err := rows.Scan(&ev.InstanceID, &atN, &typ, &ev.TaskID, &ev.Name, &input, &result, &ev.Error, &fireAtN, &ev.Reason); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atN)
		ev.Type = api.EventType(typ)
		if fireAtN != 0 {
			ev.FireAt = time.Unix(0, fireAtN)
		}

		inVal, err := DecodeValue(input)
		if err != nil {
			return nil, err
		}
		ev.Input = inVal

		resVal, err := DecodeValue(result)
		if err != nil {
			return nil, err
		}
		ev.Result = resVal

		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ArchiveHistory(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE history_events SET archived = 1
		WHERE instance_id = ? AND archived = 0`, instanceID)
	return err
}
