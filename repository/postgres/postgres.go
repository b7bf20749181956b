package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/repository"
	"golang.org/x/xerrors"
)

const stepColumns = `id, job_execution_id, COALESCE(parent_step_execution_id, 0), name, kind, partition_id, context,
status, read_count, write_count, skip_count, commit_count, rollback_count, exit_description, start_time, end_time, last_updated`

var (
	upsertInstanceQuery = `
INSERT INTO job_instance (name, parameters_hash) VALUES ($1, $2)
ON CONFLICT (name, parameters_hash) DO UPDATE SET name=EXCLUDED.name
RETURNING id
`
	lastJobStatusQuery  = "SELECT status FROM job_execution WHERE job_instance_id=$1 ORDER BY id DESC LIMIT 1"
	insertJobExecQuery  = "INSERT INTO job_execution (job_instance_id, parameters, status, start_time) VALUES ($1, $2, $3, $4) RETURNING id"
	updateJobExecQuery  = "UPDATE job_execution SET status=$2, end_time=$3, exit_description=$4 WHERE id=$1"
	lastJobExecQuery    = `
SELECT e.id, e.job_instance_id, e.parameters, e.status, e.start_time, e.end_time, e.exit_description
FROM job_execution e JOIN job_instance i ON i.id = e.job_instance_id
WHERE i.name=$1 AND i.parameters_hash=$2 ORDER BY e.id DESC LIMIT 1
`
	insertStepExecQuery = `
INSERT INTO step_execution (job_execution_id, parent_step_execution_id, name, kind, partition_id, context,
	status, read_count, write_count, skip_count, commit_count, rollback_count, exit_description, start_time, end_time, last_updated)
VALUES ($1, NULLIF($2::BIGINT, 0), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
RETURNING id
`
	lockStepStatusQuery = "SELECT status FROM step_execution WHERE id=$1 FOR UPDATE"
	updateStepExecQuery = `
UPDATE step_execution SET status=$2, read_count=$3, write_count=$4, skip_count=$5, commit_count=$6,
	rollback_count=$7, exit_description=$8, end_time=$9, last_updated=$10
WHERE id=$1
`
	findStepExecQuery    = "SELECT " + stepColumns + " FROM step_execution WHERE id=$1"
	findChildQuery       = "SELECT " + stepColumns + " FROM step_execution WHERE parent_step_execution_id=$1 AND kind=$2 ORDER BY id DESC LIMIT 1"
	stepExecsQuery       = "SELECT " + stepColumns + " FROM step_execution WHERE job_execution_id=$1 AND parent_step_execution_id IS NULL ORDER BY id"
	partitionExecsQuery  = "SELECT " + stepColumns + " FROM step_execution WHERE parent_step_execution_id=$1 AND kind=$2 ORDER BY id"
	lastStepExecQuery    = `
SELECT ` + stepColumns + ` FROM step_execution
WHERE parent_step_execution_id IS NULL AND name=$2
	AND job_execution_id IN (SELECT id FROM job_execution WHERE job_instance_id=$1)
ORDER BY id DESC LIMIT 1
`

	// Compile-time check for ensuring PostgresRepository implements Repository.
	_ repository.Repository = (*PostgresRepository)(nil)
)

// PostgresRepository implements a job repository that persists its state to
// a PostgreSQL (or wire-compatible) database.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a PostgresRepository instance that connects
// to the database specified by dsn.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	return &PostgresRepository{db: db}, nil
}

// DB returns the underlying database handle.
func (r *PostgresRepository) DB() *sql.DB { return r.db }

// Close terminates the connection to the backing database.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// CreateJobExecution implements repository.Repository.
func (r *PostgresRepository) CreateJobExecution(ctx context.Context, name string, params batch.Parameters) (*batch.JobExecution, error) {
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return nil, xerrors.Errorf("create job execution: %w", err)
	}

	exec := &batch.JobExecution{
		Name:       name,
		Parameters: params.Clone(),
		Status:     batch.StatusStarting,
		StartTime:  time.Now().UTC().Truncate(time.Microsecond),
	}

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		// The upsert locks the instance row until the transaction ends so
		// concurrent launches of the same instance are serialized.
		if err := tx.QueryRowContext(ctx, upsertInstanceQuery, name, params.Hash()).Scan(&exec.InstanceID); err != nil {
			return err
		}

		var lastStatus batch.Status
		switch err := tx.QueryRowContext(ctx, lastJobStatusQuery, exec.InstanceID).Scan(&lastStatus); {
		case err == sql.ErrNoRows:
		case err != nil:
			return err
		case lastStatus == batch.StatusCompleted:
			return batch.ErrDuplicateJobInstance
		case !lastStatus.IsTerminal():
			return batch.ErrJobAlreadyRunning
		}

		return tx.QueryRowContext(ctx, insertJobExecQuery, exec.InstanceID, string(encodedParams), exec.Status, exec.StartTime).Scan(&exec.ID)
	})
	if err != nil {
		return nil, xerrors.Errorf("create job execution: %w", err)
	}

	return exec, nil
}

// UpdateJobExecution implements repository.Repository.
func (r *PostgresRepository) UpdateJobExecution(ctx context.Context, exec *batch.JobExecution) error {
	res, err := r.db.ExecContext(ctx, updateJobExecQuery, exec.ID, exec.Status, nullTime(exec.EndTime), exec.ExitDescription)
	if err != nil {
		return xerrors.Errorf("update job execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return xerrors.Errorf("update job execution: %w", batch.ErrNotFound)
	}
	return nil
}

// LastJobExecution implements repository.Repository.
func (r *PostgresRepository) LastJobExecution(ctx context.Context, name string, params batch.Parameters) (*batch.JobExecution, error) {
	var (
		exec          = &batch.JobExecution{Name: name}
		encodedParams string
		endTime       pq.NullTime
	)

	row := r.db.QueryRowContext(ctx, lastJobExecQuery, name, params.Hash())
	if err := row.Scan(&exec.ID, &exec.InstanceID, &encodedParams, &exec.Status, &exec.StartTime, &endTime, &exec.ExitDescription); err != nil {
		if err == sql.ErrNoRows {
			return nil, xerrors.Errorf("last job execution: %w", batch.ErrNotFound)
		}
		return nil, xerrors.Errorf("last job execution: %w", err)
	}
	if err := json.Unmarshal([]byte(encodedParams), &exec.Parameters); err != nil {
		return nil, xerrors.Errorf("last job execution: decode parameters: %w", err)
	}

	exec.StartTime = exec.StartTime.UTC()
	if endTime.Valid {
		exec.EndTime = endTime.Time.UTC()
	}
	return exec, nil
}

// CreateStepExecution implements repository.Repository.
func (r *PostgresRepository) CreateStepExecution(ctx context.Context, exec *batch.StepExecution) error {
	encodedCtx, err := encodeContext(exec.Context)
	if err != nil {
		return xerrors.Errorf("create step execution: %w", err)
	}

	exec.LastUpdated = time.Now().UTC().Truncate(time.Microsecond)
	if exec.StartTime.IsZero() {
		exec.StartTime = exec.LastUpdated
	}

	row := r.db.QueryRowContext(ctx, insertStepExecQuery,
		exec.JobExecutionID, exec.ParentID, exec.Name, exec.Kind, exec.PartitionID, encodedCtx,
		exec.Status, exec.ReadCount, exec.WriteCount, exec.SkipCount, exec.CommitCount, exec.RollbackCount,
		exec.ExitDescription, exec.StartTime.UTC(), nullTime(exec.EndTime), exec.LastUpdated,
	)
	if err := row.Scan(&exec.ID); err != nil {
		if isForeignKeyViolationError(err) {
			err = batch.ErrNotFound
		}
		return xerrors.Errorf("create step execution: %w", err)
	}
	return nil
}

// UpdateStepExecution implements repository.Repository.
func (r *PostgresRepository) UpdateStepExecution(ctx context.Context, exec *batch.StepExecution) error {
	lastUpdated := time.Now().UTC().Truncate(time.Microsecond)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var stored batch.Status
		if err := tx.QueryRowContext(ctx, lockStepStatusQuery, exec.ID).Scan(&stored); err != nil {
			if err == sql.ErrNoRows {
				return batch.ErrNotFound
			}
			return err
		} else if stored.IsTerminal() {
			return batch.ErrExecutionTerminal
		}

		_, err := tx.ExecContext(ctx, updateStepExecQuery, exec.ID,
			exec.Status, exec.ReadCount, exec.WriteCount, exec.SkipCount, exec.CommitCount, exec.RollbackCount,
			exec.ExitDescription, nullTime(exec.EndTime), lastUpdated,
		)
		return err
	})
	if err != nil {
		return xerrors.Errorf("update step execution %d: %w", exec.ID, err)
	}

	exec.LastUpdated = lastUpdated
	return nil
}

// FindStepExecution implements repository.Repository.
func (r *PostgresRepository) FindStepExecution(ctx context.Context, id int64) (*batch.StepExecution, error) {
	exec, err := scanStepExecution(r.db.QueryRowContext(ctx, findStepExecQuery, id))
	if err != nil {
		return nil, xerrors.Errorf("find step execution: %w", err)
	}
	return exec, nil
}

// FindChildStepExecution implements repository.Repository.
func (r *PostgresRepository) FindChildStepExecution(ctx context.Context, parentID int64, kind batch.StepKind) (*batch.StepExecution, error) {
	exec, err := scanStepExecution(r.db.QueryRowContext(ctx, findChildQuery, parentID, kind))
	if err != nil {
		return nil, xerrors.Errorf("find child step execution: %w", err)
	}
	return exec, nil
}

// StepExecutions implements repository.Repository.
func (r *PostgresRepository) StepExecutions(ctx context.Context, jobExecutionID int64) ([]*batch.StepExecution, error) {
	list, err := r.queryStepExecutions(ctx, stepExecsQuery, jobExecutionID)
	if err != nil {
		return nil, xerrors.Errorf("step executions: %w", err)
	}
	return list, nil
}

// PartitionExecutions implements repository.Repository.
func (r *PostgresRepository) PartitionExecutions(ctx context.Context, parentID int64) ([]*batch.StepExecution, error) {
	list, err := r.queryStepExecutions(ctx, partitionExecsQuery, parentID, batch.KindPartition)
	if err != nil {
		return nil, xerrors.Errorf("partition executions: %w", err)
	}
	return list, nil
}

// LastStepExecution implements repository.Repository.
func (r *PostgresRepository) LastStepExecution(ctx context.Context, instanceID int64, stepName string) (*batch.StepExecution, error) {
	exec, err := scanStepExecution(r.db.QueryRowContext(ctx, lastStepExecQuery, instanceID, stepName))
	if err != nil {
		return nil, xerrors.Errorf("last step execution: %w", err)
	}
	return exec, nil
}

func (r *PostgresRepository) queryStepExecutions(ctx context.Context, query string, args ...interface{}) ([]*batch.StepExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []*batch.StepExecution
	for rows.Next() {
		exec, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, exec)
	}
	return list, rows.Err()
}

// withTx runs fn inside a transaction which is committed if fn returns
// without an error and rolled back otherwise.
func (r *PostgresRepository) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStepExecution(row rowScanner) (*batch.StepExecution, error) {
	var (
		exec       batch.StepExecution
		encodedCtx string
		endTime    pq.NullTime
	)

	err := row.Scan(
		&exec.ID, &exec.JobExecutionID, &exec.ParentID, &exec.Name, &exec.Kind, &exec.PartitionID, &encodedCtx,
		&exec.Status, &exec.ReadCount, &exec.WriteCount, &exec.SkipCount, &exec.CommitCount, &exec.RollbackCount,
		&exec.ExitDescription, &exec.StartTime, &endTime, &exec.LastUpdated,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, batch.ErrNotFound
		}
		return nil, err
	}

	if encodedCtx != "" && encodedCtx != "{}" {
		if err = json.Unmarshal([]byte(encodedCtx), &exec.Context); err != nil {
			return nil, xerrors.Errorf("decode partition context: %w", err)
		}
	}
	exec.StartTime = exec.StartTime.UTC()
	exec.LastUpdated = exec.LastUpdated.UTC()
	if endTime.Valid {
		exec.EndTime = endTime.Time.UTC()
	}
	return &exec, nil
}

func encodeContext(pCtx batch.PartitionContext) (string, error) {
	if len(pCtx) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(pCtx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullTime(t time.Time) pq.NullTime {
	if t.IsZero() {
		return pq.NullTime{}
	}
	return pq.NullTime{Time: t.UTC(), Valid: true}
}

// isForeignKeyViolationError returns true if err indicates a foreign key
// constraint violation.
func isForeignKeyViolationError(err error) bool {
	pqErr, valid := err.(*pq.Error)
	if !valid {
		return false
	}

	return pqErr.Code.Name() == "foreign_key_violation"
}
