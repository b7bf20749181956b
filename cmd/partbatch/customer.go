package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strconv"
	"strings"

	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/partition"
	"github.com/partbatch/partbatch/remote"
	"github.com/partbatch/partbatch/step"
	"golang.org/x/xerrors"
)

const (
	jobName    = "customer-import"
	setupStep  = "setup"
	importStep = "import"
)

type customer struct {
	ID    int64
	Email string
}

// csvReader yields the customers stored in the data lines [from, to) of a
// CSV file with an id,email header.
type csvReader struct {
	f    *os.File
	r    *csv.Reader
	line int64
	to   int64

	cur customer
	err error
}

func newCSVReader(path string, from, to int64) (*csvReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open csv file: %w", err)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	r.ReuseRecord = true

	// Skip the header and any lines before the start of the range.
	for i := int64(-1); i < from; i++ {
		if _, err = r.Read(); err != nil {
			_ = f.Close()
			if err == io.EOF {
				return nil, xerrors.Errorf("csv file %q has fewer than %d data lines", path, from)
			}
			return nil, xerrors.Errorf("skip csv lines: %w", err)
		}
	}

	return &csvReader{f: f, r: r, line: from, to: to}, nil
}

// Next implements step.ItemReader.
func (r *csvReader) Next(ctx context.Context) bool {
	if r.err != nil || r.line >= r.to || ctx.Err() != nil {
		return false
	}

	rec, err := r.r.Read()
	if err == io.EOF {
		return false
	} else if err != nil {
		r.err = xerrors.Errorf("read csv line %d: %w", r.line, err)
		return false
	}

	id, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
	if err != nil {
		r.err = xerrors.Errorf("parse customer id on csv line %d: %w", r.line, err)
		return false
	}

	r.cur = customer{ID: id, Email: strings.TrimSpace(rec[1])}
	r.line++
	return true
}

// Item implements step.ItemReader.
func (r *csvReader) Item() interface{} { return r.cur }

// Error implements step.ItemReader.
func (r *csvReader) Error() error { return r.err }

// Close releases the underlying file.
func (r *csvReader) Close() error { return r.f.Close() }

// countDataLines returns the number of records in the CSV file at path,
// excluding the header.
func countDataLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, xerrors.Errorf("open csv file: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	r.ReuseRecord = true

	var n int64
	for ; ; n++ {
		if _, err = r.Read(); err == io.EOF {
			break
		} else if err != nil {
			return 0, xerrors.Errorf("count csv lines: %w", err)
		}
	}

	if n == 0 {
		return 0, nil
	}
	return n - 1, nil
}

// filterInvalidEmails drops customers without a parseable email address.
func filterInvalidEmails(_ context.Context, item interface{}) (interface{}, error) {
	c, ok := item.(customer)
	if !ok {
		return nil, xerrors.Errorf("unexpected item type %T", item)
	}
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return nil, nil
	}
	return c, nil
}

// writeCustomers inserts a chunk of customers with a single statement that
// runs inside the chunk transaction.
func writeCustomers(ctx context.Context, items []interface{}) error {
	tx, ok := step.SQLTxFromContext(ctx)
	if !ok {
		return xerrors.Errorf("customer writer requires a SQL transaction")
	}
	if len(items) == 0 {
		return nil
	}

	var (
		sb   strings.Builder
		args = make([]interface{}, 0, 2*len(items))
	)
	sb.WriteString("INSERT INTO customer (id, email) VALUES ")
	for i, item := range items {
		c, ok := item.(customer)
		if !ok {
			return xerrors.Errorf("unexpected item type %T", item)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d)", 2*i+1, 2*i+2)
		args = append(args, c.ID, c.Email)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return xerrors.Errorf("insert customers: %w", err)
	}
	return nil
}

// setupTasklet creates the customer table and removes rows left over by a
// previous import.
func setupTasklet(ctx context.Context, contrib *step.Contribution) (step.RepeatStatus, error) {
	tx, ok := step.SQLTxFromContext(ctx)
	if !ok {
		return step.Finished, xerrors.Errorf("setup tasklet requires a SQL transaction")
	}

	if _, err := tx.ExecContext(ctx, createCustomerTableQuery); err != nil {
		return step.Finished, xerrors.Errorf("create customer table: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM customer")
	if err != nil {
		return step.Finished, xerrors.Errorf("truncate customer table: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		contrib.WriteCount += n
	}
	return step.Finished, nil
}

const createCustomerTableQuery = `CREATE TABLE IF NOT EXISTS customer (
	id BIGINT PRIMARY KEY,
	email TEXT NOT NULL
)`

// setupStepDefinition returns the definition of the local setup step.
func setupStepDefinition(db *sql.DB) step.Definition {
	return step.Definition{
		Tasklet:   step.TaskletFunc(setupTasklet),
		TxManager: step.SQLTxManager{DB: db},
	}
}

// importStepFactory builds the worker side of the partitioned import step.
func importStepFactory(db *sql.DB, settings jobSettings) remote.StepFactory {
	return func(pCtx batch.PartitionContext) (step.Definition, error) {
		from, to, err := partition.Extents(pCtx)
		if err != nil {
			return step.Definition{}, err
		}

		reader, err := newCSVReader(settings.CSVFile, from, to)
		if err != nil {
			return step.Definition{}, err
		}

		chunk := &step.Chunk{
			Reader: reader,
			Writer: step.ItemWriterFunc(writeCustomers),
			Size:   settings.ChunkSize,
		}
		if settings.ValidateEmails {
			chunk.Processor = step.ItemProcessorFunc(filterInvalidEmails)
		}

		return step.Definition{
			Chunk:     chunk,
			TxManager: step.SQLTxManager{DB: db},
		}, nil
	}
}

// importPartitioner splits the data lines of the CSV file into ranges. The
// file is inspected each time the import step is partitioned.
func importPartitioner(csvFile string) partition.Partitioner {
	return partition.PartitionerFunc(func(gridSize int) (map[string]batch.PartitionContext, error) {
		n, err := countDataLines(csvFile)
		if err != nil {
			return nil, err
		}
		return partition.RangePartitioner{From: 0, To: n}.Partition(gridSize)
	})
}
