package main

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strconv"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/juju/clock/testclock"
	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/partition"
	"github.com/partbatch/partbatch/step"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(CustomerTestSuite))

const customersCSV = `id,email
1,a@example.com
2,b@example.com
3,not-an-email
4,d@example.com
5,e@example.com
`

type CustomerTestSuite struct {
	csvFile string
	exec    *step.Executor
}

func (s *CustomerTestSuite) SetUpTest(c *gc.C) {
	s.csvFile = filepath.Join(c.MkDir(), "customers.csv")
	c.Assert(ioutil.WriteFile(s.csvFile, []byte(customersCSV), 0644), gc.IsNil)

	var err error
	s.exec, err = step.NewExecutor(step.ExecutorConfig{Clock: testclock.NewClock(time.Unix(1000, 0))})
	c.Assert(err, gc.IsNil)
}

func (s *CustomerTestSuite) TestCountDataLines(c *gc.C) {
	n, err := countDataLines(s.csvFile)
	c.Assert(err, gc.IsNil)
	c.Assert(n, gc.Equals, int64(5))

	headerOnly := filepath.Join(c.MkDir(), "header.csv")
	c.Assert(ioutil.WriteFile(headerOnly, []byte("id,email\n"), 0644), gc.IsNil)
	n, err = countDataLines(headerOnly)
	c.Assert(err, gc.IsNil)
	c.Assert(n, gc.Equals, int64(0))

	empty := filepath.Join(c.MkDir(), "empty.csv")
	c.Assert(ioutil.WriteFile(empty, nil, 0644), gc.IsNil)
	n, err = countDataLines(empty)
	c.Assert(err, gc.IsNil)
	c.Assert(n, gc.Equals, int64(0))

	_, err = countDataLines(filepath.Join(c.MkDir(), "missing.csv"))
	c.Assert(err, gc.ErrorMatches, "open csv file: .*")
}

func (s *CustomerTestSuite) TestReaderRanges(c *gc.C) {
	specs := []struct {
		from, to int64
		exp      []int64
	}{
		{from: 0, to: 5, exp: []int64{1, 2, 3, 4, 5}},
		{from: 1, to: 3, exp: []int64{2, 3}},
		{from: 3, to: 10, exp: []int64{4, 5}},
		{from: 5, to: 5, exp: nil},
	}

	for specIndex, spec := range specs {
		c.Logf("spec %d: [%d, %d)", specIndex, spec.from, spec.to)
		r, err := newCSVReader(s.csvFile, spec.from, spec.to)
		c.Assert(err, gc.IsNil)

		var got []int64
		for r.Next(context.TODO()) {
			got = append(got, r.Item().(customer).ID)
		}
		c.Assert(r.Error(), gc.IsNil)
		c.Assert(got, gc.DeepEquals, spec.exp)
		c.Assert(r.Close(), gc.IsNil)
	}
}

func (s *CustomerTestSuite) TestReaderStartBeyondEnd(c *gc.C) {
	_, err := newCSVReader(s.csvFile, 7, 9)
	c.Assert(err, gc.ErrorMatches, `csv file ".*" has fewer than 7 data lines`)
}

func (s *CustomerTestSuite) TestReaderMalformedID(c *gc.C) {
	path := filepath.Join(c.MkDir(), "bad.csv")
	c.Assert(ioutil.WriteFile(path, []byte("id,email\n1,a@example.com\nxyz,b@example.com\n"), 0644), gc.IsNil)

	r, err := newCSVReader(path, 0, 2)
	c.Assert(err, gc.IsNil)
	defer func() { _ = r.Close() }()

	c.Assert(r.Next(context.TODO()), gc.Equals, true)
	c.Assert(r.Next(context.TODO()), gc.Equals, false)
	c.Assert(r.Error(), gc.ErrorMatches, "parse customer id on csv line 1: .*")
}

func (s *CustomerTestSuite) TestFilterInvalidEmails(c *gc.C) {
	out, err := filterInvalidEmails(context.TODO(), customer{ID: 1, Email: "a@example.com"})
	c.Assert(err, gc.IsNil)
	c.Assert(out, gc.DeepEquals, customer{ID: 1, Email: "a@example.com"})

	out, err = filterInvalidEmails(context.TODO(), customer{ID: 2, Email: "nope"})
	c.Assert(err, gc.IsNil)
	c.Assert(out, gc.IsNil)

	_, err = filterInvalidEmails(context.TODO(), "not a customer")
	c.Assert(err, gc.ErrorMatches, "unexpected item type string")
}

func (s *CustomerTestSuite) TestWriterRequiresTransaction(c *gc.C) {
	err := writeCustomers(context.TODO(), []interface{}{customer{ID: 1}})
	c.Assert(err, gc.ErrorMatches, "customer writer requires a SQL transaction")
}

func (s *CustomerTestSuite) TestSetupStep(c *gc.C) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	c.Assert(err, gc.IsNil)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec(createCustomerTableQuery).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM customer").WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	exec := &batch.StepExecution{ID: 1, Name: setupStep, Kind: batch.KindLocal, Status: batch.StatusStarting}
	c.Assert(s.exec.Execute(context.TODO(), exec, setupStepDefinition(db)), gc.IsNil)
	c.Assert(exec.Status, gc.Equals, batch.StatusCompleted)
	c.Assert(exec.WriteCount, gc.Equals, int64(4))
	c.Assert(exec.CommitCount, gc.Equals, int64(1))
	c.Assert(mock.ExpectationsWereMet(), gc.IsNil)
}

func (s *CustomerTestSuite) TestImportPartition(c *gc.C) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	c.Assert(err, gc.IsNil)
	defer func() { _ = db.Close() }()

	// Lines [1, 4) hold customers 2, 3 and 4; customer 3 is skipped.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO customer (id, email) VALUES ($1, $2)").
		WithArgs(2, "b@example.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO customer (id, email) VALUES ($1, $2)").
		WithArgs(4, "d@example.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	def, err := importStepFactory(db, jobSettings{CSVFile: s.csvFile, ChunkSize: 2, ValidateEmails: true})(s.partitionContext(1, 4))
	c.Assert(err, gc.IsNil)

	exec := &batch.StepExecution{ID: 2, Name: importStep, Kind: batch.KindWorker, Status: batch.StatusStarting}
	c.Assert(s.exec.Execute(context.TODO(), exec, def), gc.IsNil)
	c.Assert(exec.Status, gc.Equals, batch.StatusCompleted)
	c.Assert(exec.ReadCount, gc.Equals, int64(3))
	c.Assert(exec.WriteCount, gc.Equals, int64(2))
	c.Assert(exec.SkipCount, gc.Equals, int64(1))
	c.Assert(exec.CommitCount, gc.Equals, int64(2))
	c.Assert(mock.ExpectationsWereMet(), gc.IsNil)
}

func (s *CustomerTestSuite) TestImportPartitionBatchesInserts(c *gc.C) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	c.Assert(err, gc.IsNil)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO customer (id, email) VALUES ($1, $2), ($3, $4), ($5, $6)").
		WithArgs(3, "not-an-email", 4, "d@example.com", 5, "e@example.com").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	def, err := importStepFactory(db, jobSettings{CSVFile: s.csvFile, ChunkSize: 10})(s.partitionContext(2, 5))
	c.Assert(err, gc.IsNil)

	exec := &batch.StepExecution{ID: 2, Name: importStep, Kind: batch.KindWorker, Status: batch.StatusStarting}
	c.Assert(s.exec.Execute(context.TODO(), exec, def), gc.IsNil)
	c.Assert(exec.WriteCount, gc.Equals, int64(3))
	c.Assert(mock.ExpectationsWereMet(), gc.IsNil)
}

func (s *CustomerTestSuite) TestImportPartitionWriteFailure(c *gc.C) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	c.Assert(err, gc.IsNil)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO customer (id, email) VALUES ($1, $2), ($3, $4)").
		WithArgs(1, "a@example.com", 2, "b@example.com").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO customer (id, email) VALUES ($1, $2), ($3, $4)").
		WithArgs(3, "not-an-email", 4, "d@example.com").
		WillReturnError(xerrors.New("duplicate key value"))
	mock.ExpectRollback()

	def, err := importStepFactory(db, jobSettings{CSVFile: s.csvFile, ChunkSize: 2})(s.partitionContext(0, 5))
	c.Assert(err, gc.IsNil)

	exec := &batch.StepExecution{ID: 2, Name: importStep, Kind: batch.KindWorker, Status: batch.StatusStarting}
	err = s.exec.Execute(context.TODO(), exec, def)
	c.Assert(xerrors.Is(err, batch.ErrChunkWrite), gc.Equals, true)
	c.Assert(exec.Status, gc.Equals, batch.StatusFailed)
	c.Assert(exec.CommitCount, gc.Equals, int64(1))
	c.Assert(exec.WriteCount, gc.Equals, int64(2))
	c.Assert(exec.RollbackCount, gc.Equals, int64(1))
	c.Assert(mock.ExpectationsWereMet(), gc.IsNil)
}

func (s *CustomerTestSuite) TestImportPartitionerCoversAllLines(c *gc.C) {
	parts, err := importPartitioner(s.csvFile).Partition(3)
	c.Assert(err, gc.IsNil)
	c.Assert(parts, gc.HasLen, 3)

	var next int64
	for _, name := range partition.Names(3) {
		from, to, err := partition.Extents(parts[name])
		c.Assert(err, gc.IsNil)
		c.Assert(from, gc.Equals, next)
		next = to
	}
	c.Assert(next, gc.Equals, int64(5))
}

func (s *CustomerTestSuite) TestImportPartitionerReadsFileOnDemand(c *gc.C) {
	path := filepath.Join(c.MkDir(), "late.csv")
	p := importPartitioner(path)

	_, err := p.Partition(1)
	c.Assert(err, gc.NotNil)

	c.Assert(ioutil.WriteFile(path, []byte("id,email\n1,a@example.com\n2,b@example.com\n"), 0644), gc.IsNil)
	parts, err := p.Partition(1)
	c.Assert(err, gc.IsNil)
	from, to, err := partition.Extents(parts[partition.Name(0)])
	c.Assert(err, gc.IsNil)
	c.Assert(from, gc.Equals, int64(0))
	c.Assert(to, gc.Equals, int64(2))
}

func (s *CustomerTestSuite) TestFactoryRejectsBadContext(c *gc.C) {
	_, err := importStepFactory(nil, jobSettings{CSVFile: s.csvFile, ChunkSize: 2})(batch.PartitionContext{batch.PartitionKey: "partition0"})
	c.Assert(err, gc.ErrorMatches, `partition context: missing key .*`)
}

func (s *CustomerTestSuite) partitionContext(from, to int64) batch.PartitionContext {
	return batch.PartitionContext{
		batch.PartitionKey:    "partition0",
		partition.MinValueKey: strconv.FormatInt(from, 10),
		partition.MaxValueKey: strconv.FormatInt(to, 10),
	}
}
