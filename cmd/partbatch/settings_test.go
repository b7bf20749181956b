package main

import (
	"io/ioutil"
	"path/filepath"
	"time"

	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(SettingsTestSuite))

type SettingsTestSuite struct{}

func (s *SettingsTestSuite) TestDefaults(c *gc.C) {
	settings, err := loadSettings("")
	c.Assert(err, gc.IsNil)
	c.Assert(settings, gc.DeepEquals, defaultSettings())

	// The CSV file has no default.
	c.Assert(settings.Validate(), gc.ErrorMatches, "(?ms).*csv file not specified.*")
}

func (s *SettingsTestSuite) TestLoadFromFile(c *gc.C) {
	path := filepath.Join(c.MkDir(), "job.yaml")
	err := ioutil.WriteFile(path, []byte(`
csv_file: /data/customers.csv
grid_size: 8
partition_timeout: 90s
validate_emails: true
queues:
  requests: import-requests
`), 0644)
	c.Assert(err, gc.IsNil)

	settings, err := loadSettings(path)
	c.Assert(err, gc.IsNil)
	c.Assert(settings.Validate(), gc.IsNil)
	c.Assert(settings.CSVFile, gc.Equals, "/data/customers.csv")
	c.Assert(settings.GridSize, gc.Equals, 8)
	c.Assert(settings.ChunkSize, gc.Equals, defaultSettings().ChunkSize)
	c.Assert(settings.PartitionTimeout, gc.Equals, 90*time.Second)
	c.Assert(settings.ValidateEmails, gc.Equals, true)
	c.Assert(settings.Queues.Requests, gc.Equals, "import-requests")
	c.Assert(settings.Queues.Replies, gc.Equals, "replies")
}

func (s *SettingsTestSuite) TestInvalidSettings(c *gc.C) {
	settings := jobSettings{
		CSVFile:          "customers.csv",
		ChunkSize:        -1,
		PartitionTimeout: -time.Second,
	}
	settings.Queues.Requests = "q"
	settings.Queues.Replies = "q"

	err := settings.Validate()
	c.Assert(err, gc.ErrorMatches, "(?ms).*grid size must be a positive integer.*")
	c.Assert(err, gc.ErrorMatches, "(?ms).*chunk size must be a positive integer.*")
	c.Assert(err, gc.ErrorMatches, "(?ms).*partition timeout must not be negative.*")
	c.Assert(err, gc.ErrorMatches, "(?ms).*request and reply queues must be distinct.*")
}

func (s *SettingsTestSuite) TestMissingFile(c *gc.C) {
	_, err := loadSettings(filepath.Join(c.MkDir(), "missing.yaml"))
	c.Assert(err, gc.ErrorMatches, "read job file: .*")
}

func (s *SettingsTestSuite) TestMalformedFile(c *gc.C) {
	path := filepath.Join(c.MkDir(), "job.yaml")
	c.Assert(ioutil.WriteFile(path, []byte("grid_size: [1, 2"), 0644), gc.IsNil)

	_, err := loadSettings(path)
	c.Assert(err, gc.ErrorMatches, `parse job file ".*job.yaml": .*`)
}
