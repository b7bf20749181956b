package main

import (
	"io/ioutil"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/partbatch/partbatch/dispatch"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// jobSettings holds the tunables of the customer import job. They can be
// loaded from a YAML file and individually overridden by CLI flags.
type jobSettings struct {
	CSVFile          string          `yaml:"csv_file"`
	GridSize         int             `yaml:"grid_size"`
	ChunkSize        int             `yaml:"chunk_size"`
	PartitionTimeout time.Duration   `yaml:"partition_timeout"`
	ValidateEmails   bool            `yaml:"validate_emails"`
	Queues           dispatch.Queues `yaml:"queues"`
}

func defaultSettings() jobSettings {
	return jobSettings{
		GridSize:         4,
		ChunkSize:        100,
		PartitionTimeout: 10 * time.Minute,
	}
}

// loadSettings returns the default settings overlaid with the contents of
// the YAML file at path. An empty path yields the defaults.
func loadSettings(path string) (jobSettings, error) {
	settings := defaultSettings()
	if path == "" {
		return settings, nil
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return settings, xerrors.Errorf("read job file: %w", err)
	}
	if err = yaml.Unmarshal(data, &settings); err != nil {
		return settings, xerrors.Errorf("parse job file %q: %w", path, err)
	}
	return settings, nil
}

// Validate the settings.
func (s *jobSettings) Validate() error {
	var err error
	if s.CSVFile == "" {
		err = multierror.Append(err, xerrors.Errorf("csv file not specified"))
	}
	if s.GridSize <= 0 {
		err = multierror.Append(err, xerrors.Errorf("grid size must be a positive integer"))
	}
	if s.ChunkSize <= 0 {
		err = multierror.Append(err, xerrors.Errorf("chunk size must be a positive integer"))
	}
	if s.PartitionTimeout < 0 {
		err = multierror.Append(err, xerrors.Errorf("partition timeout must not be negative"))
	}
	if qErr := s.Queues.Validate(); qErr != nil {
		err = multierror.Append(err, qErr)
	}
	return err
}
