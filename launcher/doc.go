// Package launcher runs batch jobs.
//
// A job is an ordered list of local and partitioned steps. The launcher
// records a job execution for every run of a job instance and resumes
// failed instances by skipping the steps that already completed.
package launcher
