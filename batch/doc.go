// Package batch contains the execution state model shared by the job
// repository, the step executor and the partition coordinators: job
// instances, job and step executions, their statuses and the error values
// used to report batch-level failures.
package batch
