// Package repository defines the contract for the job repository: the
// durable store of job, step and partition execution records that acts as
// the single source of truth for every coordinator.
//
// Implementations are provided by the memory and postgres sub-packages. The
// repositorytest package contains a test-suite that every implementation is
// expected to pass.
package repository
