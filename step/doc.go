// Package step implements the execution engine for individual batch steps.
//
// A step is either a tasklet, a single unit of work that may ask to be
// invoked repeatedly, or a chunk pipeline that reads items, optionally
// transforms them and writes them in fixed-size chunks. Each tasklet
// invocation and each chunk runs in its own transaction so a failure only
// rolls back the work of the current chunk.
package step
