// Package partition provides partitioners which split the workload of a
// partitioned step into a fixed number of partition contexts, one per
// dispatched partition.
package partition
