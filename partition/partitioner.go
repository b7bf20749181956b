package partition

import (
	"strconv"

	"github.com/partbatch/partbatch/batch"
	"golang.org/x/xerrors"
)

// Context keys set by the Range partitioner.
const (
	MinValueKey = "minValue"
	MaxValueKey = "maxValue"
)

// Partitioner is implemented by types that can split the workload of a step
// into independently executable partitions. Implementations must be
// deterministic for a given grid size.
type Partitioner interface {
	// Partition returns gridSize partition contexts keyed by partition
	// name. It returns batch.ErrInvalidGridSize if gridSize <= 0.
	Partition(gridSize int) (map[string]batch.PartitionContext, error)
}

// PartitionerFunc is an adapter to allow the use of plain functions as
// Partitioner instances.
type PartitionerFunc func(gridSize int) (map[string]batch.PartitionContext, error)

// Partition calls f(gridSize).
func (f PartitionerFunc) Partition(gridSize int) (map[string]batch.PartitionContext, error) {
	return f(gridSize)
}

// Name returns the name of the i_th partition.
func Name(i int) string { return batch.PartitionKey + strconv.Itoa(i) }

// Names returns the partition names for the specified grid size in
// partition order.
func Names(gridSize int) []string {
	names := make([]string, 0, gridSize)
	for i := 0; i < gridSize; i++ {
		names = append(names, Name(i))
	}
	return names
}

// Simple assigns each partition an identifier and nothing else; the work
// slice is left for the worker step to derive from the identifier.
type Simple struct{}

// Partition implements Partitioner.
func (Simple) Partition(gridSize int) (map[string]batch.PartitionContext, error) {
	if gridSize <= 0 {
		return nil, xerrors.Errorf("partition: %w", batch.ErrInvalidGridSize)
	}

	parts := make(map[string]batch.PartitionContext, gridSize)
	for _, name := range Names(gridSize) {
		parts[name] = batch.PartitionContext{batch.PartitionKey: name}
	}
	return parts, nil
}

// RangePartitioner splits the [From, To) value range into one contiguous
// slice per partition and stores the slice extents under MinValueKey and
// MaxValueKey.
type RangePartitioner struct {
	From int64
	To   int64
}

// Partition implements Partitioner.
func (p RangePartitioner) Partition(gridSize int) (map[string]batch.PartitionContext, error) {
	if gridSize <= 0 {
		return nil, xerrors.Errorf("partition: %w", batch.ErrInvalidGridSize)
	}

	r, err := NewRange(p.From, p.To, gridSize)
	if err != nil {
		return nil, xerrors.Errorf("partition: %w", err)
	}

	parts := make(map[string]batch.PartitionContext, gridSize)
	for i := 0; i < gridSize; i++ {
		from, to, err := r.PartitionExtents(i)
		if err != nil {
			return nil, xerrors.Errorf("partition: %w", err)
		}
		name := Name(i)
		parts[name] = batch.PartitionContext{
			batch.PartitionKey: name,
			MinValueKey:        strconv.FormatInt(from, 10),
			MaxValueKey:        strconv.FormatInt(to, 10),
		}
	}
	return parts, nil
}

// Int64 parses the context value stored under key.
func Int64(pCtx batch.PartitionContext, key string) (int64, error) {
	v, ok := pCtx[key]
	if !ok {
		return 0, xerrors.Errorf("partition context: missing key %q", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, xerrors.Errorf("partition context: key %q: %w", key, err)
	}
	return n, nil
}

// Extents returns the [minValue, maxValue) slice stored in a context
// produced by RangePartitioner.
func Extents(pCtx batch.PartitionContext) (int64, int64, error) {
	from, err := Int64(pCtx, MinValueKey)
	if err != nil {
		return 0, 0, err
	}
	to, err := Int64(pCtx, MaxValueKey)
	if err != nil {
		return 0, 0, err
	}
	return from, to, nil
}
