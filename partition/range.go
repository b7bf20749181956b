package partition

import "golang.org/x/xerrors"

// Range represents a contiguous [start, end) region of int64 values (record
// numbers, file offsets, primary keys) which is split into a number of
// partitions.
type Range struct {
	start       int64
	rangeSplits []int64
}

// NewRange creates a new range [start, end) and splits it into the
// provided number of partitions. When the range size is not a multiple of
// numPartitions the last partition absorbs the remainder.
func NewRange(start, end int64, numPartitions int) (*Range, error) {
	if start > end {
		return nil, xerrors.Errorf("range start must not exceed the range end")
	} else if numPartitions <= 0 {
		return nil, xerrors.Errorf("number of partitions must be at least equal to 1")
	}

	partSize := (end - start) / int64(numPartitions)
	ranges := make([]int64, numPartitions)
	for partition := 0; partition < numPartitions; partition++ {
		if partition == numPartitions-1 {
			ranges[partition] = end
		} else {
			ranges[partition] = start + partSize*int64(partition+1)
		}
	}

	return &Range{start: start, rangeSplits: ranges}, nil
}

// PartitionExtents returns the [start, end) range for the requested partition.
func (r *Range) PartitionExtents(partition int) (int64, int64, error) {
	if partition < 0 || partition >= len(r.rangeSplits) {
		return 0, 0, xerrors.Errorf("invalid partition index")
	}

	if partition == 0 {
		return r.start, r.rangeSplits[0], nil
	}
	return r.rangeSplits[partition-1], r.rangeSplits[partition], nil
}
