package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
)

// PartitionKey is the PartitionContext key holding the unique partition name.
const PartitionKey = "partition"

// Parameters identify a job instance together with the job name.
type Parameters map[string]string

// Hash returns a deterministic digest of the parameter set.
func (p Parameters) Hash() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		// Length-prefix keys and values so that {"a": "b=c"} and
		// {"a=b": "c"} produce different digests.
		_, _ = h.Write([]byte(strconv.Itoa(len(k)) + ":" + k + strconv.Itoa(len(p[k])) + ":" + p[k] + ";"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns a copy of p.
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// PartitionContext describes the slice of work assigned to one partition.
type PartitionContext map[string]string

// PartitionID returns the partition name stored in the context.
func (c PartitionContext) PartitionID() string { return c[PartitionKey] }

// Clone returns a copy of c. Contexts are never mutated after creation so
// every hand-off works on a copy.
func (c PartitionContext) Clone() PartitionContext {
	if c == nil {
		return nil
	}
	out := make(PartitionContext, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
