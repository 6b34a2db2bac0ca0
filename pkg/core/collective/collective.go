// Package collective implements the communication substrate for synchronous
// data-parallel training: a process group ("mesh") over which replicas run
// broadcast and all-reduce.
//
// During a run every replica holds one Mesh. Two implementations exist:
//
//   - Local: a single-replica group where collectives return their input
//     unchanged. Used when training runs in one process.
//   - TCP (see DialTCP): rank 0 listens, every other rank dials it, and
//     collectives move length-prefixed binary frames through the resulting
//     star topology. Used for multi-process training.
//
// Collectives are synchronization barriers: a call returns only after every
// rank of the group has made the same call, in the same order. Ranks must
// therefore issue the exact same sequence of collective operations; the TCP
// mesh tags frames with a sequence number and fails fast when ranks have
// diverged.
//
// Values are vectors of float32. Higher layers flatten tensors before handing
// them over and restore shapes afterwards.
package collective

// Mesh is one replica's view of the process group.
//
// Rank and WorldSize are stable for the lifetime of the mesh. Broadcast and
// AllReduce block until every rank participates; a failure on any of them is
// fatal for the run (see package errors).
type Mesh interface {
	// Rank of this replica, in [0, WorldSize).
	Rank() int

	// WorldSize is the number of replicas in the group.
	WorldSize() int

	// Broadcast replaces data with root's values on every rank.
	// On root the data is left untouched and sent to the others.
	// All ranks must pass vectors of the same length.
	Broadcast(data []float32, root int) error

	// AllReduce combines data element-wise across all ranks and stores the
	// result back into data on every rank. All ranks must pass vectors of
	// the same length.
	AllReduce(data []float32, op ReduceOp) error

	// Close releases the mesh's connections. The mesh is unusable afterwards.
	Close() error
}

// ReduceOp selects how AllReduce combines values.
type ReduceOp int

const (
	// ReduceSum leaves the element-wise sum of all ranks' vectors.
	ReduceSum ReduceOp = iota

	// ReduceAverage leaves the element-wise sum divided by WorldSize.
	ReduceAverage
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceAverage:
		return "average"
	}
	return "unknown"
}

// Compression selects the wire encoding of collective payloads. It has no
// effect on the Local mesh. All ranks of a group must configure the same
// value; the TCP rendezvous verifies this.
type Compression int

const (
	// CompressionNone sends values as raw float32.
	CompressionNone Compression = iota

	// CompressionFloat16 sends values as IEEE 754 half-precision, halving
	// the payload at the cost of precision. Reduction still happens in
	// float32 after decompression.
	CompressionFloat16
)

// String implements fmt.Stringer.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionFloat16:
		return "float16"
	}
	return "unknown"
}

// CompressionFromString parses the names accepted for configuration:
// "none" and "float16".
func CompressionFromString(name string) (Compression, bool) {
	switch name {
	case "none", "":
		return CompressionNone, true
	case "float16", "fp16":
		return CompressionFloat16, true
	}
	return CompressionNone, false
}
