// Package mutate implements the input-mutator interface spec.md leaves
// unspecified beyond its `--input_mutator` flag: something that takes a
// recorded sequence of input chunks (one per `receive` syscall during the
// run being replayed) and produces a stream of candidate mutations, one
// per call, until exhausted.
//
// Grounded on granary/input/mutate.h and mutate.cc (original_source) for
// the shape -- a Mutator with a public RequestMutation() that delegates to
// a per-strategy RequestMutationImpl(), and a Create(name, record) factory
// dispatching on a flag string -- but not for the internals: spec.md
// explicitly scopes "the Radamsa-driven input mutators" to interface only,
// so only one concrete strategy (a random bit-flip slice mutator, the
// original's SliceMutator<RandomBitFlipSyscallMutator>) is implemented
// here; the rest of the original's strategy names are deliberately not
// ported.
package mutate

import "math/rand"

// Mutator produces an unbounded or bounded stream of candidate mutations
// of a recorded input. RequestMutation returns ok=false once the strategy
// has exhausted every mutation it knows how to produce; a caller wanting
// an endless stream wraps a Mutator in Infinite.
type Mutator interface {
	RequestMutation() (data []byte, ok bool)
}

// Record is one run's recorded sequence of input chunks, each the data
// from one `receive` syscall, in the order they occurred.
type Record [][]byte

// flatten concatenates every chunk in order, mirroring IORecording::ToInput.
func flatten(chunks [][]byte) []byte {
	var n int
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// byteFlipMutator is a direct port of SliceMutator<RandomBitFlipSyscallMutator>:
// it walks the record one chunk at a time, XORing a growing contiguous
// slice of chunks against random bytes while copying everything else
// verbatim, advancing the slice's start each call and its size each time
// the slice runs off the end of the record.
type byteFlipMutator struct {
	record       Record
	rng          *rand.Rand
	sliceStart   int
	sliceSize    int
	maxSliceSize int
}

// NewByteFlipMutator creates a Mutator that flips random bits within a
// sliding window of chunks, seeded for reproducible replay.
func NewByteFlipMutator(record Record, seed int64) Mutator {
	return &byteFlipMutator{
		record:       record,
		rng:          rand.New(rand.NewSource(seed)),
		sliceSize:    1,
		maxSliceSize: len(record),
	}
}

func (m *byteFlipMutator) RequestMutation() ([]byte, bool) {
	if len(m.record) == 0 {
		return nil, false
	}
	if m.sliceStart >= len(m.record) {
		m.sliceSize++
		if m.sliceSize > m.maxSliceSize {
			return nil, false
		}
		m.sliceStart = 0
	}

	out := make(Record, 0, len(m.record))
	out = append(out, m.record[:m.sliceStart]...)

	end := m.sliceStart + m.sliceSize
	if end > len(m.record) {
		end = len(m.record)
	}
	for i := m.sliceStart; i < end; i++ {
		out = append(out, m.flipChunk(m.record[i]))
	}
	out = append(out, m.record[end:]...)

	m.sliceStart = end
	return flatten(out), true
}

func (m *byteFlipMutator) flipChunk(chunk []byte) []byte {
	flipped := make([]byte, len(chunk))
	for i, b := range chunk {
		mask := byte(m.rng.Intn(256))
		flipped[i] = b ^ mask
	}
	return flipped
}

// infiniteMutator turns a finite Mutator into an unbounded stream by
// restarting it from scratch once it's exhausted, mirroring the
// original's InfiniteMutator<BaseMutator> template.
type infiniteMutator struct {
	new func() Mutator
	cur Mutator
}

// Infinite wraps a Mutator factory so that RequestMutation never returns
// ok=false: once the underlying strategy exhausts itself, a fresh one is
// created and mutation resumes from its start.
func Infinite(new func() Mutator) Mutator {
	return &infiniteMutator{new: new, cur: new()}
}

func (m *infiniteMutator) RequestMutation() ([]byte, bool) {
	if data, ok := m.cur.RequestMutation(); ok {
		return data, true
	}
	m.cur = m.new()
	return m.cur.RequestMutation()
}

// New builds the Mutator named by flag, mirroring Mutator::Create's
// dispatch on --input_mutator. Only "bitflip" and its infinite variant
// "inf_bitflip_random" are implemented; an unrecognized name reports
// ok=false exactly as the original's Create returns nullptr.
func New(name string, record Record, seed int64) (Mutator, bool) {
	switch name {
	case "bitflip":
		return NewByteFlipMutator(record, seed), true
	case "inf_bitflip_random":
		return Infinite(func() Mutator { return NewByteFlipMutator(record, seed) }), true
	default:
		return nil, false
	}
}
