package mutate

import "testing"

func TestByteFlipMutatorChangesBytesWithinSlidingWindow(t *testing.T) {
	record := Record{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")}
	m := NewByteFlipMutator(record, 1)

	data, ok := m.RequestMutation()
	if !ok {
		t.Fatal("RequestMutation: want ok=true on first call")
	}
	if len(data) != 12 {
		t.Fatalf("len(data) = %d, want 12", len(data))
	}
	// First call flips chunk 0 only; chunks 1 and 2 stay verbatim.
	if string(data[4:8]) != "bbbb" || string(data[8:12]) != "cccc" {
		t.Fatalf("data[4:] = %q, want verbatim suffix", data[4:])
	}
	changed := false
	for seed := int64(1); seed < 20 && !changed; seed++ {
		m := NewByteFlipMutator(record, seed)
		data, _ := m.RequestMutation()
		if string(data[0:4]) != "aaaa" {
			changed = true
		}
	}
	if !changed {
		t.Fatal("first chunk was never mutated across 19 seeds")
	}
}

func TestByteFlipMutatorExhaustsAfterGrowingPastRecordLength(t *testing.T) {
	record := Record{[]byte("a"), []byte("b")}
	m := NewByteFlipMutator(record, 1)

	calls := 0
	for {
		if _, ok := m.RequestMutation(); !ok {
			break
		}
		calls++
		if calls > 100 {
			t.Fatal("mutator never exhausted")
		}
	}
	if calls == 0 {
		t.Fatal("mutator exhausted on the very first call")
	}
}

func TestByteFlipMutatorOnEmptyRecordIsImmediatelyExhausted(t *testing.T) {
	m := NewByteFlipMutator(nil, 1)
	if _, ok := m.RequestMutation(); ok {
		t.Fatal("RequestMutation on empty record: want ok=false")
	}
}

func TestInfiniteNeverExhausts(t *testing.T) {
	record := Record{[]byte("a"), []byte("b")}
	m := Infinite(func() Mutator { return NewByteFlipMutator(record, 2) })

	for i := 0; i < 50; i++ {
		if _, ok := m.RequestMutation(); !ok {
			t.Fatalf("call %d: Infinite mutator reported exhaustion", i)
		}
	}
}

func TestNewDispatchesOnName(t *testing.T) {
	record := Record{[]byte("abc")}

	if _, ok := New("bitflip", record, 1); !ok {
		t.Fatal(`New("bitflip", ...) should succeed`)
	}
	if _, ok := New("inf_bitflip_random", record, 1); !ok {
		t.Fatal(`New("inf_bitflip_random", ...) should succeed`)
	}
	if _, ok := New("splice_chunked", record, 1); ok {
		t.Fatal(`New("splice_chunked", ...) is not implemented, want ok=false`)
	}
}

func TestFlattenConcatenatesChunksInOrder(t *testing.T) {
	got := flatten([][]byte{[]byte("foo"), {}, []byte("bar")})
	if string(got) != "foobar" {
		t.Fatalf("flatten = %q, want %q", got, "foobar")
	}
}
