package codecache

import (
	"fmt"

	"github.com/xyproto/grr32/internal/abi"
)

// Cache owns the translated-code arena and the Key->Value index over it.
// Encoding a block is a single transaction: Begin returns a Transaction
// that must be either Commit'd (recording the block permanently) or
// discarded, never written to after Commit. This mirrors the teacher's
// SafeBuffer (safe_buffer.go): Write panics once the transaction is
// committed. Bytes and PatchField/PatchAt still return writable views of
// the arena itself, for back-patching and hot-patching.
type Cache struct {
	arena *arena
	index *Index

	stub abi.CacheOffset
}

// New creates an anonymous (non-persisted) code cache.
func New() (*Cache, error) {
	a, err := newArena()
	if err != nil {
		return nil, err
	}
	c := &Cache{arena: a, index: NewIndex()}
	if err := c.installStub(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewPersistent creates a code cache backed by a growable file at path, so
// translations survive across runs of the same guest binary.
func NewPersistent(path string) (*Cache, error) {
	a, err := newPersistentArena(path)
	if err != nil {
		return nil, err
	}
	c := &Cache{arena: a, index: NewIndex()}
	if err := c.installStub(); err != nil {
		return nil, err
	}
	return c, nil
}

// installStub writes the shared dispatch-return stub (a bare RET) as the
// very first bytes of the arena, so its offset is stable and known before
// any guest block is translated. Every translated block's tail jump
// targets this stub until the Patcher rewrites it to chain directly to a
// successor.
func (c *Cache) installStub() error {
	off, err := c.WriteStub([]byte{0xC3})
	if err != nil {
		return fmt.Errorf("codecache: install dispatch stub: %w", err)
	}
	c.stub = off
	return nil
}

// DispatchStub returns the cache offset of the shared dispatch-return
// stub installed when this Cache was created.
func (c *Cache) DispatchStub() abi.CacheOffset {
	return c.stub
}

// Close releases the arena's mapping (and syncs it to disk first, if
// persistent).
func (c *Cache) Close() error {
	if err := c.arena.sync(); err != nil {
		return err
	}
	return c.arena.close()
}

// Find looks up a translated block by key.
func (c *Cache) Find(key Key) (Value, bool) {
	return c.index.Find(key)
}

// Index exposes the underlying Key->Value table, for a TraceRecorder to
// finalize a trace's head/block flags against.
func (c *Cache) Index() *Index {
	return c.index
}

// Transaction is the in-progress encoding of one block's host code. Pos
// returns the arena offset of the next byte, usable immediately for
// computing PC-relative branch targets within the same block.
type Transaction struct {
	cache     *Cache
	off       int
	written   int
	buf       []byte
	committed bool
}

// Begin starts encoding a new block, reserving up to maxLen bytes in the
// arena. The translator calls Begin once per block, emits host
// instructions into Write, and finishes with Commit.
func (c *Cache) Begin(maxLen int) (*Transaction, error) {
	off, err := c.arena.alloc(maxLen)
	if err != nil {
		return nil, fmt.Errorf("codecache: begin transaction: %w", err)
	}
	return &Transaction{cache: c, off: off, buf: c.arena.bytesAt(off, maxLen)}, nil
}

// Write appends host code bytes to the transaction. Panics if called after
// Commit, matching the teacher's SafeBuffer.Write contract.
func (t *Transaction) Write(p []byte) {
	if t.committed {
		panic("codecache: write to committed transaction")
	}
	n := copy(t.buf, p)
	t.buf = t.buf[n:]
	t.written += n
}

// Offset returns where in the arena this transaction started.
func (t *Transaction) Offset() abi.CacheOffset {
	return abi.CacheOffset(t.off)
}

// Pos returns the arena offset of the next byte this transaction will
// write -- the live write cursor, unlike Offset's fixed block start. The
// translator uses this to compute patch-site offsets and local branch
// targets while emitting a block's instructions.
func (t *Transaction) Pos() abi.CacheOffset {
	return abi.CacheOffset(t.off + t.written)
}

// PatchField returns a writable view of n bytes at byte offset rel within
// this transaction's own bytes, used to back-patch a forward branch whose
// target becomes known only after the rest of the block is encoded.
func (t *Transaction) PatchField(rel, n int) []byte {
	return t.cache.arena.bytesAt(t.off+rel, n)
}

// PatchAt is PatchField addressed by absolute arena offset (as returned by
// Pos) rather than a transaction-relative one, for callers that only ever
// deal in the arena-absolute offsets Pos hands out.
func (t *Transaction) PatchAt(off abi.CacheOffset, n int) []byte {
	return t.PatchField(int(off)-t.off, n)
}

// Commit registers key->value in the index and finalizes the transaction.
// After Commit, no further writes to this Transaction are permitted --
// enforced the same way the teacher's SafeBuffer.Commit does, by flipping
// a committed bool future Writes check.
func (t *Transaction) Commit(key Key, value Value) {
	t.committed = true
	t.cache.index.Insert(key, value)
}

// Abandon discards a transaction without recording it; the arena space it
// reserved is leaked until the next process restart; this is acceptable
// because Abandon is only used for a block that failed translation
// part-way through (a rare, diagnostic path), not for routine control flow.
func (t *Transaction) Abandon() {
	t.committed = true
}

// Bytes returns the host code backing cache offset off through off+n,
// e.g. for the dispatcher to resolve a Value's CacheOffset to executable
// bytes it can jump into via the trampoline.
func (c *Cache) Bytes(off abi.CacheOffset, n int) []byte {
	return c.arena.bytesAt(int(off), n)
}

// EntryPointer returns the live host address of cache offset off, for the
// dispatcher to hand to trampoline.Enter as a call target. Must be taken
// fresh right before each Enter call: translating further blocks between
// taking this pointer and using it can grow (and thus remap) the arena.
func (c *Cache) EntryPointer(off abi.CacheOffset) uintptr {
	return c.arena.ptrAt(int(off))
}

// WriteStub appends raw bytes to the arena as a standalone entry point not
// associated with any guest block -- used at startup to install the shared
// dispatch-return stub translated blocks tail-jump to, and by
// TraceRecorder.Finish to reserve a trace's inlined run. Returns the
// stub's cache offset.
func (c *Cache) WriteStub(code []byte) (abi.CacheOffset, error) {
	tx, err := c.Begin(len(code))
	if err != nil {
		return 0, err
	}
	tx.Write(code)
	tx.committed = true
	return tx.Offset(), nil
}

// Invalidate drops every index entry for pid whose key doesn't match
// currentHash, called by the fault handler when a page's content hash
// changes underneath cached translations.
func (c *Cache) Invalidate(pid uint8, pageBase abi.Addr32, currentHash uint32) {
	c.index.Clear(func(k Key) bool {
		return k.PID() == pid && abi.AlignDown(uint32(k.PC32())) == uint32(pageBase) && k.CodeHash() != currentHash
	})
}

// Count returns the number of cached blocks, for diagnostics/coverage.
func (c *Cache) Count() int {
	return c.index.Count()
}
