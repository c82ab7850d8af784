package codecache

import "github.com/xyproto/grr32/internal/abi"

// PatchInterval bounds how many direct-jump patch requests accumulate
// before the Patcher flushes them to the arena, trading a little patch
// latency for fewer flush passes. Flush writes the arena only; it does not
// sync a persistent arena to disk.
const PatchInterval = 64

// patchRequest records one not-yet-applied direct-jump chain: the cache
// offset of a rel32 operand that should be overwritten once its target
// block exists.
type patchRequest struct {
	siteOffset abi.CacheOffset
	targetPC   abi.Addr32
	pid        uint8
}

// Patcher hot-patches already-committed direct-jump instructions to chain
// straight to a freshly translated successor block instead of falling
// back through the dispatcher, the way granary/arch/x86/patch.h's
// AddPatchPoint does. Requests queue here because the successor block may
// not exist yet at the time a predecessor is translated; Flush resolves
// whatever now has a cache entry.
type Patcher struct {
	cache   *Cache
	pending []patchRequest
}

// NewPatcher creates a Patcher over cache.
func NewPatcher(cache *Cache) *Patcher {
	return &Patcher{cache: cache}
}

// AddPatchPoint queues a rel32 field at siteOffset (within the arena) to be
// rewritten to jump directly to targetPC once that block is translated.
func (p *Patcher) AddPatchPoint(siteOffset abi.CacheOffset, targetPC abi.Addr32, pid uint8) {
	p.pending = append(p.pending, patchRequest{siteOffset, targetPC, pid})
	if len(p.pending) >= PatchInterval {
		p.Flush()
	}
}

// Flush attempts to resolve every queued patch point against the index,
// applying any whose target now has a cache entry and leaving the rest
// queued for the next Flush. Blocks are keyed with code hash 0 until the
// translator folds in the page's actual content hash, so a freshly
// committed successor is always found under that key.
func (p *Patcher) Flush() {
	remaining := p.pending[:0]
	for _, req := range p.pending {
		key := NewKey(req.targetPC, req.pid, 0)
		val, ok := p.cache.Find(key)
		if !ok {
			remaining = append(remaining, req)
			continue
		}
		p.apply(req.siteOffset, val.CacheOffset())
	}
	p.pending = remaining
}

// apply overwrites the rel32 field at siteOffset so it encodes a jump to
// the host address corresponding to targetOffset. The 4 bytes at
// siteOffset are always the operand of a 5-byte E9 rel32 JMP the
// translator reserved specifically so it can be patched in place.
func (p *Patcher) apply(siteOffset, targetOffset abi.CacheOffset) {
	rel32 := int32(targetOffset) - int32(siteOffset) - 4
	field := p.cache.arena.bytesAt(int(siteOffset), 4)
	field[0] = byte(rel32)
	field[1] = byte(rel32 >> 8)
	field[2] = byte(rel32 >> 16)
	field[3] = byte(rel32 >> 24)
}
