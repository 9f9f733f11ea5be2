package flashfs

// ownerNone marks cache traffic that is not attributable to an open file
// descriptor (mount scans, index maintenance, gc).
const ownerNone = -1

type cacheSlot struct {
	addr  PageAddr
	buf   []byte
	dirty bool

	// lastTouch is a volume-wide tick; bonus accumulates
	// temporalHitScore for repeated touches by the owning descriptor.
	lastTouch uint64
	bonus     uint64
	owner     int
}

func (s *cacheSlot) score() uint64 { return s.lastTouch + s.bonus }

// pageCache is a fixed set of page buffers over the block device.
// Read-through for every page kind, write-back for staged mutations:
// flush is the only path that programs the device.
type pageCache struct {
	fs    *FS
	slots []cacheSlot
	clock uint64
}

func newPageCache(fs *FS, n int) *pageCache {
	c := &pageCache{fs: fs, slots: make([]cacheSlot, n)}
	for i := range c.slots {
		c.slots[i].addr = nilPage
		c.slots[i].buf = make([]byte, fs.cfg.PageSize)
		c.slots[i].owner = ownerNone
	}
	return c
}

func (c *pageCache) lookup(addr PageAddr) *cacheSlot {
	for i := range c.slots {
		if c.slots[i].addr == addr {
			return &c.slots[i]
		}
	}
	return nil
}

func (c *pageCache) touch(s *cacheSlot, owner int) {
	c.clock++
	s.lastTouch = c.clock
	if owner != ownerNone && owner == s.owner {
		s.bonus += temporalHitScore
	} else if owner != ownerNone {
		s.owner = owner
		s.bonus = 0
	}
}

// fetch returns the cached buffer for addr, faulting it in from the device
// on a miss. The returned slice aliases the slot buffer and stays valid
// only until the next cache call.
func (c *pageCache) fetch(addr PageAddr, owner int) ([]byte, error) {
	if s := c.lookup(addr); s != nil {
		c.touch(s, owner)
		return s.buf, nil
	}
	s, err := c.victim()
	if err != nil {
		return nil, err
	}
	if err := c.fs.dev.Read(c.fs.pageByteAddr(addr), s.buf); err != nil {
		s.addr = nilPage
		return nil, ioErr(err, "cache fault read")
	}
	s.addr = addr
	s.dirty = false
	s.owner = ownerNone
	s.bonus = 0
	c.touch(s, owner)
	return s.buf, nil
}

// victim picks the empty slot or the lowest scored slot, writing it back
// first when dirty.
func (c *pageCache) victim() (*cacheSlot, error) {
	var best *cacheSlot
	for i := range c.slots {
		s := &c.slots[i]
		if s.addr == nilPage {
			return s, nil
		}
		if best == nil || s.score() < best.score() {
			best = s
		}
	}
	if best.dirty {
		if err := c.writeback(best); err != nil {
			return nil, err
		}
	}
	best.addr = nilPage
	best.owner = ownerNone
	best.bonus = 0
	return best, nil
}

func (c *pageCache) markDirty(addr PageAddr) {
	if s := c.lookup(addr); s != nil {
		s.dirty = true
	}
}

func (c *pageCache) writeback(s *cacheSlot) error {
	if err := c.fs.dev.Program(c.fs.pageByteAddr(s.addr), s.buf); err != nil {
		// dirty stays set so a retry can re-attempt the program
		return ioErr(err, "cache writeback")
	}
	s.dirty = false
	return nil
}

// flush writes a single dirty page back to the device.
func (c *pageCache) flush(addr PageAddr) error {
	s := c.lookup(addr)
	if s == nil || !s.dirty {
		return nil
	}
	return c.writeback(s)
}

func (c *pageCache) flushAll() error {
	for i := range c.slots {
		s := &c.slots[i]
		if s.addr == nilPage || !s.dirty {
			continue
		}
		if err := c.writeback(s); err != nil {
			return err
		}
	}
	return nil
}

// invalidate drops a page without writeback. Used after the page has been
// logically deleted or its block erased.
func (c *pageCache) invalidate(addr PageAddr) {
	if s := c.lookup(addr); s != nil {
		s.addr = nilPage
		s.dirty = false
		s.owner = ownerNone
		s.bonus = 0
	}
}

// invalidateBlock drops every cached page of an erase block.
func (c *pageCache) invalidateBlock(b BlockIdx) {
	for i := range c.slots {
		s := &c.slots[i]
		if s.addr != nilPage && c.fs.pageBlock(s.addr) == b {
			s.addr = nilPage
			s.dirty = false
			s.owner = ownerNone
			s.bonus = 0
		}
	}
}

// dropOwner clears descriptor affinity when a handle closes, so a stale
// owner id cannot collect bonuses for an unrelated handle reusing the slot.
func (c *pageCache) dropOwner(owner int) {
	for i := range c.slots {
		if c.slots[i].owner == owner {
			c.slots[i].owner = ownerNone
			c.slots[i].bonus = 0
		}
	}
}
