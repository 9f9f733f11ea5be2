package flashfs

import "github.com/pkg/errors"

const noExclude BlockIdx = 0xFFFFFFFF

// readHeader decodes a page header, preferring the cached copy so staged
// allocations and deletions are visible before they reach flash.
func (fs *FS) readHeader(addr PageAddr) (pageHeader, error) {
	if s := fs.cache.lookup(addr); s != nil {
		return decodePageHeader(s.buf), nil
	}
	buf := make([]byte, pageHeaderSize)
	if err := fs.dev.Read(fs.pageByteAddr(addr), buf); err != nil {
		return pageHeader{}, ioErr(err, "page header read")
	}
	return decodePageHeader(buf), nil
}

// totalFreePages is the count of erased object pages across the volume.
func (fs *FS) totalFreePages() uint32 {
	var n uint32
	for b := range fs.blocks {
		n += fs.blockFree(BlockIdx(b))
	}
	return n
}

// maybeGC runs a collection pass when the free page reserve has dropped to
// one block's worth or less, so gc always has room to relocate into and
// later non-gc allocations in the same operation do not run dry.
// A fruitless pass is not an error here.
func (fs *FS) maybeGC() error {
	if fs.totalFreePages() > fs.objectPagesPerBlock() {
		return nil
	}
	if err := fs.collectGarbage(); err != nil && !errors.Is(err, ErrOutOfSpace) {
		return err
	}
	return nil
}

// allocatePage hands out a free page for (id, span), staging its header
// through the cache with the used flag asserted (plus the index flag for
// index pages). One block's worth of pages is held back as relocation
// room for gc: when even a collection pass cannot lift the free count
// above that reserve the allocation fails with ErrOutOfSpace, while gc
// and index rewrites keep drawing from the reserve via tryAllocate.
//
// Because gc relocates live pages, callers must not hold physical page
// addresses across this call; re-resolve instead.
func (fs *FS) allocatePage(id ObjID, span uint32, isIndex bool) (PageAddr, error) {
	if err := fs.maybeGC(); err != nil {
		return nilPage, err
	}
	if fs.totalFreePages() <= fs.objectPagesPerBlock() {
		return nilPage, errors.Wrap(ErrOutOfSpace, "free page reserve exhausted")
	}
	return fs.tryAllocate(id, span, isIndex, noExclude)
}

// tryAllocate scans for a free page without ever invoking gc: the cursor
// block first to keep the log sequential, then following blocks in index
// order, wrapping. exclude skips the block gc is currently reclaiming.
func (fs *FS) tryAllocate(id ObjID, span uint32, isIndex bool, exclude BlockIdx) (PageAddr, error) {
	ppb := fs.cfg.pagesPerBlock()
	for i := uint32(0); i < fs.cfg.BlockCount; i++ {
		b := BlockIdx((uint32(fs.cursor) + i) % fs.cfg.BlockCount)
		if b == exclude || fs.blockFree(b) == 0 {
			continue
		}
		base := fs.blockFirstPage(b)
		for p := uint32(1); p < ppb; p++ {
			addr := base + PageAddr(p)
			h, err := fs.readHeader(addr)
			if err != nil {
				return nilPage, err
			}
			if !h.isFree() {
				continue
			}
			if err := fs.stampHeader(addr, id, span, isIndex); err != nil {
				return nilPage, err
			}
			fs.blocks[b].used++
			fs.cursor = b
			return addr, nil
		}
		// counters promised a free page but the scan found none
		return nilPage, errors.Wrapf(ErrCorrupt, "block %d: free count mismatch", b)
	}
	return nilPage, errors.Wrap(ErrOutOfSpace, "no free pages")
}

// stampHeader writes a fresh page header into the cached buffer. The page
// leaves the free state here and can only return to it via a block erase.
func (fs *FS) stampHeader(addr PageAddr, id ObjID, span uint32, isIndex bool) error {
	buf, err := fs.cache.fetch(addr, ownerNone)
	if err != nil {
		return err
	}
	flags := assertFlag(flagsErased, flagUsed)
	if isIndex {
		flags = assertFlag(flags, flagIndex)
	}
	pageHeader{objID: id, span: uint16(span), flags: flags, index: isIndex}.encode(buf)
	fs.cache.markDirty(addr)
	return nil
}

// finalizePage asserts the final flag once a page's content is complete.
func (fs *FS) finalizePage(addr PageAddr) error {
	buf, err := fs.cache.fetch(addr, ownerNone)
	if err != nil {
		return err
	}
	buf[4] = assertFlag(buf[4], flagFinal)
	fs.cache.markDirty(addr)
	return nil
}

// markPageDeleted retires a page logically. Physical reclamation is
// deferred to gc; until the block is erased the id stays in the retired
// set and cannot be reissued.
func (fs *FS) markPageDeleted(addr PageAddr, id ObjID) error {
	buf, err := fs.cache.fetch(addr, ownerNone)
	if err != nil {
		return err
	}
	buf[4] = assertFlag(buf[4], flagDeleted)
	fs.cache.markDirty(addr)
	b := fs.pageBlock(addr)
	fs.blocks[b].used--
	fs.blocks[b].deleted++
	fs.retired[id]++
	return nil
}
