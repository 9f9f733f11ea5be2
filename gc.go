package flashfs

import "github.com/pkg/errors"

// blockScore is the reclamation heuristic. Deleted pages free space as soon
// as the block is erased, used pages cost a relocation each, and a large
// erase-age distance pulls long-untouched blocks in for wear leveling.
func (fs *FS) blockScore(b BlockIdx) int64 {
	info := &fs.blocks[b]
	age := int64(fs.generation - info.eraseAge)
	return gcWeightDeleted*int64(info.deleted) +
		gcWeightUsed*int64(info.used) +
		gcWeightEraseAge*age
}

// collectGarbage reclaims up to gcMaxRuns erase blocks. Each run picks the
// highest scoring block that holds deleted pages and whose live pages fit
// in the free pages of the rest of the volume, relocates the live pages,
// and erases it. Stops early once nothing reclaimable remains.
func (fs *FS) collectGarbage() error {
	for run := 0; run < gcMaxRuns; run++ {
		victim, ok := fs.pickVictim()
		if !ok {
			if run == 0 {
				return errors.Wrap(ErrOutOfSpace, "nothing reclaimable")
			}
			return nil
		}
		fs.log.WithFields(map[string]interface{}{
			"block":   victim,
			"used":    fs.blocks[victim].used,
			"deleted": fs.blocks[victim].deleted,
			"run":     run,
		}).Debug("gc reclaiming block")
		if err := fs.reclaimBlock(victim); err != nil {
			// the victim block is left unreclaimed; relocation only
			// ever wrote complete new copies, so the index is intact
			return err
		}
	}
	return nil
}

func (fs *FS) pickVictim() (BlockIdx, bool) {
	// prefer leaving the active allocation block alone, but fall back to
	// it when it holds the only reclaimable pages
	if b, ok := fs.pickVictimExcluding(fs.cursor); ok {
		return b, ok
	}
	return fs.pickVictimExcluding(noExclude)
}

func (fs *FS) pickVictimExcluding(exclude BlockIdx) (BlockIdx, bool) {
	free := fs.totalFreePages()
	var best BlockIdx
	var bestScore int64
	found := false
	for b := uint32(0); b < fs.cfg.BlockCount; b++ {
		idx := BlockIdx(b)
		info := &fs.blocks[b]
		if idx == exclude || info.deleted == 0 {
			continue
		}
		// relocations land outside the victim, and every relocated data
		// page can force an index page rewrite on top of its own copy,
		// so budget two fresh pages per live page
		if 2*info.used > free-fs.blockFree(idx) {
			continue
		}
		if s := fs.blockScore(idx); !found || s > bestScore {
			best, bestScore, found = idx, s, true
		}
	}
	return best, found
}

// reclaimBlock relocates every live page out of b, then erases it.
func (fs *FS) reclaimBlock(b BlockIdx) error {
	ppb := fs.cfg.pagesPerBlock()
	base := fs.blockFirstPage(b)
	for p := uint32(1); p < ppb; p++ {
		addr := base + PageAddr(p)
		h, err := fs.readHeader(addr)
		if err != nil {
			return err
		}
		if !h.isLive() {
			continue
		}
		if err := fs.relocatePage(addr, h, b); err != nil {
			return err
		}
	}
	return fs.eraseBlock(b)
}

// relocatePage moves one live page out of the block under reclamation:
// copy to a fresh page, repoint whatever references it, and only then
// retire the old copy. Never repoint-then-copy.
func (fs *FS) relocatePage(addr PageAddr, h pageHeader, exclude BlockIdx) error {
	obj := fs.objects[h.objID]
	if obj == nil || (!h.index && !fs.indexReferences(obj, uint32(h.span), addr)) {
		if h.index && obj == nil {
			return errors.Wrapf(ErrCorrupt, "live index page %d of unknown object %d", addr, h.objID)
		}
		// a data page no index entry points at: leftover of an
		// interrupted write, reclaim it instead of relocating
		fs.log.WithFields(map[string]interface{}{
			"page":   addr,
			"object": h.objID,
			"span":   h.span,
		}).Warn("gc dropping orphan data page")
		return fs.markPageDeleted(addr, h.objID)
	}

	src, err := fs.cache.fetch(addr, ownerNone)
	if err != nil {
		return err
	}
	tmp := make([]byte, fs.cfg.PageSize)
	copy(tmp, src)

	dst, err := fs.tryAllocate(h.objID, uint32(h.span), h.index, exclude)
	if err != nil {
		return err
	}
	buf, err := fs.cache.fetch(dst, ownerNone)
	if err != nil {
		return err
	}
	copy(buf[pageHeaderSize:], tmp[pageHeaderSize:])
	// carry the original flags so a finalized page stays finalized
	pageHeader{objID: h.objID, span: h.span, flags: h.flags, index: h.index}.encode(buf)
	fs.cache.markDirty(dst)
	if err := fs.cache.flush(dst); err != nil {
		return err
	}

	if h.index {
		// index pages are only referenced by the in-memory map
		if uint32(h.span) >= uint32(len(obj.ix)) || obj.ix[h.span] != addr {
			return errors.Wrapf(ErrCorrupt, "object %d: index page span %d not at %d", h.objID, h.span, addr)
		}
		obj.ix[h.span] = dst
	} else {
		if err := fs.repointSpan(obj, uint32(h.span), addr, dst, exclude); err != nil {
			return err
		}
	}
	// the deleted mark stays staged in the cache; the erase that follows
	// drops it together with the rest of the block
	return fs.markPageDeleted(addr, h.objID)
}

// eraseBlock erases b after dropping its cached pages, resets its
// counters, stamps a fresh header with the current generation and bumps
// the generation. Retired ids whose last unerased page lived here become
// reusable.
func (fs *FS) eraseBlock(b BlockIdx) error {
	ppb := fs.cfg.pagesPerBlock()
	base := fs.blockFirstPage(b)
	for p := uint32(1); p < ppb; p++ {
		h, err := fs.readHeader(base + PageAddr(p))
		if err != nil {
			return err
		}
		if h.objID != invalidObjID && h.isDeleted() {
			if n, ok := fs.retired[h.objID]; ok {
				if n <= 1 {
					delete(fs.retired, h.objID)
				} else {
					fs.retired[h.objID] = n - 1
				}
			}
		}
	}

	fs.cache.invalidateBlock(b)
	if err := fs.dev.Erase(uint32(b)); err != nil {
		return ioErr(err, "gc erase")
	}
	hdr := make([]byte, blockHeaderSize)
	blockHeader{magic: Magic, version: Version, eraseAge: fs.generation}.encode(hdr)
	if err := fs.dev.Program(uint32(b)*fs.cfg.BlockSize, hdr); err != nil {
		return ioErr(err, "gc header program")
	}
	fs.blocks[b] = blockInfo{eraseAge: fs.generation}
	fs.generation++
	return nil
}
