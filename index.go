package flashfs

import "github.com/pkg/errors"

// pickObjID returns the lowest id not carried by any live or
// deleted-but-unerased page. Ids freed by remove become available only
// after gc has erased every block that still held pages of the object.
func (fs *FS) pickObjID() (ObjID, error) {
	for id := firstObjID; id <= MaxObjID; id++ {
		if _, live := fs.objects[id]; live {
			continue
		}
		if _, ref := fs.retired[id]; ref {
			continue
		}
		return id, nil
	}
	return invalidObjID, errors.Wrap(ErrOutOfSpace, "object ids exhausted")
}

// createObject allocates and finalizes an index page zero for a new object.
func (fs *FS) createObject(name string, typ uint8, meta [MetaLen]byte) (*object, error) {
	if len(name) == 0 || len(name) > MaxNameLen {
		return nil, errors.Wrapf(ErrInvalidArgument, "name length %d, max %d", len(name), MaxNameLen)
	}
	id, err := fs.pickObjID()
	if err != nil {
		return nil, err
	}
	addr, err := fs.allocatePage(id, 0, true)
	if err != nil {
		return nil, err
	}
	buf, err := fs.cache.fetch(addr, ownerNone)
	if err != nil {
		return nil, err
	}
	z := indexZero{name: name, size: 0, typ: typ, meta: meta}
	if err := z.encode(buf[pageHeaderSize : pageHeaderSize+indexZeroHeaderSize]); err != nil {
		return nil, err
	}
	fs.cache.markDirty(addr)
	if err := fs.finalizePage(addr); err != nil {
		return nil, err
	}
	obj := &object{id: id, name: name, typ: typ, meta: meta, ix: []PageAddr{addr}}
	fs.objects[id] = obj
	return obj, nil
}

// resolve maps (object, data span) to the physical page holding it,
// cross-checking the target page header against the index entry.
func (fs *FS) resolve(obj *object, span uint32) (PageAddr, error) {
	ixSpan, slot := fs.spanLocation(span)
	if ixSpan >= uint32(len(obj.ix)) || obj.ix[ixSpan] == nilPage {
		return nilPage, errors.Wrapf(ErrNotFound, "object %d span %d", obj.id, span)
	}
	buf, err := fs.cache.fetch(obj.ix[ixSpan], ownerNone)
	if err != nil {
		return nilPage, err
	}
	addr := getEntry(buf, fs.entryOffset(ixSpan, slot))
	if addr == nilPage {
		return nilPage, errors.Wrapf(ErrNotFound, "object %d span %d", obj.id, span)
	}
	if !fs.validObjectPage(addr) {
		return nilPage, errors.Wrapf(ErrCorrupt,
			"object %d span %d: index entry %d out of range", obj.id, span, addr)
	}
	h, err := fs.readHeader(addr)
	if err != nil {
		return nilPage, err
	}
	if h.objID != obj.id || uint32(h.span) != span || h.index || !h.isLive() {
		return nilPage, errors.Wrapf(ErrCorrupt,
			"object %d span %d: index points at page %d owned by object %d span %d",
			obj.id, span, addr, h.objID, h.span)
	}
	return addr, nil
}

// setIndexEntry points (object, data span) at page. A still-erased entry
// slot is programmed in place; repointing an existing entry needs a
// log-structured rewrite of the index page. exclude is only set during gc
// relocation and also disables the gc-on-exhaustion retry.
func (fs *FS) setIndexEntry(obj *object, span uint32, page PageAddr, exclude BlockIdx) error {
	ixSpan, slot := fs.spanLocation(span)
	if ixSpan >= uint32(len(obj.ix)) || obj.ix[ixSpan] == nilPage {
		if err := fs.addIndexPage(obj, ixSpan, exclude); err != nil {
			return err
		}
	}
	ixAddr := obj.ix[ixSpan]
	buf, err := fs.cache.fetch(ixAddr, ownerNone)
	if err != nil {
		return err
	}
	off := fs.entryOffset(ixSpan, slot)
	if cur := getEntry(buf, off); cur != nilPage {
		return fs.rewriteIndexPage(obj, ixSpan, exclude, func(pg []byte) {
			putEntry(pg, off, page)
		})
	}
	putEntry(buf, off, page)
	fs.cache.markDirty(ixAddr)
	return nil
}

// indexReferences reports whether the live index entry for (obj, span)
// points at addr.
func (fs *FS) indexReferences(obj *object, span uint32, addr PageAddr) bool {
	ixSpan, slot := fs.spanLocation(span)
	if ixSpan >= uint32(len(obj.ix)) || obj.ix[ixSpan] == nilPage {
		return false
	}
	buf, err := fs.cache.fetch(obj.ix[ixSpan], ownerNone)
	if err != nil {
		return false
	}
	return getEntry(buf, fs.entryOffset(ixSpan, slot)) == addr
}

// repointSpan swaps the index entry for a data span from one physical page
// to another during gc relocation.
func (fs *FS) repointSpan(obj *object, span uint32, from, to PageAddr, exclude BlockIdx) error {
	ixSpan, slot := fs.spanLocation(span)
	if ixSpan >= uint32(len(obj.ix)) || obj.ix[ixSpan] == nilPage {
		return errors.Wrapf(ErrCorrupt, "object %d span %d has no index page", obj.id, span)
	}
	buf, err := fs.cache.fetch(obj.ix[ixSpan], ownerNone)
	if err != nil {
		return err
	}
	off := fs.entryOffset(ixSpan, slot)
	if cur := getEntry(buf, off); cur != from {
		return errors.Wrapf(ErrCorrupt,
			"object %d span %d: index entry %d does not match page %d", obj.id, span, cur, from)
	}
	return fs.rewriteIndexPage(obj, ixSpan, exclude, func(pg []byte) {
		putEntry(pg, off, to)
	})
}

// addIndexPage extends the object's index chain with a fresh, all-erased
// index page for sequence number ixSpan.
func (fs *FS) addIndexPage(obj *object, ixSpan uint32, exclude BlockIdx) error {
	addr, err := fs.allocIndexOrData(obj.id, ixSpan, true, exclude)
	if err != nil {
		return err
	}
	if err := fs.finalizePage(addr); err != nil {
		return err
	}
	for uint32(len(obj.ix)) <= ixSpan {
		obj.ix = append(obj.ix, nilPage)
	}
	obj.ix[ixSpan] = addr
	return nil
}

func (fs *FS) allocIndexOrData(id ObjID, span uint32, isIndex bool, exclude BlockIdx) (PageAddr, error) {
	if exclude == noExclude {
		return fs.allocatePage(id, span, isIndex)
	}
	return fs.tryAllocate(id, span, isIndex, exclude)
}

// rewriteIndexPage replaces index page ixSpan with a mutated copy:
// write the new page, repoint the in-memory chain, then retire the old
// page. Copy-then-repoint, never the other way around. The replacement is
// allocated without gc so no relocation can move pages underneath the
// staged copy; operations that might need space run maybeGC before
// touching anything.
func (fs *FS) rewriteIndexPage(obj *object, ixSpan uint32, exclude BlockIdx, mutate func(page []byte)) error {
	old := obj.ix[ixSpan]
	src, err := fs.cache.fetch(old, ownerNone)
	if err != nil {
		return err
	}
	tmp := make([]byte, fs.cfg.PageSize)
	copy(tmp, src)
	mutate(tmp)

	dst, err := fs.tryAllocate(obj.id, ixSpan, true, exclude)
	if err != nil {
		return err
	}
	buf, err := fs.cache.fetch(dst, ownerNone)
	if err != nil {
		return err
	}
	copy(buf[pageHeaderSize:], tmp[pageHeaderSize:])
	fs.cache.markDirty(dst)
	if err := fs.finalizePage(dst); err != nil {
		return err
	}
	if err := fs.cache.flush(dst); err != nil {
		return err
	}
	obj.ix[ixSpan] = dst
	return fs.markPageDeleted(old, obj.id)
}

// rewriteIndexZero rewrites the distinguished index page 0 with updated
// name, size or metadata.
func (fs *FS) rewriteIndexZero(obj *object, name string, size uint32, meta [MetaLen]byte) error {
	if len(name) == 0 || len(name) > MaxNameLen {
		return errors.Wrapf(ErrInvalidArgument, "name length %d, max %d", len(name), MaxNameLen)
	}
	if err := fs.maybeGC(); err != nil {
		return err
	}
	err := fs.rewriteIndexPage(obj, 0, noExclude, func(pg []byte) {
		z := indexZero{name: name, size: size, typ: obj.typ, meta: meta}
		// the prefix is rebuilt from scratch, encode cannot fail here
		_ = z.encode(pg[pageHeaderSize : pageHeaderSize+indexZeroHeaderSize])
	})
	if err != nil {
		return err
	}
	obj.name = name
	obj.size = size
	obj.meta = meta
	return nil
}

// removeObject logically deletes every page of obj, data and index alike.
// The pages stay physically in place until gc reclaims their blocks; the
// deleted counters they leave behind are what draws gc to those blocks.
func (fs *FS) removeObject(obj *object) error {
	for ixSpan := uint32(0); ixSpan < uint32(len(obj.ix)); ixSpan++ {
		ixAddr := obj.ix[ixSpan]
		if ixAddr == nilPage {
			continue
		}
		buf, err := fs.cache.fetch(ixAddr, ownerNone)
		if err != nil {
			return err
		}
		// snapshot the entries: marking pages deleted faults other
		// pages in and may evict this index page
		entries := make([]PageAddr, 0, fs.indexPageEntryCount(ixSpan))
		for slot := uint32(0); slot < fs.indexPageEntryCount(ixSpan); slot++ {
			if e := getEntry(buf, fs.entryOffset(ixSpan, slot)); e != nilPage {
				if !fs.validObjectPage(e) {
					return errors.Wrapf(ErrCorrupt,
						"object %d: index entry %d out of range", obj.id, e)
				}
				entries = append(entries, e)
			}
		}
		for _, e := range entries {
			if err := fs.markPageDeleted(e, obj.id); err != nil {
				return err
			}
		}
		if err := fs.markPageDeleted(ixAddr, obj.id); err != nil {
			return err
		}
	}
	delete(fs.objects, obj.id)
	return nil
}

// Remove deletes the named object. Open handles on it become invalid.
func (fs *FS) Remove(name string) error {
	if !fs.mounted {
		return ErrNotMounted
	}
	obj := fs.lookupName(name)
	if obj == nil {
		return errors.Wrap(ErrNotFound, name)
	}
	for _, f := range fs.fds {
		if f != nil && f.obj == obj {
			f.closed = true
		}
	}
	return fs.removeObject(obj)
}

// Rename changes an object's name via an index page zero rewrite. Content
// and metadata are untouched.
func (fs *FS) Rename(oldName, newName string) error {
	if !fs.mounted {
		return ErrNotMounted
	}
	obj := fs.lookupName(oldName)
	if obj == nil {
		return errors.Wrap(ErrNotFound, oldName)
	}
	if other := fs.lookupName(newName); other != nil && other != obj {
		return errors.Wrap(ErrExists, newName)
	}
	return fs.rewriteIndexZero(obj, newName, obj.size, obj.meta)
}
