package flashfs

import (
	"io"

	"github.com/pkg/errors"
)

// OpenFlag controls Open behavior, combinable with |.
type OpenFlag uint32

const (
	ReadOnly OpenFlag = 1 << iota
	WriteOnly
	Create
	Truncate
	Append
	Excl
)

const ReadWrite = ReadOnly | WriteOnly

func (f OpenFlag) readable() bool { return f&ReadOnly != 0 }
func (f OpenFlag) writable() bool { return f&WriteOnly != 0 }

// File is an open handle. Handles are invalidated by Close, Remove of the
// underlying object, and Unmount.
type File struct {
	fs     *FS
	obj    *object
	slot   int
	flags  OpenFlag
	pos    uint32
	closed bool
}

// Open opens or creates an object by name. The handle comes from a fixed
// descriptor table; ErrTooManyFiles when it is full.
func (fs *FS) Open(name string, flags OpenFlag) (*File, error) {
	if !fs.mounted {
		return nil, ErrNotMounted
	}
	if len(name) == 0 || len(name) > MaxNameLen {
		return nil, errors.Wrapf(ErrInvalidArgument, "name length %d, max %d", len(name), MaxNameLen)
	}
	slot := -1
	for i := range fs.fds {
		if fs.fds[i] == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, ErrTooManyFiles
	}

	obj := fs.lookupName(name)
	switch {
	case obj == nil && flags&Create == 0:
		return nil, errors.Wrap(ErrNotFound, name)
	case obj == nil:
		var err error
		if obj, err = fs.createObject(name, TypeFile, [MetaLen]byte{}); err != nil {
			return nil, err
		}
	case flags&Excl != 0:
		return nil, errors.Wrap(ErrExists, name)
	case obj.typ != TypeFile:
		return nil, errors.Wrap(ErrNotAFile, name)
	}

	if flags&Truncate != 0 && flags.writable() {
		if err := fs.truncateObject(obj); err != nil {
			return nil, err
		}
	}

	f := &File{fs: fs, obj: obj, slot: slot, flags: flags}
	fs.fds[slot] = f
	return f, nil
}

func (f *File) valid() error {
	if f.fs == nil || !f.fs.mounted {
		return ErrNotMounted
	}
	if f.closed {
		return ErrFileClosed
	}
	return nil
}

// Size reports the committed object size.
func (f *File) Size() (uint32, error) {
	if err := f.valid(); err != nil {
		return 0, err
	}
	return f.obj.size, nil
}

// Seek repositions the handle. Offsets are clamped to [0, size]; the core
// does not support sparse objects, so seeking cannot create holes.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if err := f.valid(); err != nil {
		return 0, err
	}
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(f.pos)
	case io.SeekEnd:
		base = int64(f.obj.size)
	default:
		return 0, errors.Wrapf(ErrInvalidArgument, "seek whence %d", whence)
	}
	target := base + offset
	if target < 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "seek before start: %d", target)
	}
	if target > int64(f.obj.size) {
		target = int64(f.obj.size)
	}
	f.pos = uint32(target)
	return target, nil
}

// Read copies up to len(p) bytes from the current position. Reading at or
// past end of file is a short read (possibly zero bytes), never an error.
func (f *File) Read(p []byte) (int, error) {
	if err := f.valid(); err != nil {
		return 0, err
	}
	if !f.flags.readable() {
		return 0, errors.Wrap(ErrInvalidArgument, "handle not open for reading")
	}
	payload := f.fs.dataPayload()
	read := 0
	for read < len(p) && f.pos < f.obj.size {
		span := f.pos / payload
		off := f.pos % payload
		n := payload - off
		if rest := f.obj.size - f.pos; n > rest {
			n = rest
		}
		if int(n) > len(p)-read {
			n = uint32(len(p) - read)
		}
		addr, err := f.fs.resolve(f.obj, span)
		if errors.Is(err, ErrNotFound) {
			return read, errors.Wrapf(ErrCorrupt, "object %d: size %d but span %d missing",
				f.obj.id, f.obj.size, span)
		}
		if err != nil {
			return read, err
		}
		buf, err := f.fs.cache.fetch(addr, f.slot)
		if err != nil {
			return read, err
		}
		copy(p[read:], buf[pageHeaderSize+off:pageHeaderSize+off+n])
		f.pos += n
		read += int(n)
	}
	return read, nil
}

// Write stages data span by span through the page cache. Sub-page writes
// coalesce into the cached buffer; bytes whose page area is already
// programmed force a log-structured rewrite of that data page. The object
// size is committed in one index page zero rewrite after the last span, so
// a write that dies of ErrOutOfSpace leaves the size untouched; already
// rewritten spans below the old size keep their new content
// (last-write-wins partial commit, see DESIGN.md).
func (f *File) Write(p []byte) (int, error) {
	if err := f.valid(); err != nil {
		return 0, err
	}
	if !f.flags.writable() {
		return 0, errors.Wrap(ErrReadOnly, "handle not open for writing")
	}
	if f.flags&Append != 0 {
		f.pos = f.obj.size
	}
	payload := f.fs.dataPayload()
	// span indexes are 16 bit on flash
	if maxObj := uint64(0x10000) * uint64(payload); uint64(f.pos)+uint64(len(p)) > maxObj {
		return 0, errors.Wrapf(ErrInvalidArgument, "write beyond %d byte object limit", maxObj)
	}
	written := 0
	for written < len(p) {
		span := f.pos / payload
		off := f.pos % payload
		n := payload - off
		if int(n) > len(p)-written {
			n = uint32(len(p) - written)
		}
		if err := f.writeSpan(span, off, p[written:written+int(n)]); err != nil {
			return written, err
		}
		f.pos += n
		written += int(n)
	}

	if f.pos > f.obj.size {
		if err := f.fs.rewriteIndexZero(f.obj, f.obj.name, f.pos, f.obj.meta); err != nil {
			return written, err
		}
	}
	return written, nil
}

// writeSpan merges chunk into the page backing span at byte offset off,
// creating or rewriting the page as needed. Allocations that can trigger
// gc happen before any physical address is relied on; afterwards the span
// is re-resolved because relocation may have moved it.
func (f *File) writeSpan(span, off uint32, chunk []byte) error {
	fs := f.fs
	addr, err := fs.resolve(f.obj, span)
	switch {
	case errors.Is(err, ErrNotFound):
		return f.writeFreshSpan(span, off, chunk)
	case err != nil:
		return err
	}

	buf, err := fs.cache.fetch(addr, f.slot)
	if err != nil {
		return err
	}
	target := buf[pageHeaderSize+off : pageHeaderSize+off+uint32(len(chunk))]
	if allErased(target) {
		// coalesce in place: the bits are still erased, a later program
		// of the whole page only clears them
		copy(target, chunk)
		fs.cache.markDirty(addr)
		return nil
	}

	// the page area is already programmed: write a merged replacement
	// page and repoint the index
	repl, err := fs.allocatePage(f.obj.id, span, false)
	if err != nil {
		return err
	}
	from, err := fs.resolve(f.obj, span)
	if err != nil {
		return err
	}
	src, err := fs.cache.fetch(from, f.slot)
	if err != nil {
		return err
	}
	tmp := make([]byte, fs.cfg.PageSize)
	copy(tmp, src)
	copy(tmp[pageHeaderSize+off:], chunk)

	dst, err := fs.cache.fetch(repl, f.slot)
	if err != nil {
		return err
	}
	copy(dst[pageHeaderSize:], tmp[pageHeaderSize:])
	fs.cache.markDirty(repl)
	if err := fs.finalizePage(repl); err != nil {
		return err
	}
	if err := fs.repointSpan(f.obj, span, from, repl, noExclude); err != nil {
		return err
	}
	return fs.markPageDeleted(from, f.obj.id)
}

// writeFreshSpan backs a never-written span with a new data page. The
// index slot is secured first so that linking the filled page afterwards
// cannot allocate, leaving no window where a live page is unreachable
// from the index.
func (f *File) writeFreshSpan(span, off uint32, chunk []byte) error {
	fs := f.fs
	ixSpan, _ := fs.spanLocation(span)
	if ixSpan >= uint32(len(f.obj.ix)) || f.obj.ix[ixSpan] == nilPage {
		if err := fs.addIndexPage(f.obj, ixSpan, noExclude); err != nil {
			return err
		}
	}
	addr, err := fs.allocatePage(f.obj.id, span, false)
	if err != nil {
		return err
	}
	buf, err := fs.cache.fetch(addr, f.slot)
	if err != nil {
		return err
	}
	copy(buf[pageHeaderSize+off:], chunk)
	fs.cache.markDirty(addr)
	if err := fs.finalizePage(addr); err != nil {
		return err
	}
	return fs.setIndexEntry(f.obj, span, addr, noExclude)
}

// Flush forces every staged page of the volume to the device.
func (f *File) Flush() error {
	if err := f.valid(); err != nil {
		return err
	}
	return f.fs.cache.flushAll()
}

// Close flushes staged pages and releases the descriptor slot.
func (f *File) Close() error {
	if f.fs == nil || !f.fs.mounted {
		return ErrNotMounted
	}
	if f.closed {
		return nil
	}
	err := f.fs.cache.flushAll()
	f.fs.cache.dropOwner(f.slot)
	f.fs.fds[f.slot] = nil
	f.closed = true
	return err
}

// truncateObject drops every data page and trailing index page of obj and
// commits a zero size. The empty replacement index page zero is written
// before any page is retired.
func (fs *FS) truncateObject(obj *object) error {
	if obj.size == 0 && len(obj.ix) == 1 {
		return nil
	}
	if err := fs.maybeGC(); err != nil {
		return err
	}

	// collect current data pages before the index changes under us
	payload := fs.dataPayload()
	spans := (obj.size + payload - 1) / payload
	var data []PageAddr
	for span := uint32(0); span < spans; span++ {
		addr, err := fs.resolve(obj, span)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		data = append(data, addr)
	}

	err := fs.rewriteIndexPage(obj, 0, noExclude, func(pg []byte) {
		z := indexZero{name: obj.name, size: 0, typ: obj.typ, meta: obj.meta}
		_ = z.encode(pg[pageHeaderSize : pageHeaderSize+indexZeroHeaderSize])
		for i := fs.entryOffset(0, 0); i < fs.cfg.PageSize; i++ {
			pg[i] = 0xFF
		}
	})
	if err != nil {
		return err
	}
	for _, addr := range data {
		if err := fs.markPageDeleted(addr, obj.id); err != nil {
			return err
		}
	}
	for ixSpan := uint32(1); ixSpan < uint32(len(obj.ix)); ixSpan++ {
		if obj.ix[ixSpan] == nilPage {
			continue
		}
		if err := fs.markPageDeleted(obj.ix[ixSpan], obj.id); err != nil {
			return err
		}
	}
	obj.ix = obj.ix[:1]
	obj.size = 0
	return nil
}

// WriteFile replaces the named object's content wholesale, creating it if
// needed.
func (fs *FS) WriteFile(name string, data []byte) error {
	f, err := fs.Open(name, ReadWrite|Create|Truncate)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadFile returns the named object's full content.
func (fs *FS) ReadFile(name string) ([]byte, error) {
	f, err := fs.Open(name, ReadOnly)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	n, err := f.Read(out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// UpdateMeta rewrites the user metadata blob of the named object.
func (fs *FS) UpdateMeta(name string, meta [MetaLen]byte) error {
	if !fs.mounted {
		return ErrNotMounted
	}
	obj := fs.lookupName(name)
	if obj == nil {
		return errors.Wrap(ErrNotFound, name)
	}
	return fs.rewriteIndexZero(obj, obj.name, obj.size, meta)
}

func allErased(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}
