package flashfs

import (
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// blockInfo carries the per erase block counters backing the allocator and
// the gc heuristic. free = objectPagesPerBlock - used - deleted.
type blockInfo struct {
	used     uint32
	deleted  uint32
	eraseAge uint32
}

// object is the in-memory view of one live object: its index page zero
// fields plus the physical address of every index page, by sequence number.
type object struct {
	id   ObjID
	name string
	size uint32
	typ  uint8
	meta [MetaLen]byte
	ix   []PageAddr
}

// FS is a mounted volume. One logical caller at a time; the core takes no
// internal locks, callers wanting concurrent access serialize externally.
type FS struct {
	cfg   *Config
	dev   BlockDevice
	cache *pageCache
	log   *log.Entry

	mounted bool

	blocks     []blockInfo
	cursor     BlockIdx
	generation uint32

	objects map[ObjID]*object
	// retired counts deleted-but-unerased pages per object id; an id is
	// only handed out again once no unerased page carries it.
	retired map[ObjID]uint32

	fds []*File
}

// Mount opens a volume on dev. The configured geometry must match whatever
// the image was formatted with; a failed magic or version check surfaces
// ErrCorrupt unless cfg.AutoFormat is set, in which case the volume is
// formatted and mounted empty.
func Mount(dev BlockDevice, cfg *Config) (*FS, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fs := &FS{
		cfg: cfg,
		dev: dev,
		log: log.WithFields(log.Fields{
			"page_size":   cfg.PageSize,
			"block_size":  cfg.BlockSize,
			"block_count": cfg.BlockCount,
		}),
	}
	fs.cache = newPageCache(fs, cfg.CachePages)
	fs.fds = make([]*File, cfg.FileDescriptors)

	if err := fs.scan(); err != nil {
		if !errors.Is(err, ErrCorrupt) || !cfg.AutoFormat {
			return nil, err
		}
		fs.log.WithError(err).Info("no valid filesystem, formatting")
		if err := Format(dev, cfg); err != nil {
			return nil, err
		}
		if err := fs.scan(); err != nil {
			return nil, err
		}
	}
	fs.mounted = true
	fs.log.WithField("objects", len(fs.objects)).Debug("mounted")
	return fs, nil
}

// MountImage mounts a copy of a raw exported image on a fresh MemDevice.
// The image length must match the configured geometry exactly.
func MountImage(image []byte, cfg *Config) (*FS, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if uint32(len(image)) != cfg.totalBytes() {
		return nil, errors.Wrapf(ErrInvalidArgument,
			"image is %d bytes, geometry wants %d", len(image), cfg.totalBytes())
	}
	dev, err := NewMemDeviceFromImage(cfg.BlockSize, image)
	if err != nil {
		return nil, err
	}
	return Mount(dev, cfg)
}

// Format erases every block and programs fresh block headers. Erase ages of
// a previously valid volume are preserved and bumped so wear history
// survives a reformat.
func Format(dev BlockDevice, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	hdr := make([]byte, blockHeaderSize)
	for b := uint32(0); b < cfg.BlockCount; b++ {
		addr := b * cfg.BlockSize
		age := uint32(0)
		if err := dev.Read(addr, hdr); err != nil {
			return ioErr(err, "format header read")
		}
		if old := decodeBlockHeader(hdr); old.magic == Magic {
			age = old.eraseAge + 1
		}
		if err := dev.Erase(b); err != nil {
			return ioErr(err, "format erase")
		}
		blockHeader{magic: Magic, version: Version, eraseAge: age}.encode(hdr)
		if err := dev.Program(addr, hdr); err != nil {
			return ioErr(err, "format header program")
		}
	}
	return nil
}

// Unmount flushes every dirty page and invalidates the handle. Open file
// descriptors are dropped without a final size commit.
func (fs *FS) Unmount() error {
	if !fs.mounted {
		return ErrNotMounted
	}
	err := fs.cache.flushAll()
	fs.mounted = false
	for i := range fs.fds {
		fs.fds[i] = nil
	}
	return err
}

// scan rebuilds the in-memory state from flash: block counters, erase
// generation, the object table and the retired id set.
func (fs *FS) scan() error {
	fs.blocks = make([]blockInfo, fs.cfg.BlockCount)
	fs.objects = make(map[ObjID]*object)
	fs.retired = make(map[ObjID]uint32)
	fs.generation = 0

	hdrBuf := make([]byte, pageHeaderSize)
	blkBuf := make([]byte, blockHeaderSize)
	ppb := fs.cfg.pagesPerBlock()

	for b := uint32(0); b < fs.cfg.BlockCount; b++ {
		if err := fs.dev.Read(b*fs.cfg.BlockSize, blkBuf); err != nil {
			return ioErr(err, "scan block header")
		}
		bh := decodeBlockHeader(blkBuf)
		if bh.magic != Magic {
			return errors.Wrapf(ErrCorrupt, "block %d: bad magic %#x", b, bh.magic)
		}
		if bh.version != Version {
			return errors.Wrapf(ErrCorrupt, "block %d: version %d, want %d", b, bh.version, Version)
		}
		fs.blocks[b].eraseAge = bh.eraseAge
		if bh.eraseAge >= fs.generation {
			fs.generation = bh.eraseAge + 1
		}

		for p := uint32(1); p < ppb; p++ {
			addr := PageAddr(b*ppb + p)
			if err := fs.dev.Read(fs.pageByteAddr(addr), hdrBuf); err != nil {
				return ioErr(err, "scan page header")
			}
			h := decodePageHeader(hdrBuf)
			switch {
			case h.isFree():
				// nothing
			case h.isDeleted():
				fs.blocks[b].deleted++
				if h.objID != invalidObjID {
					fs.retired[h.objID]++
				}
			case h.isUsed():
				fs.blocks[b].used++
				if h.index {
					if err := fs.scanIndexPage(addr, h); err != nil {
						return err
					}
				}
			default:
				// programmed but never marked used: treat as dead weight
				fs.blocks[b].deleted++
			}
		}
	}

	for id, obj := range fs.objects {
		if len(obj.ix) == 0 || obj.ix[0] == nilPage {
			return errors.Wrapf(ErrCorrupt, "object %d has no index page zero", id)
		}
	}

	fs.cursor = 0
	for b := range fs.blocks {
		if fs.blockFree(BlockIdx(b)) > 0 {
			fs.cursor = BlockIdx(b)
			break
		}
	}
	return nil
}

func (fs *FS) scanIndexPage(addr PageAddr, h pageHeader) error {
	obj := fs.objects[h.objID]
	if obj == nil {
		obj = &object{id: h.objID}
		fs.objects[h.objID] = obj
	}
	for uint32(len(obj.ix)) <= uint32(h.span) {
		obj.ix = append(obj.ix, nilPage)
	}
	if obj.ix[h.span] != nilPage {
		return errors.Wrapf(ErrCorrupt,
			"object %d: duplicate live index page span %d", h.objID, h.span)
	}
	obj.ix[h.span] = addr
	if h.span == 0 {
		buf := make([]byte, fs.cfg.PageSize)
		if err := fs.dev.Read(fs.pageByteAddr(addr), buf); err != nil {
			return ioErr(err, "scan index zero")
		}
		z := decodeIndexZero(buf[pageHeaderSize:])
		obj.name = z.name
		obj.size = z.size
		obj.typ = z.typ
		obj.meta = z.meta
	}
	return nil
}

func (fs *FS) blockFree(b BlockIdx) uint32 {
	return fs.objectPagesPerBlock() - fs.blocks[b].used - fs.blocks[b].deleted
}

// Usage reports capacity accounting in bytes of data payload. Deleted pages
// count as neither used nor free until gc erases their block.
type Usage struct {
	TotalBytes uint32
	UsedBytes  uint32
	FreeBytes  uint32
}

func (fs *FS) Usage() (Usage, error) {
	if !fs.mounted {
		return Usage{}, ErrNotMounted
	}
	var u Usage
	payload := fs.dataPayload()
	u.TotalBytes = fs.objectPagesPerBlock() * fs.cfg.BlockCount * payload
	for b := range fs.blocks {
		u.UsedBytes += fs.blocks[b].used * payload
		u.FreeBytes += fs.blockFree(BlockIdx(b)) * payload
	}
	return u, nil
}

// CanFit reports whether n bytes of payload could be written without
// reclaiming deleted pages first.
func (fs *FS) CanFit(n uint32) (bool, error) {
	u, err := fs.Usage()
	if err != nil {
		return false, err
	}
	return n <= u.FreeBytes, nil
}

// Entry describes one live object for List, Stat and iteration.
type Entry struct {
	Name string
	Size uint32
	Type uint8
	Meta [MetaLen]byte
}

// List returns every live object sorted by name.
func (fs *FS) List() ([]Entry, error) {
	if !fs.mounted {
		return nil, ErrNotMounted
	}
	out := make([]Entry, 0, len(fs.objects))
	for _, obj := range fs.objects {
		out = append(out, Entry{Name: obj.name, Size: obj.size, Type: obj.typ, Meta: obj.meta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat looks an object up by name. Name lookup is a linear scan over live
// index page zero entries; no secondary name index exists on flash.
func (fs *FS) Stat(name string) (Entry, error) {
	if !fs.mounted {
		return Entry{}, ErrNotMounted
	}
	obj := fs.lookupName(name)
	if obj == nil {
		return Entry{}, errors.Wrap(ErrNotFound, name)
	}
	return Entry{Name: obj.name, Size: obj.size, Type: obj.typ, Meta: obj.meta}, nil
}

func (fs *FS) lookupName(name string) *object {
	for _, obj := range fs.objects {
		if obj.name == name {
			return obj
		}
	}
	return nil
}

// Iterator is a restartable lazy walk over live objects in id order. It
// tolerates removals between calls: Next always resumes at the smallest
// live id greater than the last one returned.
type Iterator struct {
	fs   *FS
	last ObjID
}

func (fs *FS) Iterate() *Iterator { return &Iterator{fs: fs} }

func (it *Iterator) Reset() { it.last = 0 }

func (it *Iterator) Next() (Entry, bool) {
	if !it.fs.mounted {
		return Entry{}, false
	}
	var best *object
	for id, obj := range it.fs.objects {
		if id <= it.last {
			continue
		}
		if best == nil || id < best.id {
			best = obj
		}
	}
	if best == nil {
		return Entry{}, false
	}
	it.last = best.id
	return Entry{Name: best.name, Size: best.size, Type: best.typ, Meta: best.meta}, true
}

// Export flushes the cache and snapshots the raw backing bytes of the
// volume. The image can be remounted later with MountImage under the same
// geometry.
func (fs *FS) Export() ([]byte, error) {
	if !fs.mounted {
		return nil, ErrNotMounted
	}
	if err := fs.cache.flushAll(); err != nil {
		return nil, err
	}
	img := make([]byte, fs.cfg.totalBytes())
	if err := fs.dev.Read(0, img); err != nil {
		return nil, ioErr(err, "export read")
	}
	return img, nil
}
