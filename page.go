package flashfs

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PageAddr is an absolute page number within the volume
// (block index * pages per block + page offset).
type PageAddr uint32

// BlockIdx is an erase block number.
type BlockIdx uint32

const nilPage PageAddr = 0xFFFFFFFF

// ObjID identifies an object. 15 bits on flash; the top bit of the stored
// field marks index pages. 0xFFFF is the erased (free) value, so valid ids
// are 1..0x7FFE.
type ObjID uint16

const (
	objIDFree    uint16 = 0xFFFF
	objIDIxFlag  uint16 = 0x8000
	MaxObjID     ObjID  = 0x7FFE
	firstObjID   ObjID  = 1
	invalidObjID ObjID  = 0
)

// Page flag bits. NOR convention: the erased state is all-ones and
// programming can only clear bits, so a cleared bit asserts the flag.
// Lifecycle is strictly one-directional:
// free -> used(not final) -> used(final) -> deleted.
type PageFlag = uint8

const (
	flagUsed PageFlag = 1 << iota
	flagFinal
	flagDeleted
	flagIndex

	flagsErased PageFlag = 0xFF
)

func flagAsserted(b, flag uint8) bool { return b&flag == 0 }
func assertFlag(b, flag uint8) uint8  { return b &^ flag }

const (
	pageHeaderSize = 8

	// index page zero payload prefix: name + size + type + meta, padded
	// to a 4-byte boundary so the entry array stays aligned
	indexZeroHeaderSize = MaxNameLen + 4 + 1 + MetaLen + 3

	blockHeaderSize = 12
)

// Object types stored in the index page zero type byte.
const (
	TypeFile uint8 = 1
	TypeDir  uint8 = 2
)

// pageHeader is the decoded form of the 8-byte header that starts every
// object page: objID(2) | spanIndex(2) | flags(1) | pad(3).
type pageHeader struct {
	objID ObjID
	span  uint16
	flags PageFlag
	index bool
}

func (h pageHeader) encode(dst []byte) {
	raw := uint16(h.objID)
	if h.index {
		raw |= objIDIxFlag
	}
	binary.LittleEndian.PutUint16(dst[0:2], raw)
	binary.LittleEndian.PutUint16(dst[2:4], h.span)
	dst[4] = h.flags
	dst[5], dst[6], dst[7] = 0xFF, 0xFF, 0xFF
}

func decodePageHeader(src []byte) pageHeader {
	raw := binary.LittleEndian.Uint16(src[0:2])
	h := pageHeader{
		span:  binary.LittleEndian.Uint16(src[2:4]),
		flags: src[4],
	}
	if raw == objIDFree {
		h.objID = invalidObjID
		return h
	}
	h.index = raw&objIDIxFlag != 0
	h.objID = ObjID(raw &^ objIDIxFlag)
	return h
}

func (h pageHeader) isFree() bool    { return h.objID == invalidObjID && h.flags == flagsErased }
func (h pageHeader) isUsed() bool    { return h.objID != invalidObjID && flagAsserted(h.flags, flagUsed) }
func (h pageHeader) isDeleted() bool { return flagAsserted(h.flags, flagDeleted) }
func (h pageHeader) isFinal() bool   { return flagAsserted(h.flags, flagFinal) }
func (h pageHeader) isLive() bool    { return h.isUsed() && !h.isDeleted() }

// indexZero is the decoded payload prefix of an object's index page 0.
type indexZero struct {
	name string
	size uint32
	typ  uint8
	meta [MetaLen]byte
}

func (z indexZero) encode(dst []byte) error {
	if len(z.name) == 0 || len(z.name) > MaxNameLen {
		return errors.Wrapf(ErrInvalidArgument, "name length %d, max %d", len(z.name), MaxNameLen)
	}
	for i := 0; i < indexZeroHeaderSize; i++ {
		dst[i] = 0
	}
	copy(dst, z.name)
	binary.LittleEndian.PutUint32(dst[MaxNameLen:], z.size)
	dst[MaxNameLen+4] = z.typ
	copy(dst[MaxNameLen+5:], z.meta[:])
	return nil
}

func decodeIndexZero(src []byte) indexZero {
	var z indexZero
	n := 0
	for n < MaxNameLen && src[n] != 0 {
		n++
	}
	z.name = string(src[:n])
	z.size = binary.LittleEndian.Uint32(src[MaxNameLen:])
	z.typ = src[MaxNameLen+4]
	copy(z.meta[:], src[MaxNameLen+5:])
	return z
}

// blockHeader occupies page 0 of every erase block:
// magic(4) | version(1) | pad(3) | eraseAge(4). Programmed once per erase.
type blockHeader struct {
	magic    uint32
	version  uint8
	eraseAge uint32
}

func (b blockHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], b.magic)
	dst[4] = b.version
	dst[5], dst[6], dst[7] = 0xFF, 0xFF, 0xFF
	binary.LittleEndian.PutUint32(dst[8:12], b.eraseAge)
}

func decodeBlockHeader(src []byte) blockHeader {
	return blockHeader{
		magic:    binary.LittleEndian.Uint32(src[0:4]),
		version:  src[4],
		eraseAge: binary.LittleEndian.Uint32(src[8:12]),
	}
}

// Geometry helpers. Object pages are all pages of a block except page 0,
// which holds the block header.

func (fs *FS) pageByteAddr(p PageAddr) uint32 { return uint32(p) * fs.cfg.PageSize }

func (fs *FS) pageBlock(p PageAddr) BlockIdx { return BlockIdx(uint32(p) / fs.cfg.pagesPerBlock()) }

func (fs *FS) blockFirstPage(b BlockIdx) PageAddr {
	return PageAddr(uint32(b) * fs.cfg.pagesPerBlock())
}

func (fs *FS) isBlockHeaderPage(p PageAddr) bool {
	return uint32(p)%fs.cfg.pagesPerBlock() == 0
}

func (fs *FS) pageCount() uint32 { return fs.cfg.pagesPerBlock() * fs.cfg.BlockCount }

// validObjectPage reports whether addr can address an object page at all:
// inside the volume and not a block header page.
func (fs *FS) validObjectPage(addr PageAddr) bool {
	return uint32(addr) < fs.pageCount() && !fs.isBlockHeaderPage(addr)
}

// objectPagesPerBlock is the per-block page count available to the
// allocator.
func (fs *FS) objectPagesPerBlock() uint32 { return fs.cfg.pagesPerBlock() - 1 }

// dataPayload is the byte capacity of one data page, i.e. one span.
func (fs *FS) dataPayload() uint32 { return fs.cfg.PageSize - pageHeaderSize }

// indexZeroEntries is the span entry capacity of index page 0.
func (fs *FS) indexZeroEntries() uint32 {
	return (fs.cfg.PageSize - pageHeaderSize - indexZeroHeaderSize) / 4
}

// indexEntries is the span entry capacity of every later index page.
func (fs *FS) indexEntries() uint32 {
	return (fs.cfg.PageSize - pageHeaderSize) / 4
}

// spanLocation maps a data span index to its index page sequence number and
// the entry slot within that page.
func (fs *FS) spanLocation(span uint32) (ixSpan uint32, slot uint32) {
	zero := fs.indexZeroEntries()
	if span < zero {
		return 0, span
	}
	rest := span - zero
	per := fs.indexEntries()
	return 1 + rest/per, rest % per
}

// indexPageEntryCount is the entry capacity of index page ixSpan.
func (fs *FS) indexPageEntryCount(ixSpan uint32) uint32 {
	if ixSpan == 0 {
		return fs.indexZeroEntries()
	}
	return fs.indexEntries()
}

// entryOffset is the byte offset of an entry slot within an index page
// buffer.
func (fs *FS) entryOffset(ixSpan, slot uint32) uint32 {
	off := uint32(pageHeaderSize)
	if ixSpan == 0 {
		off += indexZeroHeaderSize
	}
	return off + slot*4
}

func getEntry(buf []byte, off uint32) PageAddr {
	return PageAddr(binary.LittleEndian.Uint32(buf[off:]))
}

func putEntry(buf []byte, off uint32, p PageAddr) {
	binary.LittleEndian.PutUint32(buf[off:], uint32(p))
}
