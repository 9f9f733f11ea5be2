package flashfs

import "github.com/pkg/errors"

const (
	// flashfsMagic = "FLFS" in bigEndian
	Magic   uint32 = 0x53464C46
	Version uint8  = 1

	// DefaultPageSize matches the logical page of common NOR parts.
	DefaultPageSize  = 256
	DefaultBlockSize = 4096

	DefaultFileDescriptors = 16
	DefaultCachePages      = 64

	// MaxNameLen is the fixed on-flash name field width, NUL padded.
	MaxNameLen = 32
	// MetaLen is the fixed on-flash user metadata blob width.
	MetaLen = 4

	// gc heuristic weights and the per-call run bound
	gcWeightDeleted  = 5
	gcWeightUsed     = -1
	gcWeightEraseAge = 50
	gcMaxRuns        = 10

	// cache slot score bonus for a touch by the slot's owning descriptor
	temporalHitScore = 4
)

// Config describes the volume geometry and in-memory resource sizing for a
// mount. Geometry is not self-describing on flash: reopening an existing
// image with a different geometry fails the magic check.
type Config struct {
	// PageSize is the allocation and cache granularity in bytes.
	PageSize uint32

	// BlockSize is the erase granularity in bytes. Must be a multiple of
	// PageSize and hold at least 8 pages.
	BlockSize uint32

	// BlockCount is the number of erase blocks in the volume.
	BlockCount uint32

	// FileDescriptors bounds the number of concurrently open handles.
	FileDescriptors int

	// CachePages is the number of page-sized cache slots.
	CachePages int

	// AutoFormat formats the volume when mount finds no valid filesystem.
	AutoFormat bool

	// Compression selects the codec used by ExportCompressed.
	Compression CompressAlgorithm
}

var DefaultConfig = &Config{
	PageSize:        DefaultPageSize,
	BlockSize:       DefaultBlockSize,
	FileDescriptors: DefaultFileDescriptors,
	CachePages:      DefaultCachePages,
	Compression:     CompSnappy,
}

func (c *Config) validate() error {
	if c.PageSize == 0 || c.BlockSize == 0 || c.BlockCount == 0 {
		return errors.Wrap(ErrInvalidArgument, "zero geometry")
	}
	if c.BlockSize < c.PageSize || c.BlockSize%c.PageSize != 0 {
		return errors.Wrap(ErrInvalidArgument, "block size not a multiple of page size")
	}
	if c.BlockSize < c.PageSize*8 {
		return errors.Wrap(ErrInvalidArgument, "fewer than 8 pages per block")
	}
	if c.PageSize < pageHeaderSize+indexZeroHeaderSize+4 {
		return errors.Wrap(ErrInvalidArgument, "page too small for an index header")
	}
	total := uint64(c.BlockSize) * uint64(c.BlockCount)
	if total > 0xFFFFFFFF {
		return errors.Wrap(ErrInvalidArgument, "volume larger than 4GiB")
	}
	if c.FileDescriptors <= 0 || c.CachePages <= 0 {
		return errors.Wrap(ErrInvalidArgument, "zero descriptor or cache sizing")
	}
	return nil
}

func (c *Config) pagesPerBlock() uint32 { return c.BlockSize / c.PageSize }

func (c *Config) totalBytes() uint32 { return c.BlockSize * c.BlockCount }
