package flashfs

import "github.com/pkg/errors"

// BlockDevice is the raw flash contract. Program may only clear bits
// (1 -> 0); Erase resets a whole block to all-ones. The core never retries
// a failed device call, any retry policy belongs to the adapter.
type BlockDevice interface {
	// Read copies len(dst) bytes starting at the absolute byte address.
	Read(addr uint32, dst []byte) error
	// Program writes len(src) bytes at the absolute byte address.
	Program(addr uint32, src []byte) error
	// Erase resets erase block blockIdx to 0xFF.
	Erase(blockIdx uint32) error
}

// MemDevice is a RAM-backed BlockDevice with NOR semantics: programming
// ANDs the new bytes onto the old, erasing fills the block with 0xFF.
// It backs tests, the CLI and image import.
type MemDevice struct {
	blockSize uint32
	mem       []byte
}

func NewMemDevice(blockSize, blockCount uint32) *MemDevice {
	d := &MemDevice{
		blockSize: blockSize,
		mem:       make([]byte, blockSize*blockCount),
	}
	for i := range d.mem {
		d.mem[i] = 0xFF
	}
	return d
}

// NewMemDeviceFromImage wraps a copy of image. The image length must be an
// exact multiple of blockSize.
func NewMemDeviceFromImage(blockSize uint32, image []byte) (*MemDevice, error) {
	if blockSize == 0 || len(image) == 0 || uint32(len(image))%blockSize != 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "image length not a multiple of block size")
	}
	d := &MemDevice{blockSize: blockSize, mem: make([]byte, len(image))}
	copy(d.mem, image)
	return d, nil
}

func (d *MemDevice) Read(addr uint32, dst []byte) error {
	if int(addr)+len(dst) > len(d.mem) {
		return errors.Wrapf(ErrInvalidArgument, "read beyond device: addr %d len %d", addr, len(dst))
	}
	copy(dst, d.mem[addr:])
	return nil
}

func (d *MemDevice) Program(addr uint32, src []byte) error {
	if int(addr)+len(src) > len(d.mem) {
		return errors.Wrapf(ErrInvalidArgument, "program beyond device: addr %d len %d", addr, len(src))
	}
	for i, b := range src {
		d.mem[addr+uint32(i)] &= b
	}
	return nil
}

func (d *MemDevice) Erase(blockIdx uint32) error {
	start := blockIdx * d.blockSize
	if int(start)+int(d.blockSize) > len(d.mem) {
		return errors.Wrapf(ErrInvalidArgument, "erase beyond device: block %d", blockIdx)
	}
	for i := uint32(0); i < d.blockSize; i++ {
		d.mem[start+i] = 0xFF
	}
	return nil
}

// Image returns a snapshot copy of the raw backing bytes.
func (d *MemDevice) Image() []byte {
	out := make([]byte, len(d.mem))
	copy(out, d.mem)
	return out
}
