package flashfs

import (
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

// countingDevice wraps MemDevice, counts device traffic and can fail the
// next N calls of each kind.
type countingDevice struct {
	*MemDevice
	reads    int
	programs int
	erases   int

	failReads    int
	failPrograms int
	failErases   int
}

func (d *countingDevice) Read(addr uint32, dst []byte) error {
	d.reads++
	if d.failReads > 0 {
		d.failReads--
		return errors.New("injected read fault")
	}
	return d.MemDevice.Read(addr, dst)
}

func (d *countingDevice) Program(addr uint32, src []byte) error {
	d.programs++
	if d.failPrograms > 0 {
		d.failPrograms--
		return errors.New("injected program fault")
	}
	return d.MemDevice.Program(addr, src)
}

func (d *countingDevice) Erase(blockIdx uint32) error {
	d.erases++
	if d.failErases > 0 {
		d.failErases--
		return errors.New("injected erase fault")
	}
	return d.MemDevice.Erase(blockIdx)
}

// cacheFixture mounts a volume on a counting device and returns a small
// standalone cache over it plus three page addresses in the last block,
// which the mounted volume itself never touches.
func cacheFixture(t *testing.T) (*pageCache, *countingDevice, [3]PageAddr) {
	t.Helper()
	cfg := testConfig(8)
	dev := &countingDevice{MemDevice: NewMemDevice(cfg.BlockSize, cfg.BlockCount)}
	if err := Format(dev, cfg); err != nil {
		t.Fatal(err)
	}
	fs, err := Mount(dev, cfg)
	if err != nil {
		t.Fatal(err)
	}
	base := fs.blockFirstPage(BlockIdx(cfg.BlockCount-1)) + 1
	return newPageCache(fs, 2), dev, [3]PageAddr{base, base + 1, base + 2}
}

func TestCacheReadThrough(t *testing.T) {
	assert := assertion.New(t)
	c, dev, pages := cacheFixture(t)

	before := dev.reads
	_, err := c.fetch(pages[0], ownerNone)
	assert.NoError(err)
	assert.Equal(before+1, dev.reads)

	// a hit never touches the device
	_, err = c.fetch(pages[0], ownerNone)
	assert.NoError(err)
	_, err = c.fetch(pages[0], ownerNone)
	assert.NoError(err)
	assert.Equal(before+1, dev.reads)
}

func TestCacheCoalescesPrograms(t *testing.T) {
	assert := assertion.New(t)
	c, dev, pages := cacheFixture(t)

	buf, err := c.fetch(pages[0], ownerNone)
	assert.NoError(err)
	buf[pageHeaderSize] = 0x11
	c.markDirty(pages[0])
	buf[pageHeaderSize+1] = 0x22
	c.markDirty(pages[0])

	before := dev.programs
	assert.NoError(c.flush(pages[0]))
	assert.Equal(before+1, dev.programs)
	// the slot is clean now, flushing again is a no-op
	assert.NoError(c.flush(pages[0]))
	assert.NoError(c.flushAll())
	assert.Equal(before+1, dev.programs)

	got := make([]byte, 2)
	assert.NoError(dev.Read(c.fs.pageByteAddr(pages[0])+pageHeaderSize, got))
	assert.Equal([]byte{0x11, 0x22}, got)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	assert := assertion.New(t)
	c, _, pages := cacheFixture(t)

	_, err := c.fetch(pages[0], ownerNone)
	assert.NoError(err)
	_, err = c.fetch(pages[1], ownerNone)
	assert.NoError(err)
	// re-touch the first page so the second is the oldest
	_, err = c.fetch(pages[0], ownerNone)
	assert.NoError(err)

	_, err = c.fetch(pages[2], ownerNone)
	assert.NoError(err)
	assert.Nil(c.lookup(pages[1]))
	assert.NotNil(c.lookup(pages[0]))
	assert.NotNil(c.lookup(pages[2]))
}

func TestCacheEvictionWritesBackDirty(t *testing.T) {
	assert := assertion.New(t)
	c, dev, pages := cacheFixture(t)

	buf, err := c.fetch(pages[0], ownerNone)
	assert.NoError(err)
	buf[pageHeaderSize] = 0x5A
	c.markDirty(pages[0])

	before := dev.programs
	// two more fetches evict the dirty page from the two slot cache
	_, err = c.fetch(pages[1], ownerNone)
	assert.NoError(err)
	_, err = c.fetch(pages[2], ownerNone)
	assert.NoError(err)
	assert.Equal(before+1, dev.programs)

	got := make([]byte, 1)
	assert.NoError(dev.Read(c.fs.pageByteAddr(pages[0])+pageHeaderSize, got))
	assert.Equal(byte(0x5A), got[0])
}

func TestCacheTemporalAffinity(t *testing.T) {
	assert := assertion.New(t)
	c, _, pages := cacheFixture(t)

	// repeated touches by the same descriptor pile up affinity bonus
	for i := 0; i < 3; i++ {
		_, err := c.fetch(pages[0], 1)
		assert.NoError(err)
	}
	// the anonymous page is more recent but carries no bonus
	for i := 0; i < 3; i++ {
		_, err := c.fetch(pages[1], ownerNone)
		assert.NoError(err)
	}

	_, err := c.fetch(pages[2], ownerNone)
	assert.NoError(err)
	assert.NotNil(c.lookup(pages[0]))
	assert.Nil(c.lookup(pages[1]))
}

func TestCacheDropOwner(t *testing.T) {
	assert := assertion.New(t)
	c, _, pages := cacheFixture(t)

	for i := 0; i < 3; i++ {
		_, err := c.fetch(pages[0], 1)
		assert.NoError(err)
	}
	for i := 0; i < 3; i++ {
		_, err := c.fetch(pages[1], ownerNone)
		assert.NoError(err)
	}

	// once the descriptor closes its pages compete on recency alone
	c.dropOwner(1)
	_, err := c.fetch(pages[2], ownerNone)
	assert.NoError(err)
	assert.Nil(c.lookup(pages[0]))
	assert.NotNil(c.lookup(pages[1]))
}

func TestCacheFlushFailureRetainsDirty(t *testing.T) {
	assert := assertion.New(t)
	c, dev, pages := cacheFixture(t)

	buf, err := c.fetch(pages[0], ownerNone)
	assert.NoError(err)
	buf[pageHeaderSize] = 0x3C
	c.markDirty(pages[0])

	dev.failPrograms = 1
	err = c.flush(pages[0])
	assert.True(errors.Is(err, ErrIO))
	// the dirty flag survives the failure so a retry can re-program
	if s := c.lookup(pages[0]); assert.NotNil(s) {
		assert.True(s.dirty)
	}

	assert.NoError(c.flush(pages[0]))
	got := make([]byte, 1)
	assert.NoError(dev.Read(c.fs.pageByteAddr(pages[0])+pageHeaderSize, got))
	assert.Equal(byte(0x3C), got[0])
}

func TestCacheFaultReadFailure(t *testing.T) {
	assert := assertion.New(t)
	c, dev, pages := cacheFixture(t)

	dev.failReads = 1
	_, err := c.fetch(pages[0], ownerNone)
	assert.True(errors.Is(err, ErrIO))
	// the slot must not keep the half-faulted page
	assert.Nil(c.lookup(pages[0]))

	_, err = c.fetch(pages[0], ownerNone)
	assert.NoError(err)
}

func TestCacheInvalidateDropsDirty(t *testing.T) {
	assert := assertion.New(t)
	c, dev, pages := cacheFixture(t)

	buf, err := c.fetch(pages[0], ownerNone)
	assert.NoError(err)
	buf[pageHeaderSize] = 0x00
	c.markDirty(pages[0])

	before := dev.programs
	c.invalidate(pages[0])
	assert.NoError(c.flushAll())
	assert.Equal(before, dev.programs)

	// the staged byte never reached the device
	got := make([]byte, 1)
	assert.NoError(dev.Read(c.fs.pageByteAddr(pages[0])+pageHeaderSize, got))
	assert.Equal(byte(0xFF), got[0])
}
