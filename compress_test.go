package flashfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func TestCompressedSnapshotRoundTrip(t *testing.T) {
	assert := assertion.New(t)

	for _, alg := range []CompressAlgorithm{CompSnappy, CompLz4, CompNone} {
		cfg := testConfig(16)
		cfg.Compression = alg
		dev := NewMemDevice(cfg.BlockSize, cfg.BlockCount)
		assert.NoError(Format(dev, cfg))
		fs, err := Mount(dev, cfg)
		assert.NoError(err)

		data := pattern(3000)
		assert.NoError(fs.WriteFile("payload.bin", data))

		snap, err := fs.ExportCompressed()
		assert.NoError(err)
		assert.Equal(uint16(alg), binary.LittleEndian.Uint16(snap))
		if alg != CompNone {
			// a mostly erased image compresses well below the raw size
			assert.Less(len(snap), int(cfg.totalBytes()))
		}
		assert.NoError(fs.Unmount())

		fs2, err := MountCompressedImage(snap, testConfig(16))
		assert.NoError(err, "alg %d", alg)
		got, err := fs2.ReadFile("payload.bin")
		assert.NoError(err)
		assert.True(bytes.Equal(data, got), "alg %d", alg)
		assert.NoError(fs2.Unmount())
	}
}

func TestMountCompressedImageRejectsJunk(t *testing.T) {
	assert := assertion.New(t)

	_, err := MountCompressedImage([]byte{0x01}, testConfig(8))
	assert.True(errors.Is(err, ErrInvalidArgument))

	// unknown algorithm tag
	bad := []byte{0xEE, 0xEE, 1, 2, 3}
	_, err = MountCompressedImage(bad, testConfig(8))
	assert.True(errors.Is(err, ErrInvalidArgument))

	// valid tag, garbage body
	junk := append([]byte{byte(CompSnappy), 0}, 1, 2, 3, 4)
	_, err = MountCompressedImage(junk, testConfig(8))
	assert.Error(err)
}

func TestBadCompressionConfig(t *testing.T) {
	assert := assertion.New(t)
	cfg := testConfig(8)
	cfg.Compression = CompressAlgorithm(99)
	dev := NewMemDevice(cfg.BlockSize, cfg.BlockCount)
	assert.NoError(Format(dev, cfg))
	fs, err := Mount(dev, cfg)
	assert.NoError(err)

	_, err = fs.ExportCompressed()
	assert.True(errors.Is(err, ErrInvalidArgument))
}
