package flashfs

import (
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func TestMemDeviceProgramClearsBitsOnly(t *testing.T) {
	assert := assertion.New(t)
	dev := NewMemDevice(4096, 1)

	assert.NoError(dev.Program(0, []byte{0xF0}))
	got := make([]byte, 1)
	assert.NoError(dev.Read(0, got))
	assert.Equal(byte(0xF0), got[0])

	// programming can only clear bits: 0xF0 & 0x0F = 0x00, never 0x0F
	assert.NoError(dev.Program(0, []byte{0x0F}))
	assert.NoError(dev.Read(0, got))
	assert.Equal(byte(0x00), got[0])

	assert.NoError(dev.Erase(0))
	assert.NoError(dev.Read(0, got))
	assert.Equal(byte(0xFF), got[0])
}

func TestMemDeviceBounds(t *testing.T) {
	assert := assertion.New(t)
	dev := NewMemDevice(4096, 2)

	assert.True(errors.Is(dev.Read(8192, make([]byte, 1)), ErrInvalidArgument))
	assert.True(errors.Is(dev.Program(8191, []byte{0, 0}), ErrInvalidArgument))
	assert.True(errors.Is(dev.Erase(2), ErrInvalidArgument))
}

func TestMemDeviceFromImage(t *testing.T) {
	assert := assertion.New(t)

	_, err := NewMemDeviceFromImage(4096, make([]byte, 1000))
	assert.True(errors.Is(err, ErrInvalidArgument))
	_, err = NewMemDeviceFromImage(4096, nil)
	assert.True(errors.Is(err, ErrInvalidArgument))

	img := make([]byte, 8192)
	img[0] = 0xAB
	dev, err := NewMemDeviceFromImage(4096, img)
	assert.NoError(err)

	// the device holds a copy, not the caller's slice
	img[0] = 0xCD
	got := make([]byte, 1)
	assert.NoError(dev.Read(0, got))
	assert.Equal(byte(0xAB), got[0])

	snap := dev.Image()
	assert.Len(snap, 8192)
	assert.Equal(byte(0xAB), snap[0])
}
