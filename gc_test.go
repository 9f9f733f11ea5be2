package flashfs

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func TestDeletionAccounting(t *testing.T) {
	assert := assertion.New(t)
	fs := newTestFS(t, 8)

	data := pattern(10 * int(fs.dataPayload()))
	assert.NoError(fs.WriteFile("victim", data))

	afterWrite, err := fs.Usage()
	assert.NoError(err)
	assert.Greater(afterWrite.UsedBytes, uint32(0))

	assert.NoError(fs.Remove("victim"))
	afterRemove, err := fs.Usage()
	assert.NoError(err)
	// logical delete: used drops, but deleted pages are not free yet
	assert.Zero(afterRemove.UsedBytes)
	assert.Equal(afterWrite.FreeBytes, afterRemove.FreeBytes)

	assert.NoError(fs.collectGarbage())
	afterGC, err := fs.Usage()
	assert.NoError(err)
	assert.Equal(afterGC.TotalBytes, afterGC.FreeBytes)
	assert.Greater(afterGC.FreeBytes, afterRemove.FreeBytes+10*fs.dataPayload()-1)
}

func TestGCBumpsEraseAge(t *testing.T) {
	assert := assertion.New(t)
	fs := newTestFS(t, 8)

	assert.NoError(fs.WriteFile("f", pattern(5*int(fs.dataPayload()))))
	assert.NoError(fs.Remove("f"))
	genBefore := fs.generation
	assert.NoError(fs.collectGarbage())
	assert.Greater(fs.generation, genBefore)

	bumped := false
	for b := range fs.blocks {
		if fs.blocks[b].eraseAge >= genBefore {
			bumped = true
		}
	}
	assert.True(bumped)
}

func TestFillUntilOutOfSpace(t *testing.T) {
	assert := assertion.New(t)
	fs := newTestFS(t, 8)

	var written []string
	payload := int(fs.dataPayload())
	var failed string
	for i := 0; i < 300; i++ {
		name := fmt.Sprintf("file%03d", i)
		err := fs.WriteFile(name, pattern(payload))
		if err != nil {
			assert.True(errors.Is(err, ErrOutOfSpace), "unexpected error: %v", err)
			failed = name
			break
		}
		written = append(written, name)
	}
	if failed == "" {
		t.Fatal("volume never filled up")
	}
	assert.NotEmpty(written)

	// the allocator refuses before eating the gc relocation reserve
	u, err := fs.Usage()
	assert.NoError(err)
	assert.GreaterOrEqual(u.FreeBytes, fs.objectPagesPerBlock()*fs.dataPayload())

	// everything written before the failure still reads back intact
	for _, name := range written {
		got, err := fs.ReadFile(name)
		assert.NoError(err, name)
		assert.True(bytes.Equal(pattern(payload), got), name)
	}

	// delete half, then the failing write must succeed via internal gc
	for i, name := range written {
		if i%2 == 0 {
			assert.NoError(fs.Remove(name))
		}
	}
	assert.NoError(fs.WriteFile(failed, pattern(payload)))
	got, err := fs.ReadFile(failed)
	assert.NoError(err)
	assert.True(bytes.Equal(pattern(payload), got))

	// survivors are untouched by the gc passes
	for i, name := range written {
		if i%2 != 0 {
			got, err := fs.ReadFile(name)
			assert.NoError(err, name)
			assert.True(bytes.Equal(pattern(payload), got), name)
		}
	}
}

func TestGCPreservesContent(t *testing.T) {
	assert := assertion.New(t)
	fs := newTestFS(t, 8)
	payload := int(fs.dataPayload())

	files := map[string][]byte{}
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("keep%d", i)
		data := pattern(payload*2 + i)
		assert.NoError(fs.WriteFile(name, data))
		files[name] = data
	}
	// churn: rewrite a scratch file repeatedly so deleted pages pile up
	// and gc has to run and relocate the survivors
	for i := 0; i < 40; i++ {
		err := fs.WriteFile("scratch", pattern(payload*3))
		if err != nil {
			assert.True(errors.Is(err, ErrOutOfSpace))
		}
	}

	for name, data := range files {
		got, err := fs.ReadFile(name)
		assert.NoError(err, name)
		assert.True(bytes.Equal(data, got), name)
	}
}

func TestGCSurvivesRemount(t *testing.T) {
	assert := assertion.New(t)
	fs := newTestFS(t, 8)
	payload := int(fs.dataPayload())

	data := pattern(payload * 4)
	assert.NoError(fs.WriteFile("keep", data))
	assert.NoError(fs.WriteFile("drop", pattern(payload*6)))
	assert.NoError(fs.Remove("drop"))
	assert.NoError(fs.collectGarbage())

	img, err := fs.Export()
	assert.NoError(err)
	assert.NoError(fs.Unmount())

	fs2, err := MountImage(img, testConfig(8))
	assert.NoError(err)
	got, err := fs2.ReadFile("keep")
	assert.NoError(err)
	assert.True(bytes.Equal(data, got))
	_, err = fs2.Stat("drop")
	assert.True(errors.Is(err, ErrNotFound))
}

func TestObjIDReuseDeferredUntilErase(t *testing.T) {
	assert := assertion.New(t)
	fs := newTestFS(t, 8)

	assert.NoError(fs.WriteFile("first", []byte("a")))
	firstID := fs.lookupName("first").id
	assert.NoError(fs.Remove("first"))

	// pages of the removed object are deleted but not erased, so its id
	// must not be reissued yet
	assert.NoError(fs.WriteFile("second", []byte("b")))
	secondID := fs.lookupName("second").id
	assert.NotEqual(firstID, secondID)
	assert.NotZero(fs.retired[firstID])

	assert.NoError(fs.collectGarbage())
	assert.Zero(fs.retired[firstID])

	assert.NoError(fs.WriteFile("third", []byte("c")))
	assert.Equal(firstID, fs.lookupName("third").id)
}

func TestGCNothingReclaimable(t *testing.T) {
	assert := assertion.New(t)
	fs := newTestFS(t, 8)
	// a freshly formatted volume has no deleted pages at all
	err := fs.collectGarbage()
	assert.True(errors.Is(err, ErrOutOfSpace))
}
