package flashfs

import (
	"bytes"
	"encoding/binary"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

type CompressAlgorithm uint16

const (
	CompSnappy CompressAlgorithm = iota // default
	CompNone
	CompLz4
)

type Compressor func([]byte) []byte
type DeCompressor func([]byte) ([]byte, error)

var (
	SnappyCompress Compressor = func(in []byte) []byte {
		return snappy.Encode(nil, in)
	}
	SnappyDeCompress DeCompressor = func(in []byte) ([]byte, error) {
		return snappy.Decode(nil, in)
	}
)

var (
	Lz4Compress Compressor = func(in []byte) []byte {
		buf := &bytes.Buffer{}
		writer := lz4.NewWriter(buf)
		defer writer.Close()
		writer.NoChecksum = true
		_, err := writer.Write(in)
		if err != nil {
			panic(err)
		}
		_ = writer.Flush()
		return buf.Bytes()
	}

	Lz4DeCompress DeCompressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		reader := lz4.NewReader(bytes.NewReader(in))
		_, err := buf.ReadFrom(reader)
		return buf.Bytes(), err
	}
)

var noneCompress Compressor = func(in []byte) []byte { return in }

var noneDeCompress DeCompressor = func(in []byte) ([]byte, error) { return in, nil }

func codec(alg CompressAlgorithm) (Compressor, DeCompressor, error) {
	switch alg {
	case CompSnappy:
		return SnappyCompress, SnappyDeCompress, nil
	case CompNone:
		return noneCompress, noneDeCompress, nil
	case CompLz4:
		return Lz4Compress, Lz4DeCompress, nil
	default:
		return nil, nil, errors.Wrapf(ErrInvalidArgument, "compression algorithm %d", alg)
	}
}

// ExportCompressed snapshots the volume like Export but compresses the
// image with the configured algorithm. The snapshot is self-describing:
// a 2-byte algorithm tag precedes the compressed bytes. Flash images are
// mostly erased 0xFF runs, so even snappy shrinks them drastically.
func (fs *FS) ExportCompressed() ([]byte, error) {
	img, err := fs.Export()
	if err != nil {
		return nil, err
	}
	comp, _, err := codec(fs.cfg.Compression)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2, 2+len(img))
	binary.LittleEndian.PutUint16(out, uint16(fs.cfg.Compression))
	return append(out, comp(img)...), nil
}

// MountCompressedImage decompresses an ExportCompressed snapshot and
// mounts it on a fresh MemDevice.
func MountCompressedImage(snapshot []byte, cfg *Config) (*FS, error) {
	if len(snapshot) < 2 {
		return nil, errors.Wrap(ErrInvalidArgument, "snapshot too short")
	}
	alg := CompressAlgorithm(binary.LittleEndian.Uint16(snapshot))
	_, decomp, err := codec(alg)
	if err != nil {
		return nil, err
	}
	img, err := decomp(snapshot[2:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress snapshot")
	}
	return MountImage(img, cfg)
}
