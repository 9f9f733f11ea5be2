package flashfs

import "github.com/pkg/errors"

var (
	ErrNotMounted      = errors.New("volume not mounted")
	ErrNotFound        = errors.New("object not found")
	ErrNotAFile        = errors.New("object is not a file")
	ErrOutOfSpace      = errors.New("out of space")
	ErrIO              = errors.New("device i/o error")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrCorrupt         = errors.New("volume corrupt")
	ErrExists          = errors.New("object already exists")
	ErrFileClosed      = errors.New("file handle closed")
	ErrReadOnly        = errors.New("file opened read-only")
	ErrTooManyFiles    = errors.New("file descriptor table full")
)

// ioErr wraps a device failure so callers can match it with
// errors.Is(err, ErrIO) while keeping the underlying cause in the chain.
func ioErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(ErrIO, "%s: %v", op, err)
}
