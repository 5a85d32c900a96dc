package pdata

import "github.com/cockroachdb/errors"

var (
	ErrClosed            = errors.New("closed")
	ErrNotFound          = errors.New("not found")
	ErrWouldBlock        = errors.New("would block")
	ErrInterrupted       = errors.New("interrupted")
	ErrIO                = errors.New("i/o error")
	ErrBadChecksum       = errors.New("bad checksum")
	ErrBadBlockNumber    = errors.New("bad block number")
	ErrBadNode           = errors.New("bad node")
	ErrBadSuperblock     = errors.New("bad superblock")
	ErrValidatorMismatch = errors.New("validator mismatch")
	ErrDeviceTooSmall    = errors.New("device too small")
	ErrInvalidBlockSize  = errors.New("invalid block size")
	ErrInvalidCacheSize  = errors.New("invalid cache size")
	ErrOutOfRange        = errors.New("out of range")
	ErrNoSpace           = errors.New("no space")
	ErrUnsupported       = errors.New("unsupported")
)
