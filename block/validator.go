package block

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
)

// CRC32 is a Validator that keeps a salted checksum of data[4:] in the
// first four bytes of the block, little-endian.
// Use it by pointer: validators are compared by identity.
type CRC32 struct {
	Label string
	Xor   uint32
}

var _ Validator = new(CRC32)

func (v *CRC32) Name() string {
	return v.Label
}

func (v *CRC32) PrepareForWrite(where BlockID, data []byte) {
	binary.LittleEndian.PutUint32(data, Checksum(data[4:], v.Xor))
}

func (v *CRC32) Check(where BlockID, data []byte) error {
	sum := Checksum(data[4:], v.Xor)
	if got := binary.LittleEndian.Uint32(data); got != sum {
		return errors.Wrapf(pdata.ErrBadChecksum, "%s: block %d: checksum %08x, want %08x", v.Label, where, got, sum)
	}
	return nil
}
