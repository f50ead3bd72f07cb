package statestore

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4"
	ugorji "github.com/ugorji/go/codec"
)

// Value layout: 1 flag byte, then for compressed values a 4-byte
// little-endian uncompressed length, then the payload.
const (
	flagRaw  = 0x00
	flagLZ4  = 0x01
	hdrRaw   = 1
	hdrLZ4   = 5
)

var msgpackHandle ugorji.MsgpackHandle

// encodeValue msgpack-encodes v and lz4-compresses the result when it
// exceeds the threshold and compression actually wins.
func encodeValue(v interface{}, threshold int) ([]byte, error) {
	var raw []byte
	enc := ugorji.NewEncoderBytes(&raw, &msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("statestore: encode: %w", err)
	}
	if threshold <= 0 || len(raw) < threshold {
		return append([]byte{flagRaw}, raw...), nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst, nil)
	if err != nil || n == 0 || n >= len(raw) {
		// Incompressible; store raw.
		return append([]byte{flagRaw}, raw...), nil
	}
	out := make([]byte, hdrLZ4+n)
	out[0] = flagLZ4
	binary.LittleEndian.PutUint32(out[1:hdrLZ4], uint32(len(raw)))
	copy(out[hdrLZ4:], dst[:n])
	return out, nil
}

// decodeValue reverses encodeValue into v.
func decodeValue(data []byte, v interface{}) error {
	if len(data) < hdrRaw {
		return fmt.Errorf("statestore: short value")
	}
	var raw []byte
	switch data[0] {
	case flagRaw:
		raw = data[hdrRaw:]
	case flagLZ4:
		if len(data) < hdrLZ4 {
			return fmt.Errorf("statestore: short lz4 header")
		}
		size := binary.LittleEndian.Uint32(data[1:hdrLZ4])
		raw = make([]byte, size)
		n, err := lz4.UncompressBlock(data[hdrLZ4:], raw)
		if err != nil {
			return fmt.Errorf("statestore: lz4: %w", err)
		}
		raw = raw[:n]
	default:
		return fmt.Errorf("statestore: unknown value flag 0x%02x", data[0])
	}
	dec := ugorji.NewDecoderBytes(raw, &msgpackHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("statestore: decode: %w", err)
	}
	return nil
}
