package s3log

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// An object body is the record offset (8 bytes, big endian), the payload,
// and a CRC-16-CCITT of both (2 bytes, big endian).
const frameOverhead = 8 + 2

var errCorrupt = errors.New("corrupt record object")

func crc16(data []byte) uint16 {
	const polynomial uint16 = 0x1021
	crc := uint16(0xCACA)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ polynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func encodeFrame(offset uint64, data []byte) []byte {
	buf := make([]byte, 8, len(data)+frameOverhead)
	binary.BigEndian.PutUint64(buf, offset)
	buf = append(buf, data...)
	return binary.BigEndian.AppendUint16(buf, crc16(buf))
}

func decodeFrame(offset uint64, body []byte) ([]byte, error) {
	if len(body) < frameOverhead {
		return nil, errors.Wrap(errCorrupt, "too short")
	}
	n := len(body) - 2
	if binary.BigEndian.Uint16(body[n:]) != crc16(body[:n]) {
		return nil, errors.Wrap(errCorrupt, "CRC mismatch")
	}
	if stored := binary.BigEndian.Uint64(body[:8]); stored != offset {
		return nil, errors.Wrapf(errCorrupt, "offset mismatch: expected %d, got %d", offset, stored)
	}
	return body[8:n], nil
}
