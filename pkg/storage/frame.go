package storage

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Log frame layout:
//
//	[magic 1][op 1][payload length 4][crc32 4][payload N]
//
// The payload of a put is [key length uvarint][key][value]; a delete carries
// the key alone. Integers are little endian and the checksum (IEEE) covers
// the op byte and the payload.
const (
	frameMagic      = 0xA5
	frameHeaderSize = 10

	opPut    = byte(0x01)
	opDelete = byte(0x02)

	// maxFramePayload bounds allocations while replaying a damaged log.
	maxFramePayload = 1 << 30
)

var (
	errInvalidMagic     = errors.New("storage: invalid frame magic")
	errChecksumMismatch = errors.New("storage: frame checksum mismatch")
	errIncompleteFrame  = errors.New("storage: incomplete frame")
)

type frame struct {
	op    byte
	key   []byte
	value []byte
}

// appendFrame encodes f onto dst and returns the extended slice along with
// the offset of the value bytes relative to the start of the frame.
func appendFrame(dst []byte, f frame) ([]byte, int) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(f.key)))

	payloadLen := n + len(f.key)
	if f.op == opPut {
		payloadLen += len(f.value)
	}

	start := len(dst)
	dst = append(dst, make([]byte, frameHeaderSize)...)
	hdr := dst[start:]
	hdr[0] = frameMagic
	hdr[1] = f.op
	binary.LittleEndian.PutUint32(hdr[2:6], uint32(payloadLen))

	payloadStart := len(dst)
	dst = append(dst, lenBuf[:n]...)
	dst = append(dst, f.key...)
	valueOff := len(dst) - start
	if f.op == opPut {
		dst = append(dst, f.value...)
	}

	crc := crc32.NewIEEE()
	crc.Write([]byte{f.op})
	crc.Write(dst[payloadStart:])
	binary.LittleEndian.PutUint32(dst[start+6:start+10], crc.Sum32())
	return dst, valueOff
}

// readFrame reads the next frame. It returns io.EOF only on a clean frame
// boundary; a short read anywhere else is errIncompleteFrame. The returned
// size is the number of bytes the frame occupies on disk. It is also set
// when the frame is damaged but its declared length could be read in full,
// and is 0 when the header itself is unusable.
func readFrame(r io.Reader) (frame, int, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return frame{}, 0, io.EOF
		}
		return frame{}, 0, errIncompleteFrame
	}
	if hdr[0] != frameMagic {
		return frame{}, 0, errInvalidMagic
	}
	op := hdr[1]
	length := binary.LittleEndian.Uint32(hdr[2:6])
	want := binary.LittleEndian.Uint32(hdr[6:10])
	if length > maxFramePayload {
		return frame{}, 0, errInvalidMagic
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, 0, errIncompleteFrame
	}
	crc := crc32.NewIEEE()
	crc.Write([]byte{op})
	crc.Write(payload)
	size := frameHeaderSize + int(length)
	if crc.Sum32() != want {
		return frame{}, size, errChecksumMismatch
	}

	keyLen, n := binary.Uvarint(payload)
	if n <= 0 || uint64(len(payload)-n) < keyLen {
		return frame{}, size, errChecksumMismatch
	}
	f := frame{op: op, key: payload[n : n+int(keyLen)]}
	switch op {
	case opPut:
		f.value = payload[n+int(keyLen):]
	case opDelete:
		if n+int(keyLen) != len(payload) {
			return frame{}, size, errChecksumMismatch
		}
	default:
		return frame{}, size, errInvalidMagic
	}
	return f, size, nil
}
