package fmp4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// boxHeader is the size/type prefix of an ISO BMFF box.
type boxHeader struct {
	typ string
	// size is the total box size including the header; 0 means the box
	// extends to the end of the file.
	size uint64
	raw  []byte
}

// readBoxHeader reads a box header. A clean end of input returns io.EOF;
// a partial header returns io.ErrUnexpectedEOF.
func readBoxHeader(r io.Reader) (boxHeader, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:8]); err != nil {
		return boxHeader{}, err
	}

	h := boxHeader{
		typ:  string(buf[4:8]),
		size: uint64(binary.BigEndian.Uint32(buf[:4])),
	}
	headerLen := 8

	if h.size == 1 {
		if _, err := io.ReadFull(r, buf[8:16]); err != nil {
			return boxHeader{}, noEOF(err)
		}
		h.size = binary.BigEndian.Uint64(buf[8:16])
		headerLen = 16
	}

	if h.size != 0 && h.size < uint64(headerLen) {
		return boxHeader{}, fmt.Errorf("box %q: invalid size %d", h.typ, h.size)
	}
	if h.size > maxBoxSize {
		return boxHeader{}, fmt.Errorf("box %q: size %d exceeds limit", h.typ, h.size)
	}

	h.raw = append([]byte(nil), buf[:headerLen]...)
	return h, nil
}

// readBody reads the rest of the box and returns it with its header.
func readBody(r io.Reader, h boxHeader) ([]byte, error) {
	if h.size == 0 {
		body, err := io.ReadAll(io.LimitReader(r, maxBoxSize))
		if err != nil {
			return nil, err
		}
		return append(h.raw, body...), nil
	}

	box := make([]byte, h.size)
	copy(box, h.raw)
	if _, err := io.ReadFull(r, box[len(h.raw):]); err != nil {
		return nil, noEOF(err)
	}
	return box, nil
}

// skipBody discards the rest of the box.
func skipBody(r io.Reader, h boxHeader) error {
	if h.size == 0 {
		_, err := io.Copy(io.Discard, r)
		return err
	}
	n := int64(h.size) - int64(len(h.raw))
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return noEOF(err)
	}
	return nil
}

// noEOF turns io.EOF inside a box into io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
