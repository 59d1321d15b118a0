package remux

import (
	"bytes"
	"errors"
	"io"
	"slices"

	"github.com/jmylchreest/remux/internal/codec"
	"github.com/jmylchreest/remux/internal/media"
)

// fakeDemuxer replays a fixed packet list, then returns readErr or io.EOF.
type fakeDemuxer struct {
	streams []*media.StreamDescriptor
	packets []media.Packet
	readErr error

	pos    int
	closed int
}

func (d *fakeDemuxer) Streams() []*media.StreamDescriptor { return d.streams }

func (d *fakeDemuxer) ReadPacket(pkt *media.Packet) error {
	if d.pos < len(d.packets) {
		*pkt = d.packets[d.pos]
		pkt.Payload = bytes.Clone(pkt.Payload)
		d.pos++
		return nil
	}
	if d.readErr != nil {
		return d.readErr
	}
	return io.EOF
}

func (d *fakeDemuxer) Close() error {
	d.closed++
	return nil
}

// fakeMuxer records everything written to it.
type fakeMuxer struct {
	tags map[codec.ID]uint32
	// timeBases replaces the stream time bases at WriteHeader when set.
	timeBases   []media.Rational
	sideDataErr error
	writeErr    func(n int, pkt *media.Packet) error
	trailerErr  error
	closeErr    error

	streams        []*media.StreamDescriptor
	opened         string
	headerWritten  bool
	trailerWritten bool
	attempts       int
	written        []media.Packet
	closed         int
}

func (m *fakeMuxer) AddStream() (*media.StreamDescriptor, error) {
	sd := &media.StreamDescriptor{Index: len(m.streams)}
	m.streams = append(m.streams, sd)
	return sd, nil
}

func (m *fakeMuxer) CodecTag(id codec.ID) (uint32, bool) {
	tag, ok := m.tags[id]
	return tag, ok
}

func (m *fakeMuxer) NewSideData(stream int, typ media.SideDataType, size int) ([]byte, error) {
	if m.sideDataErr != nil {
		return nil, m.sideDataErr
	}
	if stream < 0 || stream >= len(m.streams) {
		return nil, errors.New("stream out of range")
	}
	return m.streams[stream].AddSideData(typ, size)
}

func (m *fakeMuxer) OpenIO(path string) error {
	m.opened = path
	return nil
}

func (m *fakeMuxer) WriteHeader() error {
	for i, tb := range m.timeBases {
		if i < len(m.streams) {
			m.streams[i].TimeBase = tb
		}
	}
	m.headerWritten = true
	return nil
}

func (m *fakeMuxer) WritePacket(pkt *media.Packet) error {
	m.attempts++
	if m.writeErr != nil {
		if err := m.writeErr(m.attempts, pkt); err != nil {
			return err
		}
	}
	cp := *pkt
	cp.Payload = slices.Clone(pkt.Payload)
	m.written = append(m.written, cp)
	return nil
}

func (m *fakeMuxer) WriteTrailer() error {
	if m.trailerErr != nil {
		return m.trailerErr
	}
	m.trailerWritten = true
	return nil
}

func (m *fakeMuxer) Close() error {
	m.closed++
	return m.closeErr
}

var (
	_ media.Demuxer = (*fakeDemuxer)(nil)
	_ media.Muxer   = (*fakeMuxer)(nil)
)

func packet(stream int, ts int64, flags media.PacketFlags) media.Packet {
	return media.Packet{
		StreamIndex: stream,
		PTS:         ts,
		DTS:         ts,
		Duration:    1,
		Flags:       flags,
		Payload:     []byte{byte(stream), byte(ts)},
		Pos:         ts * 188,
	}
}
