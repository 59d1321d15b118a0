package mpegts

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/remux/internal/codec"
	"github.com/jmylchreest/remux/internal/media"
	"github.com/jmylchreest/remux/internal/observability"
)

// muxerState tracks the header/trailer staging of a Muxer.
type muxerState int

const (
	stateNew muxerState = iota
	stateHeaderWritten
	stateTrailerWritten
)

// Muxer writes packets to an MPEG-TS file.
type Muxer struct {
	cfg    Config
	logger *slog.Logger

	streams []*media.StreamDescriptor

	file   *os.File
	bw     *bufio.Writer
	writer *mpegts.Writer
	tracks []*mpegts.Track
	// params holds the last seen parameter sets per video stream so keyframes
	// can be made self-contained.
	params []codec.ParamSets

	state muxerState
}

// NewMuxer creates an MPEG-TS muxer. No file is opened until OpenIO.
func NewMuxer(cfg Config) *Muxer {
	cfg = cfg.withDefaults()
	return &Muxer{
		cfg:    cfg,
		logger: observability.WithComponent(cfg.Logger, "mpegts_muxer"),
	}
}

// AddStream declares a new output stream.
func (m *Muxer) AddStream() (*media.StreamDescriptor, error) {
	if m.state != stateNew {
		return nil, errors.New("adding stream after header")
	}
	sd := &media.StreamDescriptor{Index: len(m.streams)}
	m.streams = append(m.streams, sd)
	return sd, nil
}

// Streams returns the declared output streams.
func (m *Muxer) Streams() []*media.StreamDescriptor {
	return m.streams
}

// CodecTag returns the PMT stream_type for a codec.
func (m *Muxer) CodecTag(id codec.ID) (uint32, bool) {
	st, ok := id.MPEGTSStreamType()
	return uint32(st), ok
}

// NewSideData allocates a side data entry on an output stream. MPEG-TS has no
// place to store it, so it is kept on the descriptor only.
func (m *Muxer) NewSideData(stream int, typ media.SideDataType, size int) ([]byte, error) {
	if stream < 0 || stream >= len(m.streams) {
		return nil, media.NewError(media.KindInvalid, "allocating side data",
			fmt.Errorf("stream %d out of range", stream))
	}
	return m.streams[stream].AddSideData(typ, size)
}

// OpenIO creates or truncates the output file.
func (m *Muxer) OpenIO(path string) error {
	if m.file != nil {
		return errors.New("output already open")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	m.file = f
	m.bw = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// WriteHeader builds one track per stream and writes PAT/PMT.
func (m *Muxer) WriteHeader() error {
	if m.state != stateNew {
		return errors.New("header already written")
	}
	if m.bw == nil {
		return errors.New("output not open")
	}
	if len(m.streams) == 0 {
		return media.NewError(media.KindInvalid, "writing header", errors.New("no streams"))
	}

	m.tracks = make([]*mpegts.Track, len(m.streams))
	m.params = make([]codec.ParamSets, len(m.streams))

	for i, sd := range m.streams {
		c, err := m.createCodec(sd)
		if err != nil {
			return media.NewError(media.KindInvalid, "writing header", fmt.Errorf("stream %d: %w", i, err))
		}
		m.tracks[i] = &mpegts.Track{
			PID:   uint16(firstPID + i),
			Codec: c,
		}
		sd.TimeBase = TimeBase

		if sd.CodecID == codec.H264 || sd.CodecID == codec.H265 {
			if ps, err := codec.ParseParamSets(sd.CodecID, sd.CodecParameters); err == nil {
				m.params[i] = ps
			}
		}
	}

	m.writer = &mpegts.Writer{
		W:      m.bw,
		Tracks: m.tracks,
	}
	if err := m.writer.Initialize(); err != nil {
		return media.NewError(media.KindIO, "writing header", err)
	}

	m.state = stateHeaderWritten
	m.logger.Debug("MPEG-TS muxer initialized", slog.Int("streams", len(m.streams)))
	return nil
}

// createCodec creates a mediacommon codec for a stream.
func (m *Muxer) createCodec(sd *media.StreamDescriptor) (mpegts.Codec, error) {
	switch sd.CodecID {
	case codec.H264:
		return &mpegts.CodecH264{}, nil
	case codec.H265:
		return &mpegts.CodecH265{}, nil
	case codec.AAC:
		conf, err := codec.AACConfig(sd.CodecParameters, sd.Format.SampleRate, sd.Format.Channels)
		if err != nil {
			return nil, err
		}
		return &mpegts.CodecMPEG4Audio{Config: *conf}, nil
	case codec.AC3:
		rate, channels := audioParams(sd, 2)
		return &mpegts.CodecAC3{SampleRate: rate, ChannelCount: channels}, nil
	case codec.EAC3:
		rate, channels := audioParams(sd, 6)
		return &mpegts.CodecEAC3{SampleRate: rate, ChannelCount: channels}, nil
	case codec.MP3:
		return &mpegts.CodecMPEG1Audio{}, nil
	case codec.Opus:
		_, channels := audioParams(sd, 2)
		return &mpegts.CodecOpus{ChannelCount: channels}, nil
	default:
		return nil, fmt.Errorf("codec %q not supported in MPEG-TS", sd.CodecID)
	}
}

func audioParams(sd *media.StreamDescriptor, defaultChannels int) (int, int) {
	rate, channels := sd.Format.SampleRate, sd.Format.Channels
	if rate <= 0 {
		rate = codec.DefaultSampleRate
	}
	if channels <= 0 {
		channels = defaultChannels
	}
	return rate, channels
}

// WritePacket writes one packet. Timestamps are in the 90kHz time base.
func (m *Muxer) WritePacket(pkt *media.Packet) error {
	if m.state != stateHeaderWritten {
		return errors.New("writing packet outside header/trailer")
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(m.tracks) {
		return fmt.Errorf("stream index %d out of range", pkt.StreamIndex)
	}
	if len(pkt.Payload) == 0 {
		return nil
	}

	pts, dts := pkt.PTS, pkt.DTS
	switch {
	case pts == media.NoPTS && dts == media.NoPTS:
		return fmt.Errorf("stream %d: packet without timestamps", pkt.StreamIndex)
	case pts == media.NoPTS:
		pts = dts
	case dts == media.NoPTS:
		dts = pts
	}

	idx := pkt.StreamIndex
	track := m.tracks[idx]
	id := m.streams[idx].CodecID

	switch track.Codec.(type) {
	case *mpegts.CodecH264, *mpegts.CodecH265:
		au := codec.SplitAnnexB(pkt.Payload)
		m.params[idx].Extract(id, au)
		if pkt.IsKey() {
			au = codec.PrependParamSets(id, au, m.params[idx])
		}
		if id == codec.H265 {
			return m.writer.WriteH265(track, pts, dts, au)
		}
		return m.writer.WriteH264(track, pts, dts, au)

	case *mpegts.CodecMPEG4Audio:
		return m.writer.WriteMPEG4Audio(track, pts, [][]byte{pkt.Payload})
	case *mpegts.CodecAC3:
		return m.writer.WriteAC3(track, pts, pkt.Payload)
	case *mpegts.CodecEAC3:
		return m.writer.WriteEAC3(track, pts, pkt.Payload)
	case *mpegts.CodecMPEG1Audio:
		return m.writer.WriteMPEG1Audio(track, pts, [][]byte{pkt.Payload})
	case *mpegts.CodecOpus:
		return m.writer.WriteOpus(track, pts, [][]byte{pkt.Payload})
	default:
		return fmt.Errorf("stream %d: unsupported track codec %T", idx, track.Codec)
	}
}

// WriteTrailer flushes buffered output. Subsequent calls are no-ops.
func (m *Muxer) WriteTrailer() error {
	switch m.state {
	case stateTrailerWritten:
		return nil
	case stateNew:
		return errors.New("writing trailer before header")
	}
	m.state = stateTrailerWritten
	if err := m.bw.Flush(); err != nil {
		return fmt.Errorf("flushing output: %w", err)
	}
	return nil
}

// Close flushes and closes the output file. It is safe to call more than once.
func (m *Muxer) Close() error {
	if m.file == nil {
		return nil
	}
	flushErr := m.bw.Flush()
	closeErr := m.file.Close()
	m.file = nil
	m.bw = nil
	m.writer = nil
	return errors.Join(flushErr, closeErr)
}
