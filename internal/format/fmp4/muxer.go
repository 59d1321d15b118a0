package fmp4

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"

	mcfmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/jmylchreest/remux/internal/codec"
	"github.com/jmylchreest/remux/internal/media"
	"github.com/jmylchreest/remux/internal/observability"
)

type muxerState int

const (
	stateNew muxerState = iota
	stateHeaderWritten
	stateTrailerWritten
)

// muxTrack is the per-stream state of the muxer. Timestamps are in the track
// time scale, shifted by offset so the first DTS is never negative. Every
// track carries the same shift, converted to its own time scale.
type muxTrack struct {
	id        int
	timeScale uint32
	codecID   codec.ID

	started bool
	offset  int64
	lastDTS int64

	// pending is the last sample, held until the next DTS gives its duration.
	pending *pendingSample
	// lastDuration is the duration of the last committed sample.
	lastDuration int64

	samples   []*mcfmp4.Sample
	fragStart int64
}

type pendingSample struct {
	sample   *mcfmp4.Sample
	dts      int64
	duration int64
}

// Muxer writes packets to a fragmented MP4 file: one init segment followed by
// moof+mdat fragments.
type Muxer struct {
	cfg    Config
	logger *slog.Logger

	streams []*media.StreamDescriptor

	file *os.File
	bw   *bufio.Writer

	tracks []*muxTrack
	// ref is the stream whose span decides where fragments are cut.
	ref       int
	refVideo  bool
	fragTicks int64
	seq       uint32

	// shift is the start offset shared by all tracks, expressed in shiftTB.
	// It is fixed by the first packet written to the file.
	shiftSet bool
	shift    int64
	shiftTB  media.Rational

	state muxerState
}

// NewMuxer creates an fMP4 muxer. No file is opened until OpenIO.
func NewMuxer(cfg Config) *Muxer {
	cfg = cfg.withDefaults()
	return &Muxer{
		cfg:    cfg,
		logger: observability.WithComponent(cfg.Logger, "fmp4_muxer"),
		seq:    1,
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

// CodecTag returns the sample entry fourcc for a codec.
func (m *Muxer) CodecTag(id codec.ID) (uint32, bool) {
	return id.MP4Tag()
}

// NewSideData allocates a side data entry on an output stream.
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

// WriteHeader builds one track per stream and writes the init segment.
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

	init := mcfmp4.Init{}
	m.tracks = make([]*muxTrack, len(m.streams))
	m.ref = -1

	for i, sd := range m.streams {
		c, timeScale, err := createCodec(sd)
		if err != nil {
			return media.NewError(media.KindInvalid, "writing header", fmt.Errorf("stream %d: %w", i, err))
		}
		sd.TimeBase = media.NewRational(1, int64(timeScale))

		m.tracks[i] = &muxTrack{
			id:        i + 1,
			timeScale: timeScale,
			codecID:   sd.CodecID,
		}
		init.Tracks = append(init.Tracks, &mcfmp4.InitTrack{
			ID:        i + 1,
			TimeScale: timeScale,
			Codec:     c,
		})

		if m.ref < 0 && sd.CodecID.Type() == codec.TypeVideo {
			m.ref = i
			m.refVideo = true
		}
	}
	if m.ref < 0 {
		m.ref = 0
	}
	m.fragTicks = media.Rescale(m.cfg.FragmentDuration.Microseconds(),
		media.NewRational(1, 1_000_000), m.streams[m.ref].TimeBase)

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return media.NewError(media.KindInvalid, "writing header", fmt.Errorf("marshaling init segment: %w", err))
	}
	if _, err := m.bw.Write(buf.Bytes()); err != nil {
		return media.NewError(media.KindIO, "writing header", err)
	}

	m.state = stateHeaderWritten
	m.logger.Debug("fMP4 muxer initialized",
		slog.Int("streams", len(m.streams)),
		slog.Int("reference_stream", m.ref),
		slog.Duration("fragment_duration", m.cfg.FragmentDuration))
	return nil
}

// createCodec creates the sample entry of a stream and picks its time scale.
func createCodec(sd *media.StreamDescriptor) (mcmp4.Codec, uint32, error) {
	switch sd.CodecID {
	case codec.H264:
		ps, err := codec.ParseParamSets(codec.H264, sd.CodecParameters)
		if err != nil || !ps.Complete(codec.H264) {
			return nil, 0, errors.New("H.264 SPS/PPS not available")
		}
		return &mcmp4.CodecH264{SPS: ps.SPS, PPS: ps.PPS}, videoTimeScale, nil

	case codec.H265:
		ps, err := codec.ParseParamSets(codec.H265, sd.CodecParameters)
		if err != nil || !ps.Complete(codec.H265) {
			return nil, 0, errors.New("H.265 VPS/SPS/PPS not available")
		}
		return &mcmp4.CodecH265{VPS: ps.VPS, SPS: ps.SPS, PPS: ps.PPS}, videoTimeScale, nil

	case codec.AV1:
		if len(sd.CodecParameters) == 0 {
			return nil, 0, errors.New("AV1 sequence header not available")
		}
		return &mcmp4.CodecAV1{SequenceHeader: sd.CodecParameters}, videoTimeScale, nil

	case codec.VP9:
		if sd.Format.Width <= 0 || sd.Format.Height <= 0 {
			return nil, 0, errors.New("VP9 frame size not available")
		}
		return &mcmp4.CodecVP9{
			Width:             sd.Format.Width,
			Height:            sd.Format.Height,
			Profile:           uint8(sd.Format.Profile),
			BitDepth:          8,
			ChromaSubsampling: 1,
		}, videoTimeScale, nil

	case codec.AAC:
		conf, err := codec.AACConfig(sd.CodecParameters, sd.Format.SampleRate, sd.Format.Channels)
		if err != nil {
			return nil, 0, err
		}
		return &mcmp4.CodecMPEG4Audio{Config: *conf}, uint32(conf.SampleRate), nil

	case codec.Opus:
		_, channels := audioParams(sd, 2)
		return &mcmp4.CodecOpus{ChannelCount: channels}, opusSampleRate, nil

	case codec.AC3:
		rate, channels := audioParams(sd, 2)
		return &mcmp4.CodecAC3{SampleRate: rate, ChannelCount: channels}, uint32(rate), nil

	case codec.EAC3:
		rate, channels := audioParams(sd, 6)
		return &mcmp4.CodecEAC3{SampleRate: rate, ChannelCount: channels}, uint32(rate), nil

	case codec.MP3:
		rate, channels := audioParams(sd, 2)
		return &mcmp4.CodecMPEG1Audio{SampleRate: rate, ChannelCount: channels}, uint32(rate), nil

	default:
		return nil, 0, fmt.Errorf("codec %q not supported in fMP4", sd.CodecID)
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

// WritePacket queues one packet. Timestamps are in the stream time base
// assigned by WriteHeader.
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
	t := m.tracks[idx]

	if !t.started {
		t.started = true
		t.offset = m.startOffset(idx, dts)
	} else if dts+t.offset < t.lastDTS {
		return fmt.Errorf("stream %d: non-monotonic DTS %d after %d", idx, dts+t.offset, t.lastDTS)
	}
	dts += t.offset
	pts += t.offset

	sample, err := newSample(t.codecID, pts-dts, pkt)
	if err != nil {
		return fmt.Errorf("stream %d: %w", idx, err)
	}

	if t.pending != nil {
		t.commit(dts - t.pending.dts)
	}

	if idx == m.ref && len(t.samples) > 0 && dts-t.fragStart >= m.fragTicks &&
		(!m.refVideo || pkt.IsKey()) {
		if err := m.writeFragment(); err != nil {
			return media.NewError(media.KindIO, "writing fragment", err)
		}
	}

	t.pending = &pendingSample{sample: sample, dts: dts, duration: pkt.Duration}
	t.lastDTS = dts
	return nil
}

// startOffset returns the offset of a track whose first DTS is dts. The
// first packet of the file fixes the shift for every track, so tracks keep
// their relative start times.
func (m *Muxer) startOffset(idx int, dts int64) int64 {
	tb := m.streams[idx].TimeBase
	if !m.shiftSet {
		m.shiftSet = true
		m.shiftTB = tb
		if dts < 0 {
			m.shift = -dts
		}
	}

	offset := media.RescaleRnd(m.shift, m.shiftTB, tb, media.RoundUp)
	if dts+offset < 0 {
		m.logger.Warn("stream starts before the first packet of the file, shifting it to zero",
			slog.Int("stream", idx),
			slog.Int64("dts", dts),
		)
		offset = -dts
	}
	return offset
}

// newSample converts a packet payload into an fMP4 sample.
func newSample(id codec.ID, ptsOffset int64, pkt *media.Packet) (*mcfmp4.Sample, error) {
	sample := &mcfmp4.Sample{}

	switch id {
	case codec.H264:
		if err := sample.FillH264(int32(ptsOffset), codec.SplitAnnexB(pkt.Payload)); err != nil {
			return nil, err
		}
	case codec.H265:
		if err := sample.FillH265(int32(ptsOffset), codec.SplitAnnexB(pkt.Payload)); err != nil {
			return nil, err
		}
	default:
		sample.PTSOffset = int32(ptsOffset)
		sample.Payload = pkt.Payload
	}

	// Audio samples are always sync samples.
	sample.IsNonSyncSample = id.Type() == codec.TypeVideo && !pkt.IsKey()
	return sample, nil
}

// commit moves the pending sample into the current fragment with the given
// duration.
func (t *muxTrack) commit(duration int64) {
	p := t.pending
	t.pending = nil
	if duration < 0 {
		duration = 0
	}
	p.sample.Duration = uint32(duration)
	t.lastDuration = duration
	if len(t.samples) == 0 {
		t.fragStart = p.dts
	}
	t.samples = append(t.samples, p.sample)
}

// writeFragment writes the committed samples of every track as one fragment.
func (m *Muxer) writeFragment() error {
	part := &mcfmp4.Part{SequenceNumber: m.seq}
	for _, t := range m.tracks {
		if len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &mcfmp4.PartTrack{
			ID:       t.id,
			BaseTime: uint64(t.fragStart),
			Samples:  t.samples,
		})
		t.samples = nil
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("marshaling fragment: %w", err)
	}
	if _, err := m.bw.Write(buf.Bytes()); err != nil {
		return err
	}
	m.seq++
	return nil
}

// WriteTrailer writes the remaining samples and flushes the output.
// Subsequent calls are no-ops.
func (m *Muxer) WriteTrailer() error {
	switch m.state {
	case stateTrailerWritten:
		return nil
	case stateNew:
		return errors.New("writing trailer before header")
	}
	m.state = stateTrailerWritten

	for _, t := range m.tracks {
		if t.pending != nil {
			// Without a packet duration the last sample repeats the
			// previous delta.
			duration := t.pending.duration
			if duration <= 0 {
				duration = t.lastDuration
			}
			t.commit(duration)
		}
	}
	if err := m.writeFragment(); err != nil {
		return fmt.Errorf("writing last fragment: %w", err)
	}
	if err := m.bw.Flush(); err != nil {
		return fmt.Errorf("flushing output: %w", err)
	}

	m.logger.Debug("fMP4 muxer finished", slog.Uint64("fragments", uint64(m.seq-1)))
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
	return errors.Join(flushErr, closeErr)
}
