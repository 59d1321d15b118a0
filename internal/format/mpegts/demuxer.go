package mpegts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg1audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/remux/internal/codec"
	"github.com/jmylchreest/remux/internal/format"
	"github.com/jmylchreest/remux/internal/media"
	"github.com/jmylchreest/remux/internal/observability"
)

// Samples per frame, used to advance timestamps inside multi-frame PES packets.
const (
	aacFrameSamples  = 1024
	ac3FrameSamples  = 1536
	mp3FrameSamples  = 1152
	opusFrameSamples = 960
	opusSampleRate   = 48000
)

// Demuxer reads packets from an MPEG-TS file.
type Demuxer struct {
	cfg    Config
	logger *slog.Logger

	file   *os.File
	reader *mpegts.Reader

	streams  []*media.StreamDescriptor
	metadata media.Metadata

	// per-stream state, indexed like streams
	params  []codec.ParamSets
	probed  []bool
	frameTB []media.Rational

	queue   []media.Packet
	corrupt bool
	eof     bool
	probing bool
}

// Open opens an MPEG-TS file, discovers its streams and fills in stream
// parameters by reading ahead.
func Open(ctx context.Context, path string, cfg Config) (*Demuxer, error) {
	cfg = cfg.withDefaults()

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	d := &Demuxer{
		cfg:    cfg,
		logger: observability.WithComponent(cfg.Logger, "mpegts_demuxer"),
		file:   file,
	}

	if err := d.open(ctx); err != nil {
		file.Close()
		return nil, err
	}
	return d, nil
}

func (d *Demuxer) open(ctx context.Context) error {
	si, err := scanSI(ctx, io.NewSectionReader(d.file, 0, d.cfg.ScanSize))
	if err != nil {
		return fmt.Errorf("scanning service information: %w", err)
	}
	d.metadata = si.service

	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding input: %w", err)
	}

	d.reader = &mpegts.Reader{R: bufio.NewReaderSize(d.file, 64*1024)}
	if err := d.reader.Initialize(); err != nil {
		return media.NewErrorCode(media.KindOpen, "initializing mpegts reader", media.CodeInvalidData, err)
	}

	for _, track := range d.reader.Tracks() {
		d.addTrack(track, si)
	}
	if len(d.streams) == 0 {
		return media.NewErrorCode(media.KindOpen, "initializing mpegts reader", media.CodeInvalidData,
			errors.New("no supported elementary streams"))
	}

	d.reader.OnDecodeError(func(err error) {
		d.corrupt = true
		d.logger.Debug("MPEG-TS decode error", slog.String("error", err.Error()))
	})

	return d.probe(ctx)
}

// addTrack registers a stream for a discovered track and wires its callback.
func (d *Demuxer) addTrack(track *mpegts.Track, si *siInfo) {
	idx := len(d.streams)
	sd := &media.StreamDescriptor{
		Index:    idx,
		TimeBase: TimeBase,
	}
	frameTB := media.Rational{}

	switch c := track.Codec.(type) {
	case *mpegts.CodecH264:
		sd.CodecID = codec.H264
		d.reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
			return d.handleH26x(idx, pts, dts, au)
		})

	case *mpegts.CodecH265:
		sd.CodecID = codec.H265
		d.reader.OnDataH265(track, func(pts, dts int64, au [][]byte) error {
			return d.handleH26x(idx, pts, dts, au)
		})

	case *mpegts.CodecMPEG4Audio:
		sd.CodecID = codec.AAC
		sampleRate := c.Config.SampleRate
		if sampleRate <= 0 {
			sampleRate = 48000
		}
		sd.Format.SampleRate = sampleRate
		sd.Format.Channels = c.Config.ChannelCount
		sd.Format.FrameSize = aacFrameSamples
		if conf, err := c.Config.Marshal(); err == nil {
			sd.CodecParameters = conf
		}
		frameTB = media.NewRational(1, int64(sampleRate))
		d.reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
			return d.handleFrames(idx, pts, aus)
		})

	case *mpegts.CodecAC3:
		sd.CodecID = codec.AC3
		d.setAudioFormat(sd, c.SampleRate, c.ChannelCount, ac3FrameSamples)
		frameTB = media.NewRational(1, int64(sd.Format.SampleRate))
		d.reader.OnDataAC3(track, func(pts int64, frame []byte) error {
			return d.handleFrames(idx, pts, [][]byte{frame})
		})

	case *mpegts.CodecEAC3:
		sd.CodecID = codec.EAC3
		d.setAudioFormat(sd, c.SampleRate, c.ChannelCount, ac3FrameSamples)
		frameTB = media.NewRational(1, int64(sd.Format.SampleRate))
		d.reader.OnDataEAC3(track, func(pts int64, frame []byte) error {
			return d.handleFrames(idx, pts, [][]byte{frame})
		})

	case *mpegts.CodecMPEG1Audio:
		sd.CodecID = codec.MP3
		// Sample rate and channels come from the first frame header.
		sd.Format.FrameSize = mp3FrameSamples
		d.reader.OnDataMPEG1Audio(track, func(pts int64, frames [][]byte) error {
			return d.handleMPEG1Audio(idx, pts, frames)
		})

	case *mpegts.CodecOpus:
		sd.CodecID = codec.Opus
		d.setAudioFormat(sd, opusSampleRate, c.ChannelCount, opusFrameSamples)
		frameTB = media.NewRational(1, opusSampleRate)
		d.reader.OnDataOpus(track, func(pts int64, packets [][]byte) error {
			return d.handleFrames(idx, pts, packets)
		})

	default:
		d.logger.Debug("Skipping unsupported track",
			slog.Uint64("pid", uint64(track.PID)),
			slog.String("type", fmt.Sprintf("%T", track.Codec)))
		return
	}

	sd.CodecType = sd.CodecID.Type()
	if lang, ok := si.languages[track.PID]; ok {
		sd.Metadata.Append("language", lang)
	}

	d.streams = append(d.streams, sd)
	d.params = append(d.params, codec.ParamSets{})
	d.probed = append(d.probed, d.isProbed(sd))
	d.frameTB = append(d.frameTB, frameTB)

	d.logger.Debug("Found track",
		slog.Int("index", idx),
		slog.String("codec", sd.CodecID.String()),
		slog.Uint64("pid", uint64(track.PID)))
}

func (d *Demuxer) setAudioFormat(sd *media.StreamDescriptor, sampleRate, channels, frameSamples int) {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	sd.Format.SampleRate = sampleRate
	sd.Format.Channels = channels
	sd.Format.FrameSize = frameSamples
}

// isProbed reports whether a stream already has everything the read-ahead
// would fill in.
func (d *Demuxer) isProbed(sd *media.StreamDescriptor) bool {
	switch sd.CodecID {
	case codec.H264, codec.H265:
		return len(sd.CodecParameters) > 0 && sd.Format.Width > 0
	case codec.MP3:
		return sd.Format.SampleRate > 0
	default:
		return true
	}
}

// probe reads ahead until every stream has its parameters or the packet
// budget is spent. Packets read here are queued and replayed by ReadPacket.
func (d *Demuxer) probe(ctx context.Context) error {
	d.probing = true
	defer func() { d.probing = false }()

	for n := 0; n < d.cfg.ProbePackets && !d.allProbed(); n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.readMore(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
	}

	for i, sd := range d.streams {
		if !d.probed[i] {
			d.logger.Warn("Could not find stream parameters",
				slog.Int("index", i),
				slog.String("codec", sd.CodecID.String()))
		}
	}
	return nil
}

func (d *Demuxer) allProbed() bool {
	for _, ok := range d.probed {
		if !ok {
			return false
		}
	}
	return true
}

// readMore advances the underlying reader by one PES packet.
func (d *Demuxer) readMore() error {
	if d.eof {
		return io.EOF
	}
	if err := d.reader.Read(); err != nil {
		if isEndOfStream(err) {
			d.eof = true
			return io.EOF
		}
		return fmt.Errorf("reading mpegts: %w", err)
	}
	return nil
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, astits.ErrNoMorePackets)
}

// handleH26x converts an H.264/H.265 access unit into one Annex-B packet.
func (d *Demuxer) handleH26x(idx int, pts, dts int64, au [][]byte) error {
	if len(au) == 0 {
		return nil
	}
	sd := d.streams[idx]

	if d.params[idx].Extract(sd.CodecID, au) && d.probing {
		d.fillVideoParams(idx)
	}

	payload, err := h264.AnnexB(au).Marshal()
	if err != nil || len(payload) == 0 {
		d.corrupt = true
		return nil
	}

	pkt := media.Packet{
		StreamIndex: idx,
		PTS:         pts,
		DTS:         dts,
		Payload:     payload,
		Pos:         -1,
	}
	if codec.IsRandomAccess(sd.CodecID, au) {
		pkt.Flags |= media.FlagKey
	}
	d.emit(pkt)
	return nil
}

// fillVideoParams copies collected parameter sets into the stream descriptor
// and derives the picture format from the SPS.
func (d *Demuxer) fillVideoParams(idx int) {
	sd := d.streams[idx]
	if !d.params[idx].Complete(sd.CodecID) {
		return
	}
	if err := format.FillVideoFormat(sd, d.params[idx]); err != nil {
		d.logger.Debug("Deriving video format failed", slog.String("error", err.Error()))
	}
	d.probed[idx] = d.isProbed(sd)
}

// handleMPEG1Audio reads the format from the first frame header, then emits
// the frames.
func (d *Demuxer) handleMPEG1Audio(idx int, pts int64, frames [][]byte) error {
	sd := d.streams[idx]
	if sd.Format.SampleRate == 0 && d.probing {
		for _, frame := range frames {
			var h mpeg1audio.FrameHeader
			if err := h.Unmarshal(frame); err != nil {
				continue
			}
			sd.Format.SampleRate = h.SampleRate
			sd.Format.BitRate = int64(h.Bitrate)
			sd.Format.FrameSize = h.SampleCount()
			sd.Format.Channels = 2
			if h.ChannelMode == mpeg1audio.ChannelModeMono {
				sd.Format.Channels = 1
			}
			d.frameTB[idx] = media.NewRational(1, int64(h.SampleRate))
			d.probed[idx] = true
			break
		}
	}
	return d.handleFrames(idx, pts, frames)
}

// handleFrames emits one packet per audio frame. The PTS of the PES packet
// belongs to the first frame; later frames are offset by the frame duration.
func (d *Demuxer) handleFrames(idx int, pts int64, frames [][]byte) error {
	sd := d.streams[idx]
	frameTB := d.frameTB[idx]

	var duration int64
	if frameTB.Valid() && sd.Format.FrameSize > 0 {
		duration = media.Rescale(int64(sd.Format.FrameSize), frameTB, TimeBase)
	}

	for i, frame := range frames {
		if len(frame) == 0 {
			continue
		}
		framePTS := pts
		if frameTB.Valid() && sd.Format.FrameSize > 0 {
			framePTS = pts + media.Rescale(int64(i*sd.Format.FrameSize), frameTB, TimeBase)
		}
		d.emit(media.Packet{
			StreamIndex: idx,
			PTS:         framePTS,
			DTS:         framePTS,
			Duration:    duration,
			Flags:       media.FlagKey,
			Payload:     frame,
			Pos:         -1,
		})
	}
	return nil
}

// emit queues a packet, flagging it corrupt if a decode error preceded it.
func (d *Demuxer) emit(pkt media.Packet) {
	if d.corrupt {
		pkt.Flags |= media.FlagCorrupt
		d.corrupt = false
	}
	d.queue = append(d.queue, pkt)
}

// Streams returns the streams of the file.
func (d *Demuxer) Streams() []*media.StreamDescriptor {
	return d.streams
}

// Metadata returns container-level metadata from the SDT.
func (d *Demuxer) Metadata() media.Metadata {
	return d.metadata
}

// ReadPacket fills pkt with the next packet, or returns io.EOF.
func (d *Demuxer) ReadPacket(pkt *media.Packet) error {
	if d.reader == nil {
		return errors.New("demuxer is closed")
	}

	for len(d.queue) == 0 {
		if err := d.readMore(); err != nil {
			return err
		}
	}

	*pkt = d.queue[0]
	d.queue[0] = media.Packet{}
	d.queue = d.queue[1:]
	return nil
}

// Close releases the file. It is safe to call more than once.
func (d *Demuxer) Close() error {
	d.reader = nil
	d.queue = nil
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
