package fmp4

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	mcfmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/jmylchreest/remux/internal/codec"
	"github.com/jmylchreest/remux/internal/format"
	"github.com/jmylchreest/remux/internal/media"
	"github.com/jmylchreest/remux/internal/observability"
)

// orderTimeBase is the common base packets of one fragment are ordered in.
var orderTimeBase = media.NewRational(1, 1_000_000)

// Demuxer reads packets from a fragmented MP4 file.
type Demuxer struct {
	cfg    Config
	logger *slog.Logger

	file *os.File
	r    *bufio.Reader

	streams  []*media.StreamDescriptor
	metadata media.Metadata
	// byTrack maps a track ID to its stream index.
	byTrack map[int]int

	queue   []media.Packet
	corrupt bool
	eof     bool
}

// Open opens a fragmented MP4 file and reads its init segment.
func Open(ctx context.Context, path string, cfg Config) (*Demuxer, error) {
	cfg = cfg.withDefaults()

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	d := &Demuxer{
		cfg:     cfg,
		logger:  observability.WithComponent(cfg.Logger, "fmp4_demuxer"),
		file:    file,
		r:       bufio.NewReaderSize(file, 64*1024),
		byTrack: make(map[int]int),
	}

	if err := d.open(ctx); err != nil {
		file.Close()
		return nil, err
	}
	return d, nil
}

func (d *Demuxer) open(ctx context.Context) error {
	initSeg, err := d.readInitSegment(ctx)
	if err != nil {
		return media.NewErrorCode(media.KindOpen, "reading init segment", media.CodeInvalidData, err)
	}

	var init mcfmp4.Init
	if err := init.Unmarshal(bytes.NewReader(initSeg)); err != nil {
		return media.NewErrorCode(media.KindOpen, "parsing init segment", media.CodeInvalidData, err)
	}

	info, err := readInitInfo(initSeg)
	if err != nil {
		d.logger.Warn("Reading init metadata failed", slog.String("error", err.Error()))
		info = &initInfo{tracks: map[uint32]*trackInfo{}}
	}
	d.metadata = info.container

	for _, track := range init.Tracks {
		d.addTrack(track, info.tracks[uint32(track.ID)])
	}
	if len(d.streams) == 0 {
		return media.NewErrorCode(media.KindOpen, "parsing init segment", media.CodeInvalidData,
			errors.New("no supported tracks"))
	}
	return nil
}

// readInitSegment collects the ftyp and moov boxes. Boxes before the moov
// other than ftyp are skipped.
func (d *Demuxer) readInitSegment(ctx context.Context) ([]byte, error) {
	var initSeg []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		h, err := readBoxHeader(d.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("no moov box")
			}
			return nil, err
		}

		switch h.typ {
		case "ftyp", "moov":
			box, err := readBody(d.r, h)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", h.typ, err)
			}
			initSeg = append(initSeg, box...)
			if h.typ == "moov" {
				return initSeg, nil
			}
		case "moof", "mdat":
			return nil, fmt.Errorf("%s before moov", h.typ)
		default:
			if err := skipBody(d.r, h); err != nil {
				return nil, err
			}
		}
	}
}

// addTrack registers a stream for a track of the init segment.
func (d *Demuxer) addTrack(track *mcfmp4.InitTrack, info *trackInfo) {
	idx := len(d.streams)
	sd := &media.StreamDescriptor{
		Index:    idx,
		TimeBase: media.NewRational(1, int64(track.TimeScale)),
	}

	switch c := track.Codec.(type) {
	case *mcmp4.CodecH264:
		sd.CodecID = codec.H264
		d.fillVideo(sd, codec.ParamSets{SPS: c.SPS, PPS: c.PPS})

	case *mcmp4.CodecH265:
		sd.CodecID = codec.H265
		d.fillVideo(sd, codec.ParamSets{VPS: c.VPS, SPS: c.SPS, PPS: c.PPS})

	case *mcmp4.CodecAV1:
		sd.CodecID = codec.AV1
		sd.CodecParameters = c.SequenceHeader

	case *mcmp4.CodecVP9:
		sd.CodecID = codec.VP9
		sd.Format.Width = c.Width
		sd.Format.Height = c.Height
		sd.Format.Profile = int(c.Profile)

	case *mcmp4.CodecMPEG4Audio:
		sd.CodecID = codec.AAC
		if conf, err := c.Config.Marshal(); err == nil {
			sd.CodecParameters = conf
		}
		sd.Format.SampleRate = c.Config.SampleRate
		sd.Format.Channels = c.Config.ChannelCount
		sd.Format.FrameSize = aacFrameSamples

	case *mcmp4.CodecOpus:
		sd.CodecID = codec.Opus
		setAudioFormat(sd, opusSampleRate, c.ChannelCount, opusFrameSamples)

	case *mcmp4.CodecAC3:
		sd.CodecID = codec.AC3
		setAudioFormat(sd, c.SampleRate, c.ChannelCount, ac3FrameSamples)

	case *mcmp4.CodecEAC3:
		sd.CodecID = codec.EAC3
		setAudioFormat(sd, c.SampleRate, c.ChannelCount, ac3FrameSamples)

	case *mcmp4.CodecMPEG1Audio:
		sd.CodecID = codec.MP3
		setAudioFormat(sd, c.SampleRate, c.ChannelCount, mp3FrameSamples)

	default:
		d.logger.Debug("Skipping unsupported track",
			slog.Int("track_id", track.ID),
			slog.String("type", fmt.Sprintf("%T", track.Codec)))
		return
	}

	sd.CodecType = sd.CodecID.Type()
	if tag, ok := sd.CodecID.MP4Tag(); ok {
		sd.CodecTag = tag
	}
	if info != nil {
		info.apply(sd)
	}

	d.byTrack[track.ID] = idx
	d.streams = append(d.streams, sd)

	d.logger.Debug("Found track",
		slog.Int("index", idx),
		slog.String("codec", sd.CodecID.String()),
		slog.Int("track_id", track.ID),
		slog.Uint64("timescale", uint64(track.TimeScale)))
}

func (d *Demuxer) fillVideo(sd *media.StreamDescriptor, ps codec.ParamSets) {
	if err := format.FillVideoFormat(sd, ps); err != nil {
		d.logger.Warn("Could not find stream parameters",
			slog.Int("index", sd.Index),
			slog.String("codec", sd.CodecID.String()),
			slog.String("error", err.Error()))
	}
}

func setAudioFormat(sd *media.StreamDescriptor, sampleRate, channels, frameSamples int) {
	if sampleRate <= 0 {
		sampleRate = int(sd.TimeBase.Den)
	}
	sd.Format.SampleRate = sampleRate
	sd.Format.Channels = channels
	sd.Format.FrameSize = frameSamples
}

// Streams returns the streams of the file.
func (d *Demuxer) Streams() []*media.StreamDescriptor {
	return d.streams
}

// Metadata returns container-level metadata from the ftyp box.
func (d *Demuxer) Metadata() media.Metadata {
	return d.metadata
}

// ReadPacket fills pkt with the next packet, or returns io.EOF.
func (d *Demuxer) ReadPacket(pkt *media.Packet) error {
	if d.r == nil {
		return errors.New("demuxer is closed")
	}

	for len(d.queue) == 0 {
		if err := d.readFragment(); err != nil {
			return err
		}
	}

	*pkt = d.queue[0]
	d.queue[0] = media.Packet{}
	d.queue = d.queue[1:]
	return nil
}

// readFragment reads the next moof+mdat pair and queues its samples.
func (d *Demuxer) readFragment() error {
	if d.eof {
		return io.EOF
	}

	for {
		h, err := readBoxHeader(d.r)
		if err != nil {
			return d.endOfInput(err)
		}

		if h.typ != "moof" {
			if h.typ == "mdat" {
				d.logger.Debug("Skipping mdat without moof")
			}
			if err := skipBody(d.r, h); err != nil {
				return d.endOfInput(err)
			}
			continue
		}

		moof, err := readBody(d.r, h)
		if err != nil {
			return d.endOfInput(err)
		}

		mh, err := readBoxHeader(d.r)
		if err != nil {
			return d.endOfInput(err)
		}
		if mh.typ != "mdat" {
			d.logger.Warn("Fragment without mdat", slog.String("box", mh.typ))
			d.corrupt = true
			if err := skipBody(d.r, mh); err != nil {
				return d.endOfInput(err)
			}
			continue
		}
		mdat, err := readBody(d.r, mh)
		if err != nil {
			return d.endOfInput(err)
		}

		fragment := slices.Concat(moof, mdat)
		var parts mcfmp4.Parts
		if err := parts.Unmarshal(fragment); err != nil {
			d.logger.Warn("Skipping undecodable fragment",
				slog.Int("size", len(fragment)),
				slog.String("error", err.Error()))
			d.corrupt = true
			continue
		}

		d.queueParts(parts)
		if len(d.queue) > 0 {
			return nil
		}
	}
}

// endOfInput maps the end of the file to io.EOF. A box cut short by the end
// of the file is logged and treated the same way.
func (d *Demuxer) endOfInput(err error) error {
	switch {
	case errors.Is(err, io.EOF):
	case errors.Is(err, io.ErrUnexpectedEOF):
		d.logger.Warn("Truncated fragment at end of file")
	default:
		return fmt.Errorf("reading fmp4: %w", err)
	}
	d.eof = true
	return io.EOF
}

// queueParts converts the samples of parts into packets ordered by decode time.
func (d *Demuxer) queueParts(parts mcfmp4.Parts) {
	var packets []media.Packet

	for _, part := range parts {
		for _, track := range part.Tracks {
			idx, ok := d.byTrack[track.ID]
			if !ok {
				continue
			}
			sd := d.streams[idx]

			dts := int64(track.BaseTime)
			for _, sample := range track.Samples {
				pkt := media.Packet{
					StreamIndex: idx,
					PTS:         dts + int64(sample.PTSOffset),
					DTS:         dts,
					Duration:    int64(sample.Duration),
					Payload:     sample.Payload,
					Pos:         -1,
				}
				if !sample.IsNonSyncSample {
					pkt.Flags |= media.FlagKey
				}
				if sd.CodecID == codec.H264 || sd.CodecID == codec.H265 {
					if !d.toAnnexB(&pkt) {
						pkt.Flags |= media.FlagCorrupt
					}
				}
				packets = append(packets, pkt)
				dts += int64(sample.Duration)
			}
		}
	}

	slices.SortStableFunc(packets, func(a, b media.Packet) int {
		ta := media.Rescale(a.DTS, d.streams[a.StreamIndex].TimeBase, orderTimeBase)
		tb := media.Rescale(b.DTS, d.streams[b.StreamIndex].TimeBase, orderTimeBase)
		switch {
		case ta < tb:
			return -1
		case ta > tb:
			return 1
		}
		return 0
	})

	if len(packets) > 0 && d.corrupt {
		packets[0].Flags |= media.FlagCorrupt
		d.corrupt = false
	}
	d.queue = append(d.queue, packets...)
}

// toAnnexB rewrites a length-prefixed H.26x payload with start codes.
func (d *Demuxer) toAnnexB(pkt *media.Packet) bool {
	var au h264.AVCC
	if err := au.Unmarshal(pkt.Payload); err != nil {
		d.logger.Debug("Invalid length-prefixed sample",
			slog.Int("stream", pkt.StreamIndex),
			slog.String("error", err.Error()))
		return false
	}
	payload, err := h264.AnnexB(au).Marshal()
	if err != nil {
		return false
	}
	pkt.Payload = payload
	return true
}

// Close releases the file. It is safe to call more than once.
func (d *Demuxer) Close() error {
	d.r = nil
	d.queue = nil
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
