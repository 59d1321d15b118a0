// Package fmp4 implements the fragmented MP4 container backend. Init and media
// segments are encoded and decoded with mediacommon; descriptive boxes the
// mediacommon parser skips (ftyp brands, mdhd language, hdlr names) are read
// with go-mp4.
package fmp4

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/remux/internal/format"
	"github.com/jmylchreest/remux/internal/media"
)

// Name is the registry name of the format.
const Name = "mp4"

// DefaultFragmentDuration is the target duration of a muxed fragment.
const DefaultFragmentDuration = 2 * time.Second

const (
	// videoTimeScale is the track time scale the muxer uses for video.
	videoTimeScale = 90000

	// maxBoxSize bounds the size of a single top-level box read into memory.
	maxBoxSize = 1 << 30
)

// Samples per frame for audio codecs with a fixed frame size.
const (
	aacFrameSamples  = 1024
	ac3FrameSamples  = 1536
	mp3FrameSamples  = 1152
	opusFrameSamples = 960
	opusSampleRate   = 48000
)

// Config configures the fMP4 backend.
type Config struct {
	Logger *slog.Logger

	// FragmentDuration is the minimum span of a fragment, measured on the
	// first video stream (or the first stream when there is no video).
	FragmentDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.FragmentDuration <= 0 {
		c.FragmentDuration = DefaultFragmentDuration
	}
	return c
}

// NewFormat returns the registry entry for fragmented MP4.
func NewFormat(cfg Config) format.Format {
	cfg = cfg.withDefaults()
	return format.Format{
		Name:       Name,
		LongName:   "Fragmented MP4 (ISO BMFF)",
		Extensions: []string{"mp4", "m4s", "m4v", "m4a"},
		Probe:      Probe,
		OpenDemuxer: func(ctx context.Context, path string) (media.Demuxer, error) {
			return Open(ctx, path, cfg)
		},
		NewMuxer: func() media.Muxer {
			return NewMuxer(cfg)
		},
	}
}

// Probe scores header by the type of its first box.
func Probe(header []byte) int {
	if len(header) < 8 {
		return format.ProbeScoreNone
	}
	switch string(header[4:8]) {
	case "ftyp", "styp", "moov", "moof":
		return format.ProbeScoreMax
	case "free", "skip", "wide", "sidx":
		if bytes.Contains(header, []byte("moov")) || bytes.Contains(header, []byte("ftyp")) {
			return format.ProbeScoreMax / 2
		}
	}
	return format.ProbeScoreNone
}
