// Package mpegts implements the MPEG-TS container backend on top of the
// mediacommon reader and writer. Per-stream metadata comes from a separate
// PSI/SI scan with go-astits.
package mpegts

import (
	"context"
	"log/slog"

	"github.com/jmylchreest/remux/internal/format"
	"github.com/jmylchreest/remux/internal/media"
)

// Name is the registry name of the format.
const Name = "mpegts"

// Defaults.
const (
	DefaultScanSize     = 4 * 1024 * 1024
	DefaultProbePackets = 256
)

const (
	packetSize = 188
	syncByte   = 0x47

	// timeScale is the MPEG-TS system clock rate used for PTS/DTS.
	timeScale = 90000

	// firstPID is assigned to the first output stream; later streams follow.
	firstPID = 0x0100
)

// TimeBase is the time base of every MPEG-TS stream.
var TimeBase = media.NewRational(1, timeScale)

// Config configures the MPEG-TS backend.
type Config struct {
	Logger *slog.Logger

	// ScanSize is the number of bytes scanned for PSI/SI metadata.
	ScanSize int64

	// ProbePackets bounds the read-ahead used to fill in stream parameters.
	ProbePackets int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ScanSize <= 0 {
		c.ScanSize = DefaultScanSize
	}
	if c.ProbePackets <= 0 {
		c.ProbePackets = DefaultProbePackets
	}
	return c
}

// NewFormat returns the registry entry for MPEG-TS.
func NewFormat(cfg Config) format.Format {
	cfg = cfg.withDefaults()
	return format.Format{
		Name:       Name,
		LongName:   "MPEG-TS (MPEG-2 Transport Stream)",
		Extensions: []string{"ts", "m2t", "m2ts", "mts"},
		Probe:      Probe,
		OpenDemuxer: func(ctx context.Context, path string) (media.Demuxer, error) {
			return Open(ctx, path, cfg)
		},
		NewMuxer: func() media.Muxer {
			return NewMuxer(cfg)
		},
	}
}

// Probe scores header by checking for sync bytes at packet boundaries.
func Probe(header []byte) int {
	if len(header) == 0 || header[0] != syncByte {
		return format.ProbeScoreNone
	}

	packets := len(header) / packetSize
	if packets < 2 {
		return format.ProbeScoreNone + 1
	}
	for i := 1; i < packets; i++ {
		if header[i*packetSize] != syncByte {
			return format.ProbeScoreNone + 1
		}
	}
	return format.ProbeScoreMax
}
