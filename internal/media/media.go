// Package media defines the container-neutral data model shared by the format
// backends and the remux engine: stream descriptors, packets, side data,
// metadata, time bases, and the Demuxer/Muxer interfaces.
package media

import (
	"fmt"
	"math"

	"github.com/jmylchreest/remux/internal/codec"
)

// NoPTS marks an unknown timestamp.
const NoPTS int64 = math.MinInt64

// MaxSideDataSize is the largest side data entry a muxer will allocate.
const MaxSideDataSize = 1 << 24

// Rational is a fraction used for time bases and aspect ratios.
type Rational struct {
	Num int64 `json:"num" yaml:"num"`
	Den int64 `json:"den" yaml:"den"`
}

// NewRational returns num/den.
func NewRational(num, den int64) Rational {
	return Rational{Num: num, Den: den}
}

// Valid reports whether the rational has a positive denominator and non-zero numerator.
func (r Rational) Valid() bool {
	return r.Num != 0 && r.Den > 0
}

// Float64 returns the value of the rational, or 0 when the denominator is 0.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// String returns "num/den".
func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// StreamFormat carries the informational codec fields of a stream.
// Zero values mean unknown.
type StreamFormat struct {
	BitRate int64 `json:"bit_rate,omitempty" yaml:"bit_rate,omitempty"`

	// Video
	Width             int      `json:"width,omitempty" yaml:"width,omitempty"`
	Height            int      `json:"height,omitempty" yaml:"height,omitempty"`
	SampleAspectRatio Rational `json:"sample_aspect_ratio" yaml:"sample_aspect_ratio"`
	Profile           int      `json:"profile,omitempty" yaml:"profile,omitempty"`
	Level             int      `json:"level,omitempty" yaml:"level,omitempty"`

	// Audio
	Channels   int `json:"channels,omitempty" yaml:"channels,omitempty"`
	SampleRate int `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	FrameSize  int `json:"frame_size,omitempty" yaml:"frame_size,omitempty"`
}

// SideDataType tags a side data entry.
type SideDataType int

// Side data types.
const (
	SideDataUnknown SideDataType = iota
	SideDataDisplayMatrix
	SideDataStereo3D
	SideDataSpherical
	SideDataContentLight
	SideDataMasteringDisplay
	SideDataEncryptionInfo
	SideDataDOVIConfig
)

var sideDataNames = map[SideDataType]string{
	SideDataDisplayMatrix:    "display_matrix",
	SideDataStereo3D:         "stereo3d",
	SideDataSpherical:        "spherical",
	SideDataContentLight:     "content_light_level",
	SideDataMasteringDisplay: "mastering_display_metadata",
	SideDataEncryptionInfo:   "encryption_info",
	SideDataDOVIConfig:       "dovi_configuration",
}

// String returns the side data type name.
func (t SideDataType) String() string {
	if name, ok := sideDataNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// SideDataEntry is an opaque, typed blob attached to a stream.
type SideDataEntry struct {
	Type SideDataType
	Data []byte
}

// StreamDescriptor describes one elementary stream of a container.
type StreamDescriptor struct {
	Index     int
	CodecType codec.Type
	CodecID   codec.ID
	// CodecTag is the container-specific codec tag (0 = let the muxer choose).
	CodecTag uint32
	// CodecParameters is the codec configuration record, copied verbatim
	// between containers. H.264/H.265 carry Annex-B parameter sets, AAC its
	// AudioSpecificConfig, AV1 its sequence header OBU.
	CodecParameters []byte
	Format          StreamFormat
	TimeBase        Rational
	// Duration in TimeBase units (0 = unknown).
	Duration int64
	SideData []SideDataEntry
	Metadata Metadata
}

// AddSideData appends a zeroed side data entry of size bytes and returns its
// buffer for the caller to fill.
func (sd *StreamDescriptor) AddSideData(typ SideDataType, size int) ([]byte, error) {
	if size < 0 || size > MaxSideDataSize {
		return nil, NewError(KindAlloc, "allocating side data",
			fmt.Errorf("%s: invalid size %d", typ, size))
	}
	buf := make([]byte, size)
	sd.SideData = append(sd.SideData, SideDataEntry{Type: typ, Data: buf})
	return buf, nil
}

// PacketFlags is a bit set of per-packet flags.
type PacketFlags uint32

// Packet flags.
const (
	FlagKey PacketFlags = 1 << iota
	FlagCorrupt
)

// Packet is one still-compressed access unit.
// PTS, DTS and Duration are expressed in the owning stream's time base.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	Flags       PacketFlags
	Payload     []byte
	// Pos is the byte offset in the source container (-1 = unknown).
	Pos int64
}

// IsKey reports whether the packet starts a random access point.
func (p *Packet) IsKey() bool { return p.Flags&FlagKey != 0 }

// IsCorrupt reports whether the demuxer flagged the packet as damaged.
func (p *Packet) IsCorrupt() bool { return p.Flags&FlagCorrupt != 0 }

// Reset releases the payload and clears the packet for reuse.
func (p *Packet) Reset() {
	*p = Packet{PTS: NoPTS, DTS: NoPTS, Pos: -1}
}

// Demuxer reads packets from an input container.
type Demuxer interface {
	// Streams returns the streams of the container, ordered by index.
	Streams() []*StreamDescriptor

	// ReadPacket fills pkt with the next packet.
	// Returns io.EOF once the container is exhausted.
	ReadPacket(pkt *Packet) error

	// Close releases the container. Safe to call more than once.
	Close() error
}

// Muxer writes packets to an output container.
// The call order is AddStream*, OpenIO, WriteHeader, WritePacket*, WriteTrailer.
type Muxer interface {
	// AddStream declares a new output stream at the next index and returns its
	// descriptor, which the caller fills before WriteHeader.
	AddStream() (*StreamDescriptor, error)

	// CodecTag returns the container-specific tag for a codec.
	CodecTag(id codec.ID) (uint32, bool)

	// NewSideData allocates a side data slot of size bytes on an output stream.
	NewSideData(stream int, typ SideDataType, size int) ([]byte, error)

	// OpenIO creates (or truncates) the output file.
	OpenIO(path string) error

	// WriteHeader validates the declared streams, assigns output time bases and
	// writes the container header.
	WriteHeader() error

	// WritePacket writes a packet whose timestamps are in the output time base.
	WritePacket(pkt *Packet) error

	// WriteTrailer flushes pending data and finalizes the container.
	WriteTrailer() error

	// Close releases the container. Safe to call more than once and on a
	// partially initialized muxer.
	Close() error
}
