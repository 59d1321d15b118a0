// Package codec provides the codec identity registry used by the remuxer.
// It consolidates codec names, media types, and the container-specific tags
// (MPEG-TS stream types, MP4 sample entry fourccs) muxers declare for a stream.
package codec

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Type is the media type of an elementary stream.
type Type int

// Media type constants.
const (
	TypeUnknown Type = iota
	TypeVideo
	TypeAudio
	TypeData
	TypeSubtitle
)

// String returns the lowercase media type name.
func (t Type) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	case TypeData:
		return "data"
	case TypeSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// ID identifies a compressed bitstream format.
type ID string

// Codec ID constants.
const (
	None ID = ""
	H264 ID = "h264" // H.264/AVC
	H265 ID = "h265" // H.265/HEVC
	AV1  ID = "av1"  // AV1 (fMP4 only)
	VP9  ID = "vp9"  // VP9 (fMP4 only)
	AAC  ID = "aac"  // AAC
	AC3  ID = "ac3"  // Dolby Digital (AC-3)
	EAC3 ID = "eac3" // Dolby Digital Plus (E-AC-3)
	MP3  ID = "mp3"  // MPEG-1/2 audio layer III
	Opus ID = "opus" // Opus
)

// MPEG-TS stream type constants.
const (
	StreamTypeMP3     uint8 = 0x03
	StreamTypePrivate uint8 = 0x06
	StreamTypeAAC     uint8 = 0x0F
	StreamTypeH264    uint8 = 0x1B
	StreamTypeH265    uint8 = 0x24
	StreamTypeAC3     uint8 = 0x81
	StreamTypeEAC3    uint8 = 0x87
)

// Info describes a codec.
type Info struct {
	ID       ID
	Type     Type
	LongName string
	// Aliases are alternative names, including sample entry and ffmpeg names.
	Aliases []string
	// MPEGTSStreamType is the PMT stream_type (0 if not carried in MPEG-TS).
	MPEGTSStreamType uint8
	// MP4FourCC is the ISO BMFF sample entry type ("" if not carried in MP4).
	MP4FourCC string
}

// registry contains all codec definitions.
var registry = map[ID]*Info{
	H264: {
		ID:               H264,
		Type:             TypeVideo,
		LongName:         "H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10",
		Aliases:          []string{"h264", "avc", "avc1", "h.264"},
		MPEGTSStreamType: StreamTypeH264,
		MP4FourCC:        "avc1",
	},
	H265: {
		ID:               H265,
		Type:             TypeVideo,
		LongName:         "H.265 / HEVC (High Efficiency Video Coding)",
		Aliases:          []string{"h265", "hevc", "hev1", "hvc1", "h.265"},
		MPEGTSStreamType: StreamTypeH265,
		MP4FourCC:        "hvc1",
	},
	AV1: {
		ID:        AV1,
		Type:      TypeVideo,
		LongName:  "Alliance for Open Media AV1",
		Aliases:   []string{"av1", "av01"},
		MP4FourCC: "av01",
	},
	VP9: {
		ID:        VP9,
		Type:      TypeVideo,
		LongName:  "Google VP9",
		Aliases:   []string{"vp9", "vp09"},
		MP4FourCC: "vp09",
	},
	AAC: {
		ID:               AAC,
		Type:             TypeAudio,
		LongName:         "AAC (Advanced Audio Coding)",
		Aliases:          []string{"aac", "mp4a"},
		MPEGTSStreamType: StreamTypeAAC,
		MP4FourCC:        "mp4a",
	},
	AC3: {
		ID:               AC3,
		Type:             TypeAudio,
		LongName:         "ATSC A/52A (AC-3)",
		Aliases:          []string{"ac3", "ac-3", "a52"},
		MPEGTSStreamType: StreamTypeAC3,
		MP4FourCC:        "ac-3",
	},
	EAC3: {
		ID:               EAC3,
		Type:             TypeAudio,
		LongName:         "ATSC A/52B (AC-3, E-AC-3)",
		Aliases:          []string{"eac3", "ec-3", "ec3"},
		MPEGTSStreamType: StreamTypeEAC3,
		MP4FourCC:        "ec-3",
	},
	MP3: {
		ID:               MP3,
		Type:             TypeAudio,
		LongName:         "MP3 (MPEG audio layer 3)",
		Aliases:          []string{"mp3", "mpga", "mp2", "mp1"},
		MPEGTSStreamType: StreamTypeMP3,
		MP4FourCC:        "mp4a",
	},
	Opus: {
		ID:               Opus,
		Type:             TypeAudio,
		LongName:         "Opus (Opus Interactive Audio Codec)",
		Aliases:          []string{"opus"},
		MPEGTSStreamType: StreamTypePrivate,
		MP4FourCC:        "Opus",
	},
}

// aliasIndex maps all aliases to their canonical codec.
var aliasIndex map[string]ID

func init() {
	aliasIndex = make(map[string]ID)
	for id, info := range registry {
		for _, alias := range info.Aliases {
			aliasIndex[strings.ToLower(alias)] = id
		}
	}
}

// Parse parses a codec name or alias to its canonical ID.
func Parse(s string) (ID, bool) {
	if s == "" {
		return None, false
	}
	id, ok := aliasIndex[strings.ToLower(strings.TrimSpace(s))]
	return id, ok
}

// Lookup returns the registry entry for id.
func Lookup(id ID) (Info, bool) {
	info, ok := registry[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// String returns the canonical codec name, or "none".
func (id ID) String() string {
	if id == None {
		return "none"
	}
	return string(id)
}

// Type returns the media type of the codec.
func (id ID) Type() Type {
	if info, ok := registry[id]; ok {
		return info.Type
	}
	return TypeUnknown
}

// LongName returns the descriptive codec name, or "Unknown".
func (id ID) LongName() string {
	if info, ok := registry[id]; ok {
		return info.LongName
	}
	return "Unknown"
}

// MPEGTSStreamType returns the MPEG-TS stream_type for the codec.
func (id ID) MPEGTSStreamType() (uint8, bool) {
	info, ok := registry[id]
	if !ok || info.MPEGTSStreamType == 0 {
		return 0, false
	}
	return info.MPEGTSStreamType, true
}

// MP4Tag returns the MP4 sample entry fourcc packed as a big-endian uint32.
func (id ID) MP4Tag() (uint32, bool) {
	info, ok := registry[id]
	if !ok || info.MP4FourCC == "" {
		return 0, false
	}
	return FourCC(info.MP4FourCC), true
}

// FourCC packs a four character code into a big-endian uint32.
// Shorter codes are padded with spaces.
func FourCC(s string) uint32 {
	var b [4]byte
	copy(b[:], "    ")
	copy(b[:], s)
	return binary.BigEndian.Uint32(b[:])
}

// TagString renders a codec tag as a fourcc when printable, hex otherwise.
func TagString(tag uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], tag)
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%04X", tag)
		}
	}
	return string(b[:])
}
