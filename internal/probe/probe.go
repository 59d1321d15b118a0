// Package probe describes the streams of a container file.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/remux/internal/codec"
	"github.com/jmylchreest/remux/internal/format"
	"github.com/jmylchreest/remux/internal/media"
	"github.com/jmylchreest/remux/internal/remux"
)

// Output formats.
const (
	OutputText = "text"
	OutputJSON = "json"
	OutputYAML = "yaml"
)

// Report describes an input container.
type Report struct {
	Path           string                `json:"path" yaml:"path"`
	Format         string                `json:"format" yaml:"format"`
	FormatLongName string                `json:"format_long_name" yaml:"format_long_name"`
	Metadata       []media.MetadataEntry `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Streams        []Stream              `json:"streams" yaml:"streams"`
}

// Stream describes one elementary stream.
type Stream struct {
	Index     int    `json:"index" yaml:"index"`
	Type      string `json:"type" yaml:"type"`
	CodecID   string `json:"codec_id" yaml:"codec_id"`
	CodecName string `json:"codec_name" yaml:"codec_name"`
	CodecTag  string `json:"codec_tag,omitempty" yaml:"codec_tag,omitempty"`
	TimeBase  string `json:"time_base" yaml:"time_base"`
	BitRate   int64  `json:"bit_rate,omitempty" yaml:"bit_rate,omitempty"`
	// Duration is zero when unknown.
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	Width             int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height            int    `json:"height,omitempty" yaml:"height,omitempty"`
	SampleAspectRatio string `json:"sample_aspect_ratio,omitempty" yaml:"sample_aspect_ratio,omitempty"`
	Profile           int    `json:"profile,omitempty" yaml:"profile,omitempty"`
	Level             int    `json:"level,omitempty" yaml:"level,omitempty"`

	Channels   int `json:"channels,omitempty" yaml:"channels,omitempty"`
	SampleRate int `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	FrameSize  int `json:"frame_size,omitempty" yaml:"frame_size,omitempty"`

	SideData []string              `json:"side_data,omitempty" yaml:"side_data,omitempty"`
	Metadata []media.MetadataEntry `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// metadataSource is implemented by demuxers that expose container metadata.
type metadataSource interface {
	Metadata() media.Metadata
}

// Probe opens path under the global open lock and describes it.
func Probe(ctx context.Context, reg *format.Registry, path string) (*Report, error) {
	dmx, f, err := remux.OpenInput(ctx, reg, path)
	if err != nil {
		return nil, err
	}
	defer dmx.Close()

	return NewReport(path, f, dmx), nil
}

// NewReport builds a report from an open demuxer.
func NewReport(path string, f format.Format, dmx media.Demuxer) *Report {
	r := &Report{
		Path:           path,
		Format:         f.Name,
		FormatLongName: f.LongName,
	}
	if src, ok := dmx.(metadataSource); ok {
		if md := src.Metadata(); md.Len() > 0 {
			r.Metadata = md.Entries()
		}
	}

	for _, sd := range dmx.Streams() {
		r.Streams = append(r.Streams, newStream(sd))
	}
	return r
}

func newStream(sd *media.StreamDescriptor) Stream {
	s := Stream{
		Index:     sd.Index,
		Type:      sd.CodecType.String(),
		CodecID:   sd.CodecID.String(),
		CodecName: sd.CodecID.LongName(),
		TimeBase:  sd.TimeBase.String(),
		BitRate:   sd.Format.BitRate,
	}
	if sd.CodecTag != 0 {
		s.CodecTag = codec.TagString(sd.CodecTag)
	}
	if sd.Duration > 0 && sd.TimeBase.Valid() {
		s.Duration = time.Duration(media.Rescale(sd.Duration, sd.TimeBase, media.NewRational(1, int64(time.Second))))
	}

	switch sd.CodecType {
	case codec.TypeVideo:
		s.Width = sd.Format.Width
		s.Height = sd.Format.Height
		s.Profile = sd.Format.Profile
		s.Level = sd.Format.Level
		if sar := sd.Format.SampleAspectRatio; sar.Valid() {
			s.SampleAspectRatio = fmt.Sprintf("%d:%d", sar.Num, sar.Den)
		}
	case codec.TypeAudio:
		s.Channels = sd.Format.Channels
		s.SampleRate = sd.Format.SampleRate
		s.FrameSize = sd.Format.FrameSize
	}

	for _, entry := range sd.SideData {
		s.SideData = append(s.SideData, entry.Type.String())
	}
	if sd.Metadata.Len() > 0 {
		s.Metadata = sd.Metadata.Entries()
	}
	return s
}

// Write renders r to w in the given output format.
func Write(w io.Writer, r *Report, output string) error {
	switch output {
	case "", OutputText:
		_, err := io.WriteString(w, Text(r))
		return err
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case OutputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want %s, %s or %s)", output, OutputText, OutputJSON, OutputYAML)
	}
}

// Text renders r as indented human-readable text.
func Text(r *Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Input: %s\n", r.Path)
	fmt.Fprintf(&b, "  format: %s (%s)\n", r.Format, r.FormatLongName)
	writeMetadata(&b, "  ", r.Metadata)

	for _, s := range r.Streams {
		fmt.Fprintf(&b, "Stream #%d: %s\n", s.Index, s.Type)
		fmt.Fprintf(&b, "    codec: %s (%s)\n", s.CodecID, s.CodecName)
		if s.CodecTag != "" {
			fmt.Fprintf(&b, "    codec tag: %s\n", s.CodecTag)
		}
		fmt.Fprintf(&b, "    time base: %s\n", s.TimeBase)
		if s.BitRate > 0 {
			fmt.Fprintf(&b, "    bit rate: %s\n", bitRate(s.BitRate))
		}
		if s.Duration > 0 {
			fmt.Fprintf(&b, "    duration: %s\n", clock(s.Duration))
		}

		switch s.Type {
		case codec.TypeVideo.String():
			fmt.Fprintf(&b, "    width: %s\n", number(int64(s.Width)))
			fmt.Fprintf(&b, "    height: %s\n", number(int64(s.Height)))
			if s.SampleAspectRatio != "" {
				fmt.Fprintf(&b, "    sample aspect ratio: %s\n", s.SampleAspectRatio)
			}
			fmt.Fprintf(&b, "    level: %d\n", s.Level)
		case codec.TypeAudio.String():
			fmt.Fprintf(&b, "    channels: %d\n", s.Channels)
			fmt.Fprintf(&b, "    sample rate: %s Hz\n", number(int64(s.SampleRate)))
			fmt.Fprintf(&b, "    frame size: %s\n", number(int64(s.FrameSize)))
		}

		if len(s.SideData) > 0 {
			fmt.Fprintf(&b, "    side data: %s\n", strings.Join(s.SideData, ", "))
		}
		writeMetadata(&b, "    ", s.Metadata)
	}
	return b.String()
}

func writeMetadata(b *strings.Builder, indent string, entries []media.MetadataEntry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(b, "%smetadata:\n", indent)
	for _, e := range entries {
		value := e.Value
		if e.Key == "language" {
			if name := languageName(e.Value); name != "" {
				value = fmt.Sprintf("%s (%s)", e.Value, name)
			}
		}
		fmt.Fprintf(b, "%s  %s: %s\n", indent, e.Key, value)
	}
}
