// Package format provides the container format registry. Formats are looked up
// by name, by file extension, or by probing the first bytes of a file.
package format

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jmylchreest/remux/internal/media"
)

// ProbeSize is the number of leading bytes handed to Format.Probe.
const ProbeSize = 2048

// Probe scores.
const (
	ProbeScoreNone      = 0
	ProbeScoreExtension = 50
	ProbeScoreMax       = 100
)

// ErrUnknownFormat is returned when no registered format matches.
var ErrUnknownFormat = errors.New("unknown container format")

// Format describes a container format backend.
type Format struct {
	Name       string
	LongName   string
	Extensions []string

	// Probe scores the leading bytes of a file, from ProbeScoreNone to ProbeScoreMax.
	Probe func(header []byte) int

	// OpenDemuxer opens path for reading.
	OpenDemuxer func(ctx context.Context, path string) (media.Demuxer, error)

	// NewMuxer allocates an output container. No file is touched until OpenIO.
	NewMuxer func() media.Muxer
}

// Registry holds the known container formats.
type Registry struct {
	formats []Format
}

// NewRegistry creates a registry with the given formats.
func NewRegistry(formats ...Format) (*Registry, error) {
	r := &Registry{}
	for _, f := range formats {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a format. Names must be unique.
func (r *Registry) Register(f Format) error {
	if f.Name == "" {
		return errors.New("format name is required")
	}
	if _, ok := r.Lookup(f.Name); ok {
		return fmt.Errorf("format %q already registered", f.Name)
	}
	r.formats = append(r.formats, f)
	return nil
}

// Lookup returns the format registered under name.
func (r *Registry) Lookup(name string) (Format, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, f := range r.formats {
		if f.Name == name {
			return f, true
		}
	}
	return Format{}, false
}

// ByExtension returns the format whose extensions include the extension of path.
func (r *Registry) ByExtension(path string) (Format, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return Format{}, false
	}
	for _, f := range r.formats {
		if slices.Contains(f.Extensions, ext) {
			return f, true
		}
	}
	return Format{}, false
}

// Names returns the registered format names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.formats))
	for _, f := range r.formats {
		names = append(names, f.Name)
	}
	return names
}

// Detect picks the input format for header, falling back to the extension of
// path when no format recognizes the content.
func (r *Registry) Detect(path string, header []byte) (Format, bool) {
	best, bestScore := Format{}, ProbeScoreNone
	for _, f := range r.formats {
		if f.Probe == nil {
			continue
		}
		if score := f.Probe(header); score > bestScore {
			best, bestScore = f, score
		}
	}
	if bestScore > ProbeScoreNone {
		return best, true
	}
	return r.ByExtension(path)
}

// OpenDemuxer probes path and opens it with the matching format.
func (r *Registry) OpenDemuxer(ctx context.Context, path string) (media.Demuxer, Format, error) {
	header, err := readHeader(path)
	if err != nil {
		return nil, Format{}, err
	}

	f, ok := r.Detect(path, header)
	if !ok || f.OpenDemuxer == nil {
		return nil, Format{}, media.NewErrorCode(media.KindOpen, "probing input", media.CodeInvalidData, ErrUnknownFormat)
	}

	dmx, err := f.OpenDemuxer(ctx, path)
	if err != nil {
		return nil, f, fmt.Errorf("opening %s demuxer: %w", f.Name, err)
	}
	return dmx, f, nil
}

// CreateMuxer allocates a muxer for path. A non-empty hint names the format
// and takes precedence over the file extension.
func (r *Registry) CreateMuxer(path, hint string) (media.Muxer, Format, error) {
	var (
		f  Format
		ok bool
	)
	if hint != "" {
		f, ok = r.Lookup(hint)
		if !ok {
			return nil, Format{}, media.NewErrorCode(media.KindAlloc, "selecting output format",
				media.CodeMuxerNotFound, fmt.Errorf("%w: %q", ErrUnknownFormat, hint))
		}
	} else {
		f, ok = r.ByExtension(path)
		if !ok {
			return nil, Format{}, media.NewErrorCode(media.KindAlloc, "selecting output format",
				media.CodeInvalid, fmt.Errorf("%w: cannot guess from %q", ErrUnknownFormat, filepath.Base(path)))
		}
	}

	if f.NewMuxer == nil {
		return nil, f, media.NewErrorCode(media.KindAlloc, "selecting output format",
			media.CodeMuxerNotFound, fmt.Errorf("format %s cannot be written", f.Name))
	}
	return f.NewMuxer(), f, nil
}

func readHeader(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	header := make([]byte, ProbeSize)
	n, err := io.ReadFull(file, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	return header[:n], nil
}
