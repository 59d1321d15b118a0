// Package remux copies the streams of one container into another without
// decoding them.
package remux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jmylchreest/remux/internal/format"
	"github.com/jmylchreest/remux/internal/media"
	"github.com/jmylchreest/remux/internal/observability"
)

// openMu serializes container opens process-wide. Packet loops of different
// sessions still run concurrently.
var openMu sync.Mutex

// OpenInput opens an input container under the global open lock.
func OpenInput(ctx context.Context, reg *format.Registry, path string) (media.Demuxer, format.Format, error) {
	openMu.Lock()
	defer openMu.Unlock()
	return openInput(ctx, reg, path)
}

func openInput(ctx context.Context, reg *format.Registry, path string) (media.Demuxer, format.Format, error) {
	dmx, f, err := reg.OpenDemuxer(ctx, path)
	if err != nil {
		return nil, f, media.NewError(media.KindOpen, fmt.Sprintf("could not open input file '%s'", path), err)
	}
	return dmx, f, nil
}

// Options configures a session.
type Options struct {
	Logger *slog.Logger
	// Format names the output format. Empty guesses it from the output path.
	Format      string
	WritePolicy WritePolicy
}

// Session owns one input and one output container.
type Session struct {
	ID string

	in         media.Demuxer
	out        media.Muxer
	outPath    string
	outStreams []*media.StreamDescriptor
	policy     WritePolicy
	logger     *slog.Logger
	closed     bool
}

// NewSession wraps already opened containers. Most callers use Open.
func NewSession(in media.Demuxer, out media.Muxer, outPath string, opts Options) *Session {
	return newSession("", in, out, outPath, opts)
}

// newSession creates a session with the given ID, or a fresh one when id is
// empty.
func newSession(id string, in media.Demuxer, out media.Muxer, outPath string, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if id == "" {
		id = uuid.New().String()
	}
	return &Session{
		ID:      id,
		in:      in,
		out:     out,
		outPath: outPath,
		policy:  opts.WritePolicy,
		logger:  observability.WithSession(observability.WithComponent(logger, "remux"), id),
	}
}

// Open opens the input container and allocates the output container. The
// output file itself is not touched until Run. A session ID carried by ctx
// becomes the session ID.
func Open(ctx context.Context, reg *format.Registry, in, out string, opts Options) (*Session, error) {
	openMu.Lock()
	defer openMu.Unlock()

	dmx, inFormat, err := openInput(ctx, reg, in)
	if err != nil {
		return nil, err
	}

	mux, outFormat, err := reg.CreateMuxer(out, opts.Format)
	if err != nil {
		_ = dmx.Close()
		return nil, err
	}

	s := newSession(observability.SessionIDFromContext(ctx), dmx, mux, out, opts)
	s.logger.Debug("session opened",
		slog.String("input", in),
		slog.String("input_format", inFormat.Name),
		slog.String("output", out),
		slog.String("output_format", outFormat.Name),
		slog.Int("streams", len(dmx.Streams())),
	)
	return s, nil
}

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// MapStreams declares the output streams. Run calls it when it has not been
// called yet.
func (s *Session) MapStreams() error {
	if s.outStreams != nil {
		return nil
	}
	mapped, err := MapStreams(s.in, s.out, observability.WithOperation(s.logger, "map"))
	if err != nil {
		return err
	}
	s.outStreams = mapped
	return nil
}

// Run writes the output header, copies every packet and writes the trailer.
// Stats are returned even when Run fails.
func (s *Session) Run(ctx context.Context) (Stats, error) {
	if s.closed {
		return Stats{}, errors.New("session is closed")
	}
	if err := s.MapStreams(); err != nil {
		return Stats{}, err
	}

	if err := s.out.OpenIO(s.outPath); err != nil {
		return Stats{}, media.NewError(media.KindIO, fmt.Sprintf("could not open output file '%s'", s.outPath), err)
	}
	if err := s.out.WriteHeader(); err != nil {
		return Stats{}, media.NewError(media.KindIO, "error occurred when opening output file", err)
	}

	ctx = observability.ContextWithSessionID(observability.ContextWithLogger(ctx, s.logger), s.ID)
	r := newRemultiplexer(s.in, s.out, s.outStreams, s.policy)
	err := r.run(ctx)
	stats := r.stats

	s.logger.Info("remux finished",
		slog.Int64("read", stats.Read),
		slog.Int64("written", stats.Written),
		slog.Int64("dropped", stats.Dropped),
		slog.Int64("corrupt", stats.Corrupt),
		slog.Int64("write_errors", stats.WriteErrors),
		slog.Int64("bytes", stats.Bytes),
	)
	return stats, err
}

// Close closes both containers. It always closes both, and is safe to call
// more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.out != nil {
		if err := s.out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing output: %w", err))
		}
	}
	if s.in != nil {
		if err := s.in.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing input: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run remuxes in into out in a single session.
func Run(ctx context.Context, reg *format.Registry, in, out string, opts Options) (stats Stats, err error) {
	s, err := Open(ctx, reg, in, out, opts)
	if err != nil {
		return Stats{}, err
	}

	done := observability.TimedOperationWithError(ctx, s.logger, "remux", &err)
	defer done()
	defer func() {
		if cerr := s.Close(); cerr != nil {
			observability.WithError(s.logger, cerr).Warn("closing session")
		}
	}()

	return s.Run(ctx)
}
