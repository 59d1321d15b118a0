package remux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmylchreest/remux/internal/config"
	"github.com/jmylchreest/remux/internal/media"
	"github.com/jmylchreest/remux/internal/observability"
)

// WritePolicy decides what happens when the output muxer rejects a packet.
type WritePolicy int

const (
	// WritePolicyContinue logs the failure, counts it and keeps going.
	WritePolicyContinue WritePolicy = iota
	// WritePolicyFailFast aborts the session on the first rejected packet.
	WritePolicyFailFast
)

// ParseWritePolicy parses a configured policy name.
func ParseWritePolicy(s string) (WritePolicy, error) {
	switch s {
	case "", config.WritePolicyContinue:
		return WritePolicyContinue, nil
	case config.WritePolicyFail:
		return WritePolicyFailFast, nil
	default:
		return WritePolicyContinue, fmt.Errorf("unknown write policy %q (want %s or %s)",
			s, config.WritePolicyContinue, config.WritePolicyFail)
	}
}

func (p WritePolicy) String() string {
	if p == WritePolicyFailFast {
		return config.WritePolicyFail
	}
	return config.WritePolicyContinue
}

// Stats counts what happened to the packets of a session.
type Stats struct {
	Read        int64 `json:"read" yaml:"read"`
	Written     int64 `json:"written" yaml:"written"`
	Dropped     int64 `json:"dropped" yaml:"dropped"`
	Corrupt     int64 `json:"corrupt" yaml:"corrupt"`
	WriteErrors int64 `json:"write_errors" yaml:"write_errors"`
	// Bytes is the payload size of all written packets.
	Bytes int64 `json:"bytes" yaml:"bytes"`
	// PerStream counts written packets by output stream index.
	PerStream []int64 `json:"per_stream" yaml:"per_stream"`
}

// remultiplexer copies packets from one container to another.
type remultiplexer struct {
	in     media.Demuxer
	out    media.Muxer
	inTB   []media.Rational
	outTB  []media.Rational
	policy WritePolicy
	logger *slog.Logger
	stats  Stats
}

func newRemultiplexer(in media.Demuxer, out media.Muxer, outStreams []*media.StreamDescriptor,
	policy WritePolicy) *remultiplexer {
	inStreams := in.Streams()
	r := &remultiplexer{
		in:     in,
		out:    out,
		inTB:   make([]media.Rational, len(inStreams)),
		outTB:  make([]media.Rational, len(inStreams)),
		policy: policy,
	}
	for i, sd := range inStreams {
		r.inTB[i] = sd.TimeBase
		r.outTB[i] = outStreams[i].TimeBase
	}
	r.stats.PerStream = make([]int64, len(inStreams))
	return r
}

// run drives the packet loop until the input is exhausted, then writes the
// trailer. Output time bases are read after WriteHeader has assigned them.
// The session logger is taken from ctx.
func (r *remultiplexer) run(ctx context.Context) error {
	logger := observability.LoggerFromContext(ctx)
	r.logger = observability.WithOperation(logger, "copy")

	var pkt media.Packet

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pkt.Reset()
		if err := r.in.ReadPacket(&pkt); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return media.NewError(media.KindRead, "error reading packet", err)
		}
		r.stats.Read++

		idx := pkt.StreamIndex
		if idx < 0 || idx >= len(r.inTB) {
			r.logger.Warn("dropping packet with out-of-range stream index",
				slog.Int("stream", idx),
				slog.Int("streams", len(r.inTB)),
			)
			r.stats.Dropped++
			continue
		}

		if pkt.IsCorrupt() {
			r.logger.Warn("packet flagged as corrupt, forwarding",
				slog.Int("stream", idx),
				slog.Int64("pts", pkt.PTS),
			)
			r.stats.Corrupt++
		}

		inTB, outTB := r.inTB[idx], r.outTB[idx]
		pkt.PTS = media.RescaleTimestamp(pkt.PTS, inTB, outTB)
		pkt.DTS = media.RescaleTimestamp(pkt.DTS, inTB, outTB)
		pkt.Duration = media.Rescale(pkt.Duration, inTB, outTB)
		pkt.Pos = -1

		size := len(pkt.Payload)
		if err := r.out.WritePacket(&pkt); err != nil {
			r.stats.WriteErrors++
			if r.policy == WritePolicyFailFast {
				return media.NewError(media.KindWrite, "error muxing packet", err)
			}
			observability.WithError(r.logger, err).Warn("error muxing packet, continuing",
				slog.Int("stream", idx),
				slog.Int64("pts", pkt.PTS),
			)
			continue
		}

		r.stats.Written++
		r.stats.Bytes += int64(size)
		r.stats.PerStream[idx]++

		r.logger.Log(ctx, observability.LevelTrace, "packet written",
			slog.Int("stream", idx),
			slog.Int64("pts", pkt.PTS),
			slog.Int64("dts", pkt.DTS),
			slog.Int("size", size),
		)
	}

	observability.WithOperation(logger, "finalize").Debug("writing trailer",
		slog.Int64("written", r.stats.Written),
	)
	if err := r.out.WriteTrailer(); err != nil {
		return media.NewError(media.KindIO, "error writing trailer", err)
	}
	return nil
}
