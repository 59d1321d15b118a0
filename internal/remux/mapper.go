package remux

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/remux/internal/media"
)

// MapStreams declares one output stream for every input stream, in index
// order, so that output stream i carries input stream i.
func MapStreams(in media.Demuxer, out media.Muxer, logger *slog.Logger) ([]*media.StreamDescriptor, error) {
	src := in.Streams()
	mapped := make([]*media.StreamDescriptor, 0, len(src))

	for _, isd := range src {
		osd, err := mapStream(out, isd, logger)
		if err != nil {
			return nil, err
		}
		mapped = append(mapped, osd)
	}
	return mapped, nil
}

func mapStream(out media.Muxer, isd *media.StreamDescriptor, logger *slog.Logger) (*media.StreamDescriptor, error) {
	osd, err := out.AddStream()
	if err != nil {
		return nil, media.NewError(media.KindAlloc, "failed allocating output stream", err)
	}

	osd.CodecType = isd.CodecType
	osd.CodecID = isd.CodecID
	osd.CodecParameters = bytes.Clone(isd.CodecParameters)
	osd.Format = isd.Format
	osd.TimeBase = isd.TimeBase
	osd.Duration = isd.Duration

	tag, ok := out.CodecTag(isd.CodecID)
	if !ok {
		logger.Warn("codec tag not found for output container, using 0",
			slog.Int("stream", isd.Index),
			slog.String("codec", isd.CodecID.String()),
		)
		tag = 0
	}
	osd.CodecTag = tag

	for _, entry := range isd.SideData {
		buf, err := out.NewSideData(osd.Index, entry.Type, len(entry.Data))
		if err != nil {
			return nil, media.NewError(media.KindAlloc, "failed allocating side data",
				fmt.Errorf("stream %d %s: %w", isd.Index, entry.Type, err))
		}
		copy(buf, entry.Data)
	}

	osd.Metadata.Merge(isd.Metadata)

	logger.Debug("mapped stream",
		slog.Int("input", isd.Index),
		slog.Int("output", osd.Index),
		slog.String("codec", isd.CodecID.String()),
		slog.Int("side_data", len(isd.SideData)),
	)
	return osd, nil
}
