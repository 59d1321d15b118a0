package mpegts

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/asticode/go-astits"

	"github.com/jmylchreest/remux/internal/media"
)

const maxScanFailures = 64

// siInfo is the metadata found in the PSI/SI tables of a transport stream.
type siInfo struct {
	// languages maps an elementary PID to its ISO 639 language code.
	languages map[uint16]string

	// service holds service_name and service_provider from the SDT.
	service media.Metadata

	programNumber uint16
}

// scanSI reads PAT/PMT/SDT from r until both the PMT and the SDT have been
// seen or r is exhausted.
func scanSI(ctx context.Context, r io.Reader) (*siInfo, error) {
	info := &siInfo{languages: make(map[uint16]string)}

	dmx := astits.NewDemuxer(ctx, r, astits.DemuxerOptPacketSize(packetSize))

	var havePMT, haveSDT bool
	failures := 0
	for !havePMT || !haveSDT {
		data, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if ctx.Err() != nil {
				return info, ctx.Err()
			}
			// Damaged section data is not fatal for a metadata scan.
			if failures++; failures > maxScanFailures {
				break
			}
			continue
		}
		failures = 0

		switch {
		case data.PMT != nil && !havePMT:
			havePMT = true
			info.programNumber = data.PMT.ProgramNumber
			for _, es := range data.PMT.ElementaryStreams {
				if lang := esLanguage(es); lang != "" {
					info.languages[es.ElementaryPID] = lang
				}
			}

		case data.SDT != nil && !haveSDT:
			haveSDT = true
			for _, svc := range data.SDT.Services {
				for _, d := range svc.Descriptors {
					if d.Service == nil {
						continue
					}
					if name := cleanString(d.Service.Name); name != "" {
						info.service.Append("service_name", name)
					}
					if provider := cleanString(d.Service.Provider); provider != "" {
						info.service.Append("service_provider", provider)
					}
				}
			}
		}
	}

	return info, nil
}

// esLanguage returns the ISO 639 language of an elementary stream.
func esLanguage(es *astits.PMTElementaryStream) string {
	for _, d := range es.ElementaryStreamDescriptors {
		if d.ISO639LanguageAndAudioType == nil {
			continue
		}
		return cleanString(d.ISO639LanguageAndAudioType.Language)
	}
	return ""
}

// cleanString strips the DVB character table prefix and padding.
func cleanString(b []byte) string {
	if len(b) > 0 && b[0] < 0x20 {
		b = b[1:]
	}
	return strings.TrimRight(strings.TrimSpace(string(b)), "\x00")
}
