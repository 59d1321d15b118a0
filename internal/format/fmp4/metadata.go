package fmp4

import (
	"bytes"
	"strconv"
	"strings"

	gomp4 "github.com/abema/go-mp4"

	"github.com/jmylchreest/remux/internal/media"
)

// trackInfo holds per-track descriptive fields of the moov box.
type trackInfo struct {
	language  string
	handler   string
	duration  uint64
	timeScale uint32
}

// initInfo holds the descriptive fields of an init segment.
type initInfo struct {
	container media.Metadata
	tracks    map[uint32]*trackInfo
}

// readInitInfo walks ftyp and moov with go-mp4 and collects the fields the
// mediacommon parser does not expose.
func readInitInfo(init []byte) (*initInfo, error) {
	info := &initInfo{tracks: make(map[uint32]*trackInfo)}
	var cur *trackInfo

	_, err := gomp4.ReadBoxStructure(bytes.NewReader(init), func(h *gomp4.ReadHandle) (any, error) {
		switch h.BoxInfo.Type {
		case gomp4.BoxTypeFtyp():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			ftyp := box.(*gomp4.Ftyp)
			info.container.Append("major_brand", brand(ftyp.MajorBrand))
			info.container.Append("minor_version", strconv.FormatUint(uint64(ftyp.MinorVersion), 10))
			brands := make([]string, 0, len(ftyp.CompatibleBrands))
			for _, b := range ftyp.CompatibleBrands {
				brands = append(brands, brand(b.CompatibleBrand))
			}
			info.container.Append("compatible_brands", strings.Join(brands, ""))
			return nil, nil

		case gomp4.BoxTypeMoov(), gomp4.BoxTypeMdia():
			return h.Expand()

		case gomp4.BoxTypeTrak():
			cur = &trackInfo{}
			if _, err := h.Expand(); err != nil {
				return nil, err
			}
			cur = nil
			return nil, nil

		case gomp4.BoxTypeTkhd():
			if cur == nil {
				return nil, nil
			}
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			info.tracks[box.(*gomp4.Tkhd).TrackID] = cur
			return nil, nil

		case gomp4.BoxTypeMdhd():
			if cur == nil {
				return nil, nil
			}
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			mdhd := box.(*gomp4.Mdhd)
			cur.timeScale = mdhd.Timescale
			cur.duration = mdhd.GetDuration()
			cur.language = language(mdhd.Language)
			return nil, nil

		case gomp4.BoxTypeHdlr():
			if cur == nil {
				return nil, nil
			}
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			cur.handler = strings.TrimRight(box.(*gomp4.Hdlr).Name, "\x00")
			return nil, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// language decodes the packed ISO-639-2/T code of an mdhd box. Unset and
// undetermined languages return "".
func language(packed [3]byte) string {
	var b [3]byte
	for i, c := range packed {
		if c == 0 {
			return ""
		}
		b[i] = c + 0x60
	}
	if lang := string(b[:]); lang != "und" {
		return lang
	}
	return ""
}

func brand(b [4]byte) string {
	return strings.TrimRight(string(b[:]), "\x00")
}

// apply copies the descriptive fields of a track onto its stream.
func (t *trackInfo) apply(sd *media.StreamDescriptor) {
	if t.language != "" {
		sd.Metadata.Append("language", t.language)
	}
	if t.handler != "" {
		sd.Metadata.Append("handler_name", t.handler)
	}
	if t.duration > 0 && t.timeScale > 0 {
		sd.Duration = media.Rescale(int64(t.duration), media.NewRational(1, int64(t.timeScale)), sd.TimeBase)
	}
}
