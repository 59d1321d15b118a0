package format

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/jmylchreest/remux/internal/codec"
	"github.com/jmylchreest/remux/internal/media"
)

// FillVideoFormat stores the Annex-B parameter sets of ps as the codec
// parameters of sd and derives the picture format from the SPS.
func FillVideoFormat(sd *media.StreamDescriptor, ps codec.ParamSets) error {
	if !ps.Complete(sd.CodecID) {
		return fmt.Errorf("%s: incomplete parameter sets", sd.CodecID)
	}

	record, err := ps.AnnexB(sd.CodecID)
	if err != nil {
		return err
	}
	sd.CodecParameters = record

	switch sd.CodecID {
	case codec.H264:
		var sps h264.SPS
		if err := sps.Unmarshal(ps.SPS); err != nil {
			return fmt.Errorf("parsing H.264 SPS: %w", err)
		}
		sd.Format.Width = sps.Width()
		sd.Format.Height = sps.Height()
		sd.Format.Profile = int(sps.ProfileIdc)
		sd.Format.Level = int(sps.LevelIdc)
		if sps.VUI != nil && sps.VUI.AspectRatioInfoPresentFlag {
			sd.Format.SampleAspectRatio = H264SampleAspectRatio(sps.VUI.AspectRatioIdc, sps.VUI.SarWidth, sps.VUI.SarHeight)
		}

	case codec.H265:
		var sps h265.SPS
		if err := sps.Unmarshal(ps.SPS); err != nil {
			return fmt.Errorf("parsing H.265 SPS: %w", err)
		}
		sd.Format.Width = sps.Width()
		sd.Format.Height = sps.Height()
		sd.Format.Profile = int(sps.ProfileTierLevel.GeneralProfileIdc)
		sd.Format.Level = int(sps.ProfileTierLevel.GeneralLevelIdc)
	}
	return nil
}

// H264SampleAspectRatio resolves aspect_ratio_idc (H.264 Table E-1).
func H264SampleAspectRatio(idc uint8, width, height uint16) media.Rational {
	const extendedSAR = 255
	if idc == extendedSAR {
		return media.NewRational(int64(width), int64(height))
	}
	table := [...][2]int64{
		{0, 1}, {1, 1}, {12, 11}, {10, 11}, {16, 11}, {40, 33}, {24, 11}, {20, 11},
		{32, 11}, {80, 33}, {18, 11}, {15, 11}, {64, 33}, {160, 99}, {4, 3}, {3, 2}, {2, 1},
	}
	if int(idc) < len(table) {
		return media.NewRational(table[idc][0], table[idc][1])
	}
	return media.Rational{}
}
