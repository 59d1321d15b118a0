package codec

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// DefaultSampleRate is assumed for audio streams that do not declare one.
const DefaultSampleRate = 48000

// AACConfig decodes an AudioSpecificConfig record. An empty record yields an
// AAC-LC config built from the sample rate and channel count.
func AACConfig(record []byte, sampleRate, channels int) (*mpeg4audio.AudioSpecificConfig, error) {
	if len(record) > 0 {
		var conf mpeg4audio.AudioSpecificConfig
		if err := conf.Unmarshal(record); err != nil {
			return nil, fmt.Errorf("decoding AudioSpecificConfig: %w", err)
		}
		return &conf, nil
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = 2
	}
	return &mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   sampleRate,
		ChannelCount: channels,
	}, nil
}
