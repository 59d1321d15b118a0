package fmp4

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/remux/internal/codec"
	"github.com/jmylchreest/remux/internal/media"
)

// 352x288 High profile SPS, level 1.2.
var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0,
		0x4b, 0x42, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
		0x00, 0x03, 0x00, 0x3d, 0x08,
	}
	testPPS   = []byte{0x68, 0xee, 0x3c, 0x80}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
	testSlice = []byte{0x41, 0x9a, 0x02, 0x04, 0x08}
)

const (
	testFrames = 10
	videoStep  = 3000 // 30fps at 90kHz
	audioStep  = 1024 // one AAC frame at 48kHz
	// secondKey is the frame index of the second IDR, where the first
	// fragment ends.
	secondKey = 5
)

func annexB(t *testing.T, nalus ...[]byte) []byte {
	t.Helper()
	b, err := h264.AnnexB(nalus).Marshal()
	require.NoError(t, err)
	return b
}

func testASC(t *testing.T) []byte {
	t.Helper()
	conf := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   48000,
		ChannelCount: 2,
	}
	b, err := conf.Marshal()
	require.NoError(t, err)
	return b
}

func videoPayload(t *testing.T, i int) []byte {
	switch i {
	case 0:
		return annexB(t, testSPS, testPPS, testIDR)
	case secondKey:
		return annexB(t, testIDR)
	default:
		return annexB(t, testSlice)
	}
}

func audioPayload(i int) []byte {
	return bytes.Repeat([]byte{byte(i + 1)}, 24)
}

// writeTestFile writes an H.264 + AAC fragmented MP4 with the package muxer.
func writeTestFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.mp4")

	m := NewMuxer(Config{FragmentDuration: 100 * time.Millisecond})
	video, err := m.AddStream()
	require.NoError(t, err)
	video.CodecID = codec.H264
	video.CodecType = codec.TypeVideo
	video.CodecParameters = annexB(t, testSPS, testPPS)

	audio, err := m.AddStream()
	require.NoError(t, err)
	audio.CodecID = codec.AAC
	audio.CodecType = codec.TypeAudio
	audio.CodecParameters = testASC(t)

	require.NoError(t, m.OpenIO(path))
	require.NoError(t, m.WriteHeader())
	assert.Equal(t, media.NewRational(1, 90000), video.TimeBase)
	assert.Equal(t, media.NewRational(1, 48000), audio.TimeBase)

	for i := range testFrames {
		flags := media.PacketFlags(0)
		if i == 0 || i == secondKey {
			flags = media.FlagKey
		}
		pts := int64(i * videoStep)
		require.NoError(t, m.WritePacket(&media.Packet{
			StreamIndex: 0, PTS: pts, DTS: pts, Duration: videoStep,
			Flags: flags, Payload: videoPayload(t, i),
		}))

		apts := int64(i * audioStep)
		require.NoError(t, m.WritePacket(&media.Packet{
			StreamIndex: 1, PTS: apts, DTS: apts, Duration: audioStep,
			Flags: media.FlagKey, Payload: audioPayload(i),
		}))
	}

	require.NoError(t, m.WriteTrailer())
	require.NoError(t, m.Close())
	return path
}

func readAll(t *testing.T, d *Demuxer) []media.Packet {
	t.Helper()
	var out []media.Packet
	for {
		var pkt media.Packet
		pkt.Reset()
		err := d.ReadPacket(&pkt)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, pkt)
	}
}

func byStream(packets []media.Packet) map[int][]media.Packet {
	out := make(map[int][]media.Packet)
	for _, pkt := range packets {
		out[pkt.StreamIndex] = append(out[pkt.StreamIndex], pkt)
	}
	return out
}

type boxSpan struct {
	typ        string
	start, end int
}

func topLevelBoxes(t *testing.T, data []byte) []boxSpan {
	t.Helper()
	var boxes []boxSpan
	for pos := 0; pos < len(data); {
		require.GreaterOrEqual(t, len(data)-pos, 8)
		size := int(binary.BigEndian.Uint32(data[pos:]))
		require.GreaterOrEqual(t, size, 8)
		boxes = append(boxes, boxSpan{typ: string(data[pos+4 : pos+8]), start: pos, end: pos + size})
		pos += size
	}
	return boxes
}

func TestRoundTrip(t *testing.T) {
	path := writeTestFile(t)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var types []string
	for _, b := range topLevelBoxes(t, data) {
		types = append(types, b.typ)
	}
	assert.Equal(t, []string{"ftyp", "moov", "moof", "mdat", "moof", "mdat"}, types)

	d, err := Open(context.Background(), path, Config{})
	require.NoError(t, err)
	defer d.Close()

	_, ok := d.Metadata().Get("major_brand")
	assert.True(t, ok)

	streams := d.Streams()
	require.Len(t, streams, 2)

	video := streams[0]
	assert.Equal(t, codec.H264, video.CodecID)
	assert.Equal(t, codec.TypeVideo, video.CodecType)
	assert.Equal(t, media.NewRational(1, 90000), video.TimeBase)
	assert.Equal(t, annexB(t, testSPS, testPPS), video.CodecParameters)
	assert.Equal(t, codec.FourCC("avc1"), video.CodecTag)
	assert.Equal(t, 352, video.Format.Width)
	assert.Equal(t, 288, video.Format.Height)

	audio := streams[1]
	assert.Equal(t, codec.AAC, audio.CodecID)
	assert.Equal(t, media.NewRational(1, 48000), audio.TimeBase)
	assert.Equal(t, testASC(t), audio.CodecParameters)
	assert.Equal(t, 48000, audio.Format.SampleRate)
	assert.Equal(t, 2, audio.Format.Channels)

	packets := byStream(readAll(t, d))

	vp := packets[0]
	require.Len(t, vp, testFrames)
	for i, pkt := range vp {
		assert.Equal(t, int64(i*videoStep), pkt.DTS, "video packet %d", i)
		assert.Equal(t, pkt.DTS, pkt.PTS)
		assert.Equal(t, int64(videoStep), pkt.Duration)
		assert.Equal(t, int64(-1), pkt.Pos)
		assert.False(t, pkt.IsCorrupt())
		assert.Equal(t, i == 0 || i == secondKey, pkt.IsKey(), "video packet %d", i)
		if pkt.IsKey() {
			assert.True(t, bytes.Contains(pkt.Payload, testIDR))
		} else {
			assert.Equal(t, videoPayload(t, i), pkt.Payload)
		}
	}

	ap := packets[1]
	require.Len(t, ap, testFrames)
	for i, pkt := range ap {
		assert.Equal(t, int64(i*audioStep), pkt.PTS, "audio packet %d", i)
		assert.Equal(t, int64(audioStep), pkt.Duration)
		assert.True(t, pkt.IsKey())
		assert.Equal(t, audioPayload(i), pkt.Payload)
	}

	var pkt media.Packet
	assert.ErrorIs(t, d.ReadPacket(&pkt), io.EOF)
	assert.ErrorIs(t, d.ReadPacket(&pkt), io.EOF)
}

func TestDemuxer_InterleavesByDecodeTime(t *testing.T) {
	d, err := Open(context.Background(), writeTestFile(t), Config{})
	require.NoError(t, err)
	defer d.Close()

	packets := readAll(t, d)
	// The first fragment holds video 0-4 and audio 0-3.
	first := packets[:2*secondKey-1]
	for i := 1; i < len(first); i++ {
		prev := media.Rescale(first[i-1].DTS, d.Streams()[first[i-1].StreamIndex].TimeBase, orderTimeBase)
		cur := media.Rescale(first[i].DTS, d.Streams()[first[i].StreamIndex].TimeBase, orderTimeBase)
		assert.LessOrEqual(t, prev, cur, "packet %d", i)
	}

	// Equal decode times keep track order.
	assert.Equal(t, 0, packets[0].StreamIndex)
	assert.Equal(t, 1, packets[1].StreamIndex)
}

func TestDemuxer_FragmentWithoutMdat(t *testing.T) {
	path := writeTestFile(t)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	boxes := topLevelBoxes(t, data)
	require.Equal(t, "moov", boxes[1].typ)
	moovEnd := boxes[1].end

	bogus := []byte{
		0, 0, 0, 8, 'm', 'o', 'o', 'f',
		0, 0, 0, 8, 'f', 'r', 'e', 'e',
	}
	damaged := append(append(append([]byte{}, data[:moovEnd]...), bogus...), data[moovEnd:]...)
	damagedPath := filepath.Join(t.TempDir(), "damaged.mp4")
	require.NoError(t, os.WriteFile(damagedPath, damaged, 0o644))

	d, err := Open(context.Background(), damagedPath, Config{})
	require.NoError(t, err)
	defer d.Close()

	packets := readAll(t, d)
	require.Len(t, packets, 2*testFrames)
	assert.True(t, packets[0].IsCorrupt())
	for _, pkt := range packets[1:] {
		assert.False(t, pkt.IsCorrupt())
	}
}

func TestDemuxer_TruncatedFile(t *testing.T) {
	path := writeTestFile(t)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	truncated := filepath.Join(t.TempDir(), "truncated.mp4")
	require.NoError(t, os.WriteFile(truncated, data[:len(data)-10], 0o644))

	d, err := Open(context.Background(), truncated, Config{})
	require.NoError(t, err)
	defer d.Close()

	packets := byStream(readAll(t, d))
	assert.Len(t, packets[0], secondKey)
}

func TestOpen_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", bytes.Repeat([]byte("not an mp4 "), 100)},
		{"moof before moov", []byte{0, 0, 0, 8, 'm', 'o', 'o', 'f'}},
		{"no moov", []byte{0, 0, 0, 8, 'f', 'r', 'e', 'e'}},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "in.mp4")
			require.NoError(t, os.WriteFile(path, tt.data, 0o644))

			_, err := Open(context.Background(), path, Config{})
			require.Error(t, err)
			assert.True(t, media.IsKind(err, media.KindOpen))
		})
	}
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"), Config{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
		score  int
	}{
		{"ftyp", []byte{0, 0, 0, 24, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}, 100},
		{"moof", []byte{0, 0, 0, 8, 'm', 'o', 'o', 'f'}, 100},
		{"free then moov", []byte{0, 0, 0, 8, 'f', 'r', 'e', 'e', 0, 0, 0, 8, 'm', 'o', 'o', 'v'}, 50},
		{"transport stream", []byte{0x47, 0x40, 0x00, 0x10, 0, 0, 0, 0}, 0},
		{"short", []byte{0, 0, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.score, Probe(tt.header))
		})
	}
}

func TestLanguage(t *testing.T) {
	pack := func(s string) [3]byte {
		return [3]byte{s[0] - 0x60, s[1] - 0x60, s[2] - 0x60}
	}
	assert.Equal(t, "eng", language(pack("eng")))
	assert.Empty(t, language(pack("und")))
	assert.Empty(t, language([3]byte{}))
}

func TestMuxer_CodecTag(t *testing.T) {
	m := NewMuxer(Config{})

	tests := []struct {
		id  codec.ID
		tag string
		ok  bool
	}{
		{codec.H264, "avc1", true},
		{codec.H265, "hvc1", true},
		{codec.AV1, "av01", true},
		{codec.Opus, "Opus", true},
		{codec.None, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.id.String(), func(t *testing.T) {
			tag, ok := m.CodecTag(tt.id)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, codec.FourCC(tt.tag), tag)
			}
		})
	}
}

func TestMuxer_InvalidStreams(t *testing.T) {
	tests := []struct {
		name  string
		setup func(sd *media.StreamDescriptor)
	}{
		{"h264 without parameter sets", func(sd *media.StreamDescriptor) { sd.CodecID = codec.H264 }},
		{"vp9 without frame size", func(sd *media.StreamDescriptor) { sd.CodecID = codec.VP9 }},
		{"av1 without sequence header", func(sd *media.StreamDescriptor) { sd.CodecID = codec.AV1 }},
		{"unknown codec", func(sd *media.StreamDescriptor) { sd.CodecID = codec.None }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMuxer(Config{})
			sd, err := m.AddStream()
			require.NoError(t, err)
			tt.setup(sd)

			require.NoError(t, m.OpenIO(filepath.Join(t.TempDir(), "out.mp4")))
			defer m.Close()

			err = m.WriteHeader()
			require.Error(t, err)
			assert.True(t, media.IsKind(err, media.KindInvalid))
		})
	}
}

func TestMuxer_NoStreams(t *testing.T) {
	m := NewMuxer(Config{})
	require.NoError(t, m.OpenIO(filepath.Join(t.TempDir(), "out.mp4")))
	defer m.Close()
	assert.True(t, media.IsKind(m.WriteHeader(), media.KindInvalid))
}

func TestMuxer_AudioTimeBases(t *testing.T) {
	m := NewMuxer(Config{})
	ac3, err := m.AddStream()
	require.NoError(t, err)
	ac3.CodecID = codec.AC3
	ac3.Format.SampleRate = 44100

	eac3, err := m.AddStream()
	require.NoError(t, err)
	eac3.CodecID = codec.EAC3

	opus, err := m.AddStream()
	require.NoError(t, err)
	opus.CodecID = codec.Opus

	require.NoError(t, m.OpenIO(filepath.Join(t.TempDir(), "out.mp4")))
	defer m.Close()
	require.NoError(t, m.WriteHeader())

	assert.Equal(t, media.NewRational(1, 44100), ac3.TimeBase)
	assert.Equal(t, media.NewRational(1, 48000), eac3.TimeBase)
	assert.Equal(t, media.NewRational(1, 48000), opus.TimeBase)
}

func TestMuxer_NegativeDTS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	m := NewMuxer(Config{})
	sd, err := m.AddStream()
	require.NoError(t, err)
	sd.CodecID = codec.AC3
	sd.Format.SampleRate = 48000
	sd.Format.Channels = 2

	require.NoError(t, m.OpenIO(path))
	require.NoError(t, m.WriteHeader())

	for _, ts := range []int64{-1536, 0, 1536} {
		require.NoError(t, m.WritePacket(&media.Packet{
			PTS: ts, DTS: ts, Duration: 1536, Flags: media.FlagKey, Payload: []byte{0x0b, 0x77, byte(ts)},
		}))
	}
	assert.Error(t, m.WritePacket(&media.Packet{PTS: 0, DTS: 0, Payload: []byte{1}}), "DTS going backwards")

	require.NoError(t, m.WriteTrailer())
	require.NoError(t, m.Close())

	d, err := Open(context.Background(), path, Config{})
	require.NoError(t, err)
	defer d.Close()

	packets := readAll(t, d)
	require.Len(t, packets, 3)
	for i, pkt := range packets {
		assert.Equal(t, int64(i*1536), pkt.DTS)
		assert.Equal(t, int64(1536), pkt.Duration)
	}
}

func TestMuxer_NegativeDTSSharedAcrossTracks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	m := NewMuxer(Config{})
	video, err := m.AddStream()
	require.NoError(t, err)
	video.CodecID = codec.H264
	video.CodecType = codec.TypeVideo
	video.CodecParameters = annexB(t, testSPS, testPPS)

	audio, err := m.AddStream()
	require.NoError(t, err)
	audio.CodecID = codec.AAC
	audio.CodecType = codec.TypeAudio
	audio.CodecParameters = testASC(t)

	require.NoError(t, m.OpenIO(path))
	require.NoError(t, m.WriteHeader())

	// Video starts 1/30s before audio.
	for i := range 3 {
		flags := media.PacketFlags(0)
		if i == 0 {
			flags = media.FlagKey
		}
		vdts := int64(i*videoStep - videoStep)
		require.NoError(t, m.WritePacket(&media.Packet{
			StreamIndex: 0, PTS: vdts, DTS: vdts, Duration: videoStep,
			Flags: flags, Payload: videoPayload(t, i),
		}))
		adts := int64(i * audioStep)
		require.NoError(t, m.WritePacket(&media.Packet{
			StreamIndex: 1, PTS: adts, DTS: adts, Duration: audioStep,
			Flags: media.FlagKey, Payload: audioPayload(i),
		}))
	}
	require.NoError(t, m.WriteTrailer())
	require.NoError(t, m.Close())

	d, err := Open(context.Background(), path, Config{})
	require.NoError(t, err)
	defer d.Close()

	streams := byStream(readAll(t, d))
	require.Len(t, streams[0], 3)
	require.Len(t, streams[1], 3)
	for i := range 3 {
		assert.Equal(t, int64(i*videoStep), streams[0][i].DTS, "video %d", i)
		assert.Equal(t, int64(1600+i*audioStep), streams[1][i].DTS, "audio %d", i)
	}
}

func TestMuxer_LastSampleDurationFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	m := NewMuxer(Config{})
	sd, err := m.AddStream()
	require.NoError(t, err)
	sd.CodecID = codec.AC3
	sd.Format.SampleRate = 48000

	require.NoError(t, m.OpenIO(path))
	require.NoError(t, m.WriteHeader())

	// Transport streams rarely carry packet durations.
	for _, ts := range []int64{0, 1536, 3072} {
		require.NoError(t, m.WritePacket(&media.Packet{
			PTS: ts, DTS: ts, Flags: media.FlagKey, Payload: []byte{0x0b, 0x77, byte(ts)},
		}))
	}
	require.NoError(t, m.WriteTrailer())
	require.NoError(t, m.Close())

	d, err := Open(context.Background(), path, Config{})
	require.NoError(t, err)
	defer d.Close()

	packets := readAll(t, d)
	require.Len(t, packets, 3)
	for _, pkt := range packets {
		assert.Equal(t, int64(1536), pkt.Duration)
	}
}

func TestMuxer_NewSideData(t *testing.T) {
	m := NewMuxer(Config{})
	_, err := m.AddStream()
	require.NoError(t, err)

	buf, err := m.NewSideData(0, media.SideDataContentLight, 4)
	require.NoError(t, err)
	assert.Len(t, buf, 4)
	require.Len(t, m.Streams()[0].SideData, 1)

	_, err = m.NewSideData(0, media.SideDataContentLight, -1)
	assert.True(t, media.IsKind(err, media.KindAlloc))

	_, err = m.NewSideData(1, media.SideDataContentLight, 4)
	assert.Error(t, err)
}

func TestMuxer_Staging(t *testing.T) {
	m := NewMuxer(Config{})
	sd, err := m.AddStream()
	require.NoError(t, err)
	sd.CodecID = codec.Opus

	assert.Error(t, m.WriteHeader(), "header before OpenIO")
	assert.Error(t, m.WriteTrailer(), "trailer before header")
	assert.Error(t, m.WritePacket(&media.Packet{PTS: 0, DTS: 0, Payload: []byte{1}}), "packet before header")

	require.NoError(t, m.OpenIO(filepath.Join(t.TempDir(), "out.mp4")))
	require.NoError(t, m.WriteHeader())

	_, err = m.AddStream()
	assert.Error(t, err)

	assert.Error(t, m.WritePacket(&media.Packet{StreamIndex: 0, PTS: media.NoPTS, DTS: media.NoPTS, Payload: []byte{1}}))
	assert.Error(t, m.WritePacket(&media.Packet{StreamIndex: 3, PTS: 0, DTS: 0, Payload: []byte{1}}))

	require.NoError(t, m.WriteTrailer())
	require.NoError(t, m.WriteTrailer())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
