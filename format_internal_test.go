package wasapi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNativeRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Format{
		{SampleRate: 44100, Channels: 2, BitsPerSample: 16},
		{SampleRate: 48000, Channels: 1, BitsPerSample: 16},
		{SampleRate: 48000, Channels: 2, BitsPerSample: 32, Float: true},
		{SampleRate: 96000, Channels: 6, BitsPerSample: 32},
	}

	for _, f := range cases {
		t.Run(f.String(), func(t *testing.T) {
			buf, wfx := f.native()

			got, err := formatFromNative(wfx)
			require.NoError(t, err)
			assert.Equal(t, f, got)

			// Float and multichannel formats take the extensible layout.
			if f.Float || f.Channels > 2 {
				assert.Len(t, buf, wfxExtensibleSize)
				assert.Equal(t, WAVE_FORMAT_EXTENSIBLE, wfx.FormatTag)
				assert.Equal(t, uint16(wfxExtensibleSize-wfxSize), wfx.CbSize)
			} else {
				assert.Len(t, buf, wfxSize)
				assert.Equal(t, WAVE_FORMAT_PCM, wfx.FormatTag)
			}

			assert.Equal(t, uint16(f.FrameSize()), wfx.BlockAlign)
			assert.Equal(t, f.SampleRate*f.FrameSize(), wfx.AvgBytesPerSec)
		})
	}
}

func TestNativeExtensibleTail(t *testing.T) {
	t.Parallel()

	f := Format{SampleRate: 48000, Channels: 2, BitsPerSample: 32, Float: true}
	buf, _ := f.native()
	require.Len(t, buf, wfxExtensibleSize)

	// The packed tail: valid bits, channel mask, then the subformat GUID.
	assert.Equal(t, uint16(32), binary.LittleEndian.Uint16(buf[wfxValidBitsOffset:]))
	assert.Equal(t, uint32(0x3), binary.LittleEndian.Uint32(buf[wfxChannelMaskOffset:]))
	assert.Equal(t, guidBytes(KSDATAFORMAT_SUBTYPE_IEEE_FLOAT), buf[wfxSubFormatOffset:wfxSubFormatOffset+16])
}

func TestFormatFromNativeRejects(t *testing.T) {
	t.Parallel()

	// Unknown format tag.
	wfx := &WaveFormatEx{FormatTag: 0x1234, Channels: 2, SamplesPerSec: 48000, BitsPerSample: 16}
	_, err := formatFromNative(wfx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFormatUnsupported)

	// Truncated extensible header.
	wfx = &WaveFormatEx{FormatTag: WAVE_FORMAT_EXTENSIBLE, Channels: 2, SamplesPerSec: 48000, BitsPerSample: 32, CbSize: 4}
	_, err = formatFromNative(wfx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFormatUnsupported)

	// Degenerate dimensions.
	wfx = &WaveFormatEx{FormatTag: WAVE_FORMAT_PCM, Channels: 0, SamplesPerSec: 48000, BitsPerSample: 16}
	_, err = formatFromNative(wfx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFormatUnsupported)
}
