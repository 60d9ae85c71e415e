package main

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

// AudioDecoder abstracts the decoding side so the playback loop can handle
// WAV, MP3 and Ogg/Vorbis sources uniformly.
type AudioDecoder interface {
	// PCMBuffer reads decoded PCM audio data into the provided buffer.
	// It returns the number of samples (not frames) read.
	PCMBuffer(buf *audio.IntBuffer) (n int, err error)
	// Duration returns the total duration of the audio stream.
	Duration() (time.Duration, error)
	// NumChans returns the number of audio channels (e.g., 1 for mono, 2 for stereo).
	NumChans() uint16
	// SampleRate returns the sample rate in Hz (e.g., 44100).
	SampleRate() uint32
	// BitDepth returns the bit depth of the decoded samples (e.g., 16, 24).
	BitDepth() uint16
}

// wavDecoderWrapper wraps the go-audio WAV decoder to implement the AudioDecoder interface.
type wavDecoderWrapper struct {
	*wav.Decoder
}

func newWavDecoder(r io.ReadSeeker) (AudioDecoder, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}

	return &wavDecoderWrapper{Decoder: decoder}, nil
}

func (w *wavDecoderWrapper) SampleRate() uint32 { return w.Decoder.SampleRate }
func (w *wavDecoderWrapper) NumChans() uint16   { return w.Decoder.NumChans }
func (w *wavDecoderWrapper) BitDepth() uint16   { return uint16(w.Decoder.BitDepth) }

// mp3DecoderWrapper wraps the go-mp3 decoder to implement the AudioDecoder interface.
type mp3DecoderWrapper struct {
	decoder    *mp3.Decoder
	sampleRate uint32
	length     int64 // Total decoded size in bytes
}

func newMp3Decoder(r io.Reader) (AudioDecoder, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}

	return &mp3DecoderWrapper{
		decoder:    decoder,
		sampleRate: uint32(decoder.SampleRate()),
		length:     decoder.Length(),
	}, nil
}

// PCMBuffer reads from the MP3 decoder and converts the 16-bit PCM byte data to integers.
func (m *mp3DecoderWrapper) PCMBuffer(buf *audio.IntBuffer) (n int, err error) {
	// Bytes needed for the samples the buffer can hold (16-bit = 2 bytes/sample).
	bytesToRead := len(buf.Data) * 2
	byteBuf := make([]byte, bytesToRead)

	bytesRead, err := m.decoder.Read(byteBuf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}

	samplesRead := bytesRead / 2
	for i := 0; i < samplesRead; i++ {
		sample := int16(binary.LittleEndian.Uint16(byteBuf[i*2:]))
		buf.Data[i] = int(sample)
	}

	return samplesRead, err
}

func (m *mp3DecoderWrapper) Duration() (time.Duration, error) {
	// go-mp3 always decodes to stereo 16-bit, so a frame is four bytes.
	totalFrames := m.length / 4
	seconds := float64(totalFrames) / float64(m.sampleRate)

	return time.Duration(seconds * float64(time.Second)), nil
}

func (m *mp3DecoderWrapper) SampleRate() uint32 { return m.sampleRate }
func (m *mp3DecoderWrapper) NumChans() uint16   { return 2 }  // always decodes to stereo
func (m *mp3DecoderWrapper) BitDepth() uint16   { return 16 } // always decodes to 16-bit

// oggDecoderWrapper wraps the oggvorbis reader to implement the AudioDecoder
// interface, scaling its float samples to the 16-bit integer range.
type oggDecoderWrapper struct {
	reader   *oggvorbis.Reader
	floatBuf []float32
}

func newOggDecoder(r io.Reader) (AudioDecoder, error) {
	reader, err := oggvorbis.NewReader(r)
	if err != nil {
		return nil, err
	}

	return &oggDecoderWrapper{reader: reader}, nil
}

func (o *oggDecoderWrapper) PCMBuffer(buf *audio.IntBuffer) (n int, err error) {
	if len(o.floatBuf) < len(buf.Data) {
		o.floatBuf = make([]float32, len(buf.Data))
	}

	read, err := o.reader.Read(o.floatBuf[:len(buf.Data)])
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}

	for i := 0; i < read; i++ {
		s := o.floatBuf[i]
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		buf.Data[i] = int(s * 32767)
	}

	return read, err
}

func (o *oggDecoderWrapper) Duration() (time.Duration, error) {
	// Length is in frames (samples per channel).
	seconds := float64(o.reader.Length()) / float64(o.reader.SampleRate())

	return time.Duration(seconds * float64(time.Second)), nil
}

func (o *oggDecoderWrapper) SampleRate() uint32 { return uint32(o.reader.SampleRate()) }
func (o *oggDecoderWrapper) NumChans() uint16   { return uint16(o.reader.Channels()) }
func (o *oggDecoderWrapper) BitDepth() uint16   { return 16 } // scaled to 16-bit on read
