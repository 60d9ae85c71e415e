package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-audio/audio"

	wasapi "github.com/tachibanayui/wasapi-low-latency"
)

func main() {
	var (
		device int
	)

	flag.IntVar(&device, "device", 0, "The render endpoint index to play on (see devinfo)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <audio-file>\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "\nPlays a WAV, MP3 or Ogg/Vorbis file on a render endpoint.")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	audioPath := flag.Arg(0)
	audioFile, err := os.Open(audioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening audio file: %v\n", err)
		os.Exit(1)
	}
	defer audioFile.Close()

	decoder, err := newDecoder(audioPath, audioFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening decoder: %v\n", err)
		os.Exit(1)
	}

	endpoints, err := wasapi.Endpoints(wasapi.ERender)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error enumerating render endpoints: %v\n", err)
		os.Exit(1)
	}

	target, err := wasapi.ResolveDevice(endpoints, device)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving endpoint: %v\n", err)
		os.Exit(1)
	}

	// The stream format follows the file; the engine performs no resampling,
	// so an endpoint that cannot take the file's rate rejects the request.
	requested := wasapi.Format{
		SampleRate:    decoder.SampleRate(),
		Channels:      uint32(decoder.NumChans()),
		BitsPerSample: 32,
		Float:         true,
	}

	cfg, err := wasapi.Negotiate(target, &requested)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error negotiating format: %v\n", err)
		os.Exit(1)
	}

	session, err := wasapi.ActivateDevice(target.Endpoint, wasapi.ERender, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error activating render session: %v\n", err)
		os.Exit(1)
	}
	defer session.Close()

	cfg = session.Config()

	totalDuration, err := decoder.Duration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting audio duration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Playing: %s (%v)\n", audioPath, totalDuration.Round(time.Millisecond))
	fmt.Printf("Endpoint: %s\n", target.Endpoint.Name)
	fmt.Printf("Configuration: %s\n", cfg.Format)
	fmt.Printf("Granted period: %d frames (%v), endpoint buffer: %d frames\n",
		cfg.GrantedPeriod, cfg.PeriodDuration(), cfg.BufferFrames)

	// Half a second of decoded audio between the file reader and the period
	// thread.
	ring, err := wasapi.NewRingBuffer(cfg.Format.SampleRate/2, cfg.Format.FrameSize())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error allocating ring: %v\n", err)
		os.Exit(1)
	}

	loop := wasapi.NewRenderLoop(session, ring)
	if err := loop.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting render loop: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	startTime := time.Now()

	chunkFrames := cfg.Format.SampleRate / 10
	pcmBuffer := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: int(cfg.Format.Channels),
			SampleRate:  int(cfg.Format.SampleRate),
		},
		Data: make([]int, int(chunkFrames)*int(cfg.Format.Channels)),
	}

	var framesWritten uint32

	interrupted := false

feed:
	for {
		select {
		case <-sigChan:
			fmt.Println("\nPlayback interrupted by user.")
			interrupted = true

			break feed
		default:
		}

		if err := loop.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "Render loop failed: %v\n", err)
			interrupted = true

			break feed
		}

		// n is the number of SAMPLES read from the decoder.
		n, err := decoder.PCMBuffer(pcmBuffer)
		if err != nil && !errors.Is(err, io.EOF) {
			fmt.Fprintf(os.Stderr, "Error reading PCM buffer: %v\n", err)

			break feed
		}

		if n == 0 {
			break feed
		}

		data := samplesToFloatBytes(pcmBuffer.Data[:n], int(decoder.BitDepth()))
		frames := uint32(n) / cfg.Format.Channels

		// Push frame-aligned slices, waiting out a full ring instead of
		// dropping decoded audio on the floor.
		written := uint32(0)
		for written < frames {
			free := ring.Free()
			if free == 0 {
				time.Sleep(5 * time.Millisecond)

				continue
			}

			take := frames - written
			if take > free {
				take = free
			}

			from := cfg.Format.FramesToBytes(written)
			to := cfg.Format.FramesToBytes(written + take)
			ring.Write(data[from:to])
			written += take
		}

		framesWritten += frames
	}

	// Let the period thread drain what the ring still holds.
	if !interrupted {
		for ring.Available() > 0 && loop.Err() == nil {
			time.Sleep(5 * time.Millisecond)
		}
	}

	loop.Stop()
	if err := loop.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Render loop failed: %v\n", err)
	}

	stats := loop.Stats()
	fmt.Printf("Stats: %d underruns, %d overruns, jitter mean %.2f ms max %.2f ms",
		stats.Underruns, stats.Overruns, stats.JitterMeanMs, stats.JitterMaxMs)
	if stats.Degraded {
		fmt.Printf(" (degraded: no pro-audio priority)")
	}
	fmt.Println()

	fmt.Printf("Playback finished in %v. (%d frames played)\n",
		time.Since(startTime).Round(time.Millisecond), framesWritten)
}

// newDecoder selects a decoder by file extension.
func newDecoder(path string, f *os.File) (AudioDecoder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return newWavDecoder(f)
	case ".mp3":
		return newMp3Decoder(f)
	case ".ogg", ".oga":
		return newOggDecoder(f)
	default:
		return nil, fmt.Errorf("unsupported file type: %s (supported: wav, mp3, ogg)", filepath.Ext(path))
	}
}

// samplesToFloatBytes normalizes integer samples of the given bit depth to
// float32 wire frames in [-1, 1].
func samplesToFloatBytes(samples []int, bitDepth int) []byte {
	out := make([]byte, len(samples)*4)
	maxVal := float32(int(1) << (bitDepth - 1))

	for i, s := range samples {
		v := float32(s) / maxVal
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}

	return out
}
