package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	wasapi "github.com/tachibanayui/wasapi-low-latency"
)

func main() {
	var (
		device      int
		loopback    bool
		process     int
		includeTree bool
		channels    int
		rate        int
		formatStr   string
		duration    int
	)

	flag.IntVar(&device, "device", 0, "The endpoint index to capture from (see devinfo)")
	flag.BoolVar(&loopback, "loopback", false, "Capture what a render endpoint is playing instead of a microphone")
	flag.IntVar(&process, "process", 0, "Capture the audio of this process id instead of a device")
	flag.BoolVar(&includeTree, "include-tree", false, "With -process, capture the whole process tree")
	flag.IntVar(&channels, "channels", 0, "The number of channels (0 = endpoint mix format)")
	flag.IntVar(&rate, "rate", 0, "The sample rate in Hz (0 = endpoint mix format)")
	flag.StringVar(&formatStr, "format", "", "The sample format (s16, s32, float; empty = endpoint mix format)")
	flag.IntVar(&duration, "duration", 5, "The duration of the capture in seconds")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <output-wav-file>\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	outputPath := flag.Arg(0)

	target, err := resolveTarget(device, loopback, process, includeTree)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving capture target: %v\n", err)
		os.Exit(1)
	}

	requested, err := requestedFormat(rate, channels, formatStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error determining format: %v\n", err)
		os.Exit(1)
	}

	cfg, err := wasapi.Negotiate(target, requested)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error negotiating format: %v\n", err)
		os.Exit(1)
	}

	session, err := wasapi.ActivateCapture(target, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error activating capture: %v\n", err)
		os.Exit(1)
	}
	defer session.Close()

	cfg = session.Config()

	if target.IsProcess() {
		fmt.Printf("Capturing process %d (include tree: %v)\n", target.PID, target.IncludeTree)
	} else {
		fmt.Printf("Capturing from endpoint: %s\n", target.Endpoint.Name)
	}
	fmt.Printf("Configuration: %s\n", cfg.Format)
	fmt.Printf("Granted period: %d frames (%v), endpoint buffer: %d frames\n",
		cfg.GrantedPeriod, cfg.PeriodDuration(), cfg.BufferFrames)
	fmt.Printf("Capture duration: %d seconds\n", duration)

	// Half a second of slack between the period thread and the file writer.
	ring, err := wasapi.NewRingBuffer(cfg.Format.SampleRate/2, cfg.Format.FrameSize())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error allocating ring: %v\n", err)
		os.Exit(1)
	}

	loop := wasapi.NewCaptureLoop(session, ring)
	if err := loop.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting capture loop: %v\n", err)
		os.Exit(1)
	}

	wavFile, err := os.Create(outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating WAV file: %v\n", err)
		os.Exit(1)
	}
	defer wavFile.Close()

	// Float streams land as 16-bit PCM in the file; integer streams keep
	// their bit depth.
	wavBits := int(cfg.Format.BitsPerSample)
	if cfg.Format.Float {
		wavBits = 16
	}

	encoder := wav.NewEncoder(wavFile, int(cfg.Format.SampleRate), wavBits, int(cfg.Format.Channels), 1)
	defer encoder.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	fmt.Println("Starting capture... Press Ctrl+C to stop early.")

	totalFrames := uint32(duration) * cfg.Format.SampleRate
	chunkFrames := cfg.Format.SampleRate / 10
	buffer := make([]byte, cfg.Format.FramesToBytes(chunkFrames))

	var framesCaptured uint32

	keepRunning := true
	for keepRunning && framesCaptured < totalFrames {
		select {
		case <-sigChan:
			fmt.Println("\nCapture interrupted by user.")
			keepRunning = false
		default:
			if err := loop.Err(); err != nil {
				fmt.Fprintf(os.Stderr, "Capture loop failed: %v\n", err)
				keepRunning = false

				continue
			}

			// Drain only what the period thread has produced so the file
			// writer never charges underruns to the stream.
			n := ring.Available()
			if n == 0 {
				time.Sleep(5 * time.Millisecond)

				continue
			}
			if n > chunkFrames {
				n = chunkFrames
			}

			read := ring.Read(buffer[:cfg.Format.FramesToBytes(n)])
			if read == 0 {
				continue
			}

			intBuffer := bytesToIntBuffer(buffer[:cfg.Format.FramesToBytes(uint32(read))], cfg.Format, wavBits)
			if err := encoder.Write(intBuffer); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing to WAV file: %v\n", err)
				keepRunning = false

				continue
			}

			framesCaptured += uint32(read)
		}
	}

	loop.Stop()
	if err := loop.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Capture loop failed: %v\n", err)
	}

	stats := loop.Stats()
	fmt.Printf("Stats: %d underruns, %d overruns, jitter mean %.2f ms max %.2f ms",
		stats.Underruns, stats.Overruns, stats.JitterMeanMs, stats.JitterMaxMs)
	if stats.Degraded {
		fmt.Printf(" (degraded: no pro-audio priority)")
	}
	fmt.Println()

	captured := cfg.Format.FramesToDuration(framesCaptured)
	fmt.Printf("Capture finished. Wrote %d frames (%.2f seconds) to %s\n", framesCaptured, captured.Seconds(), outputPath)
}

// resolveTarget maps the device/process flags to a capture target.
func resolveTarget(device int, loopback bool, process int, includeTree bool) (wasapi.CaptureTarget, error) {
	if process > 0 {
		return wasapi.ResolveProcess(uint32(process), includeTree)
	}

	flow := wasapi.ECapture
	if loopback {
		flow = wasapi.ERender
	}

	endpoints, err := wasapi.Endpoints(flow)
	if err != nil {
		return wasapi.CaptureTarget{}, err
	}

	return wasapi.ResolveDevice(endpoints, device)
}

// requestedFormat builds the requested stream format from flags; nil means
// take the endpoint mix format.
func requestedFormat(rate, channels int, formatStr string) (*wasapi.Format, error) {
	if rate == 0 && channels == 0 && formatStr == "" {
		return nil, nil
	}

	f := wasapi.DefaultEngineFormat
	if rate > 0 {
		f.SampleRate = uint32(rate)
	}
	if channels > 0 {
		f.Channels = uint32(channels)
	}

	switch formatStr {
	case "":
	case "s16":
		f.BitsPerSample = 16
		f.Float = false
	case "s32":
		f.BitsPerSample = 32
		f.Float = false
	case "float":
		f.BitsPerSample = 32
		f.Float = true
	default:
		return nil, fmt.Errorf("unsupported format: '%s'. Supported formats are s16, s32, float", formatStr)
	}

	return &f, nil
}

// bytesToIntBuffer converts one chunk of raw interleaved frames into an
// audio.IntBuffer the go-audio/wav encoder can take.
func bytesToIntBuffer(data []byte, f wasapi.Format, wavBits int) *audio.IntBuffer {
	bytesPerSample := int(f.BitsPerSample / 8)
	numSamples := len(data) / bytesPerSample
	intData := make([]int, numSamples)

	offset := 0
	for i := 0; i < numSamples; i++ {
		switch {
		case f.Float:
			// Clamp to [-1, 1] and scale to the 16-bit range.
			s := math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
			if s > 1 {
				s = 1
			} else if s < -1 {
				s = -1
			}
			intData[i] = int(s * 32767)
		case f.BitsPerSample == 16:
			intData[i] = int(int16(binary.LittleEndian.Uint16(data[offset:])))
		case f.BitsPerSample == 32:
			intData[i] = int(int32(binary.LittleEndian.Uint32(data[offset:])))
		}
		offset += bytesPerSample
	}

	return &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: int(f.Channels),
			SampleRate:  int(f.SampleRate),
		},
		Data:           intData,
		SourceBitDepth: wavBits,
	}
}
