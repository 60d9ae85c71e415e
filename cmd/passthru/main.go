package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	wasapi "github.com/tachibanayui/wasapi-low-latency"
)

func main() {
	var (
		device      int
		loopback    bool
		process     int
		includeTree bool
		out         int
		bufferMs    int
		duration    int
	)

	flag.IntVar(&device, "device", 0, "The endpoint index to capture from (see devinfo)")
	flag.BoolVar(&loopback, "loopback", false, "Capture what a render endpoint is playing instead of a microphone")
	flag.IntVar(&process, "process", 0, "Capture the audio of this process id instead of a device")
	flag.BoolVar(&includeTree, "include-tree", false, "With -process, capture the whole process tree")
	flag.IntVar(&out, "out", 0, "The render endpoint index to play on")
	flag.IntVar(&bufferMs, "buffer", 50, "The ring buffer depth in milliseconds")
	flag.IntVar(&duration, "duration", 0, "Run time in seconds (0 = until Ctrl+C)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Routes audio from a capture target to a render endpoint with minimal latency.")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()

	target, err := resolveTarget(device, loopback, process, includeTree)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving capture target: %v\n", err)
		os.Exit(1)
	}

	captureCfg, err := wasapi.Negotiate(target, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error negotiating capture format: %v\n", err)
		os.Exit(1)
	}

	renderEndpoints, err := wasapi.Endpoints(wasapi.ERender)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error enumerating render endpoints: %v\n", err)
		os.Exit(1)
	}

	outTarget, err := wasapi.ResolveDevice(renderEndpoints, out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving render endpoint: %v\n", err)
		os.Exit(1)
	}

	// The render side must take the capture format verbatim; there is no
	// resampling between the two ends of the ring.
	renderCfg, err := wasapi.Negotiate(outTarget, &captureCfg.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error negotiating render format: %v\n", err)
		os.Exit(1)
	}

	captureSession, err := wasapi.ActivateCapture(target, captureCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error activating capture: %v\n", err)
		os.Exit(1)
	}
	defer captureSession.Close()

	renderSession, err := wasapi.ActivateDevice(outTarget.Endpoint, wasapi.ERender, renderCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error activating render: %v\n", err)
		os.Exit(1)
	}
	defer renderSession.Close()

	captureCfg = captureSession.Config()
	renderCfg = renderSession.Config()

	if target.IsProcess() {
		fmt.Printf("Capture: process %d (include tree: %v)\n", target.PID, target.IncludeTree)
	} else {
		fmt.Printf("Capture: %s\n", target.Endpoint.Name)
	}
	fmt.Printf("Render:  %s\n", outTarget.Endpoint.Name)
	fmt.Printf("Format:  %s\n", captureCfg.Format)
	fmt.Printf("Periods: capture %d frames (%v), render %d frames (%v)\n",
		captureCfg.GrantedPeriod, captureCfg.PeriodDuration(),
		renderCfg.GrantedPeriod, renderCfg.PeriodDuration())

	if vol, err := renderSession.Volume(); err == nil {
		muted, _ := renderSession.Muted()
		fmt.Printf("Render session volume: %.0f%% (muted: %v)\n", vol*100, muted)
	}

	ringFrames := captureCfg.Format.DurationToFrames(time.Duration(bufferMs) * time.Millisecond)
	ring, err := wasapi.NewRingBuffer(ringFrames, captureCfg.Format.FrameSize())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error allocating ring: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Ring: %d frames (%d ms)\n", ringFrames, bufferMs)

	captureLoop := wasapi.NewCaptureLoop(captureSession, ring)
	renderLoop := wasapi.NewRenderLoop(renderSession, ring)

	if err := renderLoop.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting render loop: %v\n", err)
		os.Exit(1)
	}

	if err := captureLoop.Start(); err != nil {
		renderLoop.Stop()
		_ = renderLoop.Wait()
		fmt.Fprintf(os.Stderr, "Error starting capture loop: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var deadline <-chan time.Time
	if duration > 0 {
		deadline = time.After(time.Duration(duration) * time.Second)
	}

	fmt.Println("Routing... Press Ctrl+C to stop.")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

run:
	for {
		select {
		case <-sigChan:
			fmt.Println("\nStopped by user.")

			break run
		case <-deadline:
			break run
		case <-ticker.C:
			if err := captureLoop.Err(); err != nil {
				fmt.Fprintf(os.Stderr, "Capture loop failed: %v\n", err)

				break run
			}
			if err := renderLoop.Err(); err != nil {
				fmt.Fprintf(os.Stderr, "Render loop failed: %v\n", err)

				break run
			}

			cs := captureLoop.Stats()
			rs := renderLoop.Stats()
			latency := captureCfg.Format.FramesToDuration(ring.Available())

			fmt.Printf("\rbuffered %6v | underruns %d | overruns %d | jitter cap %.2f/ren %.2f ms   ",
				latency.Round(100*time.Microsecond), rs.Underruns, cs.Overruns,
				cs.JitterMaxMs, rs.JitterMaxMs)
		}
	}

	captureLoop.Stop()
	renderLoop.Stop()

	if err := captureLoop.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Capture loop failed: %v\n", err)
	}
	if err := renderLoop.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Render loop failed: %v\n", err)
	}

	stats := renderLoop.Stats()
	fmt.Printf("\nFinal: %d underruns, %d overruns, jitter mean %.2f ms max %.2f ms",
		stats.Underruns, stats.Overruns, stats.JitterMeanMs, stats.JitterMaxMs)
	if stats.Degraded || captureLoop.Stats().Degraded {
		fmt.Printf(" (degraded: no pro-audio priority)")
	}
	fmt.Println()
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
