package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	wasapi "github.com/tachibanayui/wasapi-low-latency"
)

func main() {
	var (
		stream    string
		periods   bool
		processes bool
	)

	flag.StringVar(&stream, "stream", "all", "The endpoint direction to list ('render', 'capture' or 'all').")
	flag.BoolVar(&periods, "periods", false, "Query the shared-mode engine period limits per endpoint.")
	flag.BoolVar(&processes, "processes", false, "Also list running processes targetable for loopback capture.")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Displays information about audio endpoints and loopback targets.")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()

	var flows []wasapi.DataFlow
	switch strings.ToLower(stream) {
	case "render":
		flows = []wasapi.DataFlow{wasapi.ERender}
	case "capture":
		flows = []wasapi.DataFlow{wasapi.ECapture}
	case "all":
		flows = []wasapi.DataFlow{wasapi.ERender, wasapi.ECapture}
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid stream direction '%s'. Must be 'render', 'capture' or 'all'.\n", stream)
		os.Exit(1)
	}

	for _, flow := range flows {
		endpoints, err := wasapi.Endpoints(flow)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error enumerating %s endpoints: %v\n", flow, err)
			os.Exit(1)
		}

		fmt.Printf("%s endpoints (%d):\n", flow, len(endpoints))

		for i, ep := range endpoints {
			fmt.Printf("  [%d] %s\n", i, ep.Name)
			fmt.Printf("      mix format: %s\n", ep.MixFormat)

			if periods {
				p, err := ep.Periods(ep.MixFormat)
				if err != nil {
					fmt.Printf("      periods: unavailable (%v)\n", err)

					continue
				}

				fmt.Printf("      periods: default %d, fundamental %d, min %d, max %d frames\n",
					p.Default, p.Fundamental, p.Min, p.Max)
				fmt.Printf("      minimum latency: %v\n", ep.MixFormat.FramesToDuration(p.Min))
			}
		}

		fmt.Println()
	}

	if processes {
		procs, err := wasapi.Processes()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing processes: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Processes (%d):\n", len(procs))
		for _, p := range procs {
			fmt.Printf("  %6d  %s\n", p.PID, p.Name)
		}
	}
}
