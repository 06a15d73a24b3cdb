package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"snapsync/broker/tools/replay_player"
)

func main() {
	path := flag.String("path", "", "Path to a recording directory or its manifest.json")
	transmit := flag.Bool("transmit", false, "Stream the recording through the pipeline and report the traffic")
	packetSize := flag.Int("packet-size", 900, "Maximum payload bytes per packet when transmitting")
	compressor := flag.String("compression", "huffman", "Compressor used when transmitting")
	ackLag := flag.Int("ack-lag", 0, "Ticks the simulated client acknowledges behind")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	rec, summary, err := replayplayer.Summarize(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	payload := struct {
		Summary  replayplayer.Summary         `json:"summary"`
		Transmit *replayplayer.TransmitReport `json:"transmit,omitempty"`
	}{Summary: summary}

	if *transmit {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		report, err := replayplayer.Transmit(ctx, rec, replayplayer.TransmitOptions{
			MaxPacketSize: *packetSize,
			Compressor:    *compressor,
			AckLag:        *ackLag,
		})
		cancel()
		if err != nil {
			fmt.Fprintln(os.Stderr, "transmit error:", err)
			os.Exit(2)
		}
		payload.Transmit = &report
	}

	//1.- Render the report as JSON so callers can pipe the output elsewhere.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
}
