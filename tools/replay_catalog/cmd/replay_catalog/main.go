package main

import (
	"flag"
	"fmt"
	"os"

	"snapsync/broker/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing recordings")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		fmt.Printf("%s (schema %d)\n", entry.ManifestPath, entry.Header.SchemaVersion)
		fmt.Printf("  variant: %s  tick rate: %d  bytes: %d\n", entry.Header.Variant, entry.Header.TickRate, entry.Bytes)
		for _, size := range entry.Header.StaticSizes {
			fmt.Printf("  static size: type %d = %d words\n", size.Type, size.Words)
		}
		fmt.Printf("  header: %s\n", entry.HeaderPath)
	}
}
