// journalcat dumps a session's event journal in receipt order, one JSON
// entry per line. Used to replay reconciliation issues offline.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"lingodesk/pkg/journal"
)

func main() {
	var path string
	var limit int
	flag.StringVar(&path, "path", "", "journal dir path")
	flag.IntVar(&limit, "limit", 0, "max entries to print (0 = all)")
	flag.Parse()
	if path == "" {
		fmt.Fprintln(os.Stderr, "--path required")
		os.Exit(2)
	}

	j, err := journal.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open journal: %v\n", err)
		os.Exit(1)
	}
	defer j.Close()

	entries, err := j.Replay(limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(1)
		}
	}
}
