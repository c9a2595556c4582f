package main

import (
	"fmt"
	"os"
)

const usage = `usage: admin <command> [flags]

commands:
  chunks    list cached chunks recorded in the index db
  probes    list recent liveness probes
  show      print one cached chunk
  events    print tick events from the event log
  prefetch  fetch a square of chunks from the sheet into the cache
  status    GET /v1/status from a running server
  refresh   POST /v1/refresh to a running server
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "chunks":
		chunksCmd(args)
	case "probes":
		probesCmd(args)
	case "show":
		showCmd(args)
	case "events":
		eventsCmd(args)
	case "prefetch":
		prefetchCmd(args)
	case "status":
		statusCmd(args)
	case "refresh":
		refreshCmd(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}
