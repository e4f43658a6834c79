// Package main provides the closest-speaker service and its clients.
//
// Usage:
//
//	closest-speaker [flags] <command> [args]
//
// Commands:
//
//	serve   - Run the aggregator: websocket hub, speaker snapshot and monitoring API
//	source  - Stream one capture device to an aggregator
//	local   - Run several capture devices against an in-process aggregator
//	watch   - Mirror a remote aggregator and print its speaker table
//
// Configuration:
//
//	Settings come from an optional YAML file (--config), a .env file in the
//	working directory and CLOSEST_* environment variables.
package main

import (
	"fmt"
	"os"

	"github.com/ahmad-alqaisi215/NETIXS-AI/cmd/closest-speaker/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
