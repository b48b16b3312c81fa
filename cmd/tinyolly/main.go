// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command tinyolly runs the local-development observability backend:
// OTLP ingest (gRPC and HTTP), an ephemeral TTL store, the query API,
// and the OpAMP collector control plane, all in one process.
//
// Usage:
//
//	tinyolly serve
//
// All configuration comes from the environment; see LoadConfig for the
// variables and their defaults. A bare invocation listens on:
//
//	4343  OTLP/gRPC ingest
//	4318  OTLP/HTTP ingest
//	5005  query API
//	4320  OpAMP websocket (/v1/opamp)
//	4321  control plane REST
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var (
	rootCmd = &cobra.Command{
		Use:   "tinyolly",
		Short: "An ephemeral observability backend for local development",
		Long: `TinyOlly ingests OTLP traces, logs, and metrics, keeps them in a
TTL-bounded store, and serves a query API plus an OpAMP control plane
for managing collector agents. Everything expires; nothing needs a
database.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start all listeners and serve until interrupted",
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("tinyolly " + version)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
