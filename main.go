package main

import (
	"fmt"
	"os"

	"github.com/tphakala/audiobridge/cmd"
	"github.com/tphakala/audiobridge/internal/buildinfo"
	"github.com/tphakala/audiobridge/internal/conf"
)

// Set through ldflags: -X main.version=... -X main.buildDate=...
var (
	version   string
	buildDate string
)

func main() {
	settings := &conf.Settings{}
	info := &buildinfo.Context{Version: version, BuildDate: buildDate}

	rootCmd := cmd.RootCommand(settings, info)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "audiobridge: %v\n", err)
		os.Exit(1)
	}
}
