package cmd

import (
	"fmt"
)

// Build metadata, overridden at release time via -ldflags.
var (
	AppVersion = "development"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

func runVersion() {
	fmt.Printf("docpipe %s (commit %s, built %s)\n", AppVersion, GitCommit, BuildTime)
}
