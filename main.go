// docpipe ingests documents dropped over HTTP or into a watched
// directory, parses them into chunked text artifacts, and answers
// retrieval queries through an optional RAG engine.
package main

import (
	"fmt"
	"os"

	"github.com/univy/docpipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "docpipe: %v\n", err)
		os.Exit(1)
	}
}
