package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/workspace"
)

// ChunkFailure names a chunk left out of the output and why.
type ChunkFailure struct {
	Index  int
	Reason string
}

// Report summarizes a finished run. Converted counts reused chunks too.
type Report struct {
	RunID       string
	Document    string
	Profile     string
	State       State
	TotalChunks int
	Converted   int
	Reused      int
	Fallback    []int
	Failed      []ChunkFailure
	OutputPath  string
	Audio       time.Duration
	Elapsed     time.Duration
	Err         error
}

// Succeeded reports whether a non-empty output file was produced.
func (r Report) Succeeded() bool {
	return r.OutputPath != "" && workspace.NonEmpty(r.OutputPath)
}

// FailedIndices lists the failed chunk indices in order.
func (r Report) FailedIndices() []int {
	out := make([]int, 0, len(r.Failed))
	for _, f := range r.Failed {
		out = append(out, f.Index)
	}
	sort.Ints(out)
	return out
}

// Summary renders the report for a terminal.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s\n", r.RunID, r.State)
	if r.Document != "" {
		fmt.Fprintf(&b, "document: %s\n", r.Document)
	}
	fmt.Fprintf(&b, "chunks: %d total, %d converted (%d reused), %d failed\n",
		r.TotalChunks, r.Converted, r.Reused, len(r.Failed))
	if len(r.Fallback) > 0 {
		fmt.Fprintf(&b, "unconverted fallback: %s\n", joinInts(r.Fallback))
	}
	for _, f := range r.Failed {
		fmt.Fprintf(&b, "  chunk %d: %s\n", f.Index, f.Reason)
	}
	if r.OutputPath != "" {
		fmt.Fprintf(&b, "output: %s (%s)\n", r.OutputPath, r.Audio.Round(time.Millisecond))
	} else {
		b.WriteString("output: none\n")
	}
	if r.Err != nil {
		fmt.Fprintf(&b, "error: %v\n", r.Err)
	}
	fmt.Fprintf(&b, "elapsed: %s\n", r.Elapsed.Round(time.Millisecond))
	return b.String()
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}
