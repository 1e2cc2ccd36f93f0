package tools

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/stats"
)

// LineDiffStats computes how many lines a file mutation added and removed,
// using a line-granular diff rather than a naive length comparison so that
// rewrites in the middle of a file count both sides.
func LineDiffStats(before, after string) stats.FileStats {
	if before == after {
		return stats.FileStats{}
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out stats.FileStats
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			out.LinesAdded += n
		case diffmatchpatch.DiffDelete:
			out.LinesRemoved += n
		}
	}
	return out
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
