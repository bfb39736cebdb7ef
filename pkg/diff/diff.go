// Package diff renders line-oriented unified diffs for dry-run previews.
package diff

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// MaxLines caps the number of body lines Unified emits.
const MaxLines = 200

const truncateMessage = "... (diff truncated) ..."

// Unified compares before and after line by line and returns a unified diff
// labelled with path, or "" when the contents are identical. The body is a
// single hunk covering both files.
func Unified(before, after []byte, path string) string {
	if bytes.Equal(before, after) {
		return ""
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "--- a/%s\n", path)
	fmt.Fprintf(&buf, "+++ b/%s\n", path)
	fmt.Fprintf(&buf, "@@ -1,%d +1,%d @@\n", lineCount(before), lineCount(after))

	written := 0
	for _, d := range lineDiffs(before, after) {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range splitLines(d.Text) {
			if written == MaxLines {
				buf.WriteString(truncateMessage + "\n")
				return buf.String()
			}
			buf.WriteString(prefix + line + "\n")
			written++
		}
	}
	return buf.String()
}

// Stat counts the lines added and removed between before and after.
func Stat(before, after []byte) (added, removed int) {
	for _, d := range lineDiffs(before, after) {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(splitLines(d.Text))
		case diffmatchpatch.DiffDelete:
			removed += len(splitLines(d.Text))
		}
	}
	return added, removed
}

func lineDiffs(before, after []byte) []diffmatchpatch.Diff {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(string(before), string(after))
	diffs := dmp.DiffMain(a, b, false)
	return dmp.DiffCharsToLines(diffs, lines)
}

// splitLines splits text into lines without their terminators.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

func lineCount(data []byte) int {
	return len(splitLines(string(data)))
}
