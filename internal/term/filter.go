package term

import (
	"regexp"
	"strings"
)

// ansiPattern matches ANSI/VT escape sequences: CSI sequences, OSC
// sequences (BEL or ST terminated), and single-character escapes.
var ansiPattern = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[ -/]*[@-~]|\][^\a\x1b]*(?:\a|\x1b\\)?|[@-Z\\-_])`)

// newlinePattern matches runs of three or more newlines.
var newlinePattern = regexp.MustCompile(`\n{3,}`)

// repeatRunLimit is the run length at which repeated characters are
// treated as terminal noise and removed. Known heuristic limitation:
// legitimate repeated output (a rule of dashes, a progress bar) is
// stripped as well.
const repeatRunLimit = 10

// FilterOutput normalizes raw subprocess output before buffering:
// NUL bytes are removed, escape sequences and control bytes other than
// newline are stripped, runs of ten or more identical characters are
// dropped entirely, and three or more consecutive newlines collapse to
// two. The function is pure and idempotent.
func FilterOutput(s string) string {
	if s == "" {
		return ""
	}

	s = strings.ReplaceAll(s, "\x00", "")
	s = ansiPattern.ReplaceAllString(s, "")
	s = stripControl(s)

	// Removing a run can join two identical neighbors into a new long
	// run, so collapse until stable to keep the filter idempotent.
	for {
		next := collapseRuns(s)
		if next == s {
			break
		}
		s = next
	}

	s = newlinePattern.ReplaceAllString(s, "\n\n")

	// Whitespace-only residue carries no information for the consumer.
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

// stripControl removes non-printable control bytes except newline.
func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || (r >= 0x20 && r != 0x7f) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// collapseRuns removes every run of repeatRunLimit or more identical
// characters in a single pass.
func collapseRuns(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(runes); {
		j := i
		for j < len(runes) && runes[j] == runes[i] {
			j++
		}
		if j-i < repeatRunLimit {
			for k := i; k < j; k++ {
				b.WriteRune(runes[k])
			}
		}
		i = j
	}
	return b.String()
}
