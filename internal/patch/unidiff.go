package patch

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const contextLines = 3

type diffOp struct {
	kind byte
	text string
}

// Unified renders a git-style unified diff between two file versions.
// It returns "" when the contents are equal.
func Unified(oldName, newName, oldText, newText string) string {
	if oldText == newText {
		return ""
	}
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []diffOp
	for _, d := range diffs {
		kind := byte(' ')
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			kind = '-'
		case diffmatchpatch.DiffInsert:
			kind = '+'
		}
		for _, l := range splitKeepNewline(d.Text) {
			ops = append(ops, diffOp{kind: kind, text: l})
		}
	}

	oldLabel := strings.TrimPrefix(oldName, "/")
	newLabel := strings.TrimPrefix(newName, "/")
	var sb strings.Builder
	fmt.Fprintf(&sb, "diff --git a/%s b/%s\n", oldLabel, newLabel)
	fmt.Fprintf(&sb, "--- a/%s\n", oldLabel)
	fmt.Fprintf(&sb, "+++ b/%s\n", newLabel)
	for _, h := range hunks(ops) {
		writeHunk(&sb, ops, h[0], h[1])
	}
	return sb.String()
}

func splitKeepNewline(s string) []string {
	var out []string
	for s != "" {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}

// hunks groups changed ops with surrounding context into [start,end) op ranges.
func hunks(ops []diffOp) [][2]int {
	var out [][2]int
	for i := 0; i < len(ops); {
		if ops[i].kind == ' ' {
			i++
			continue
		}
		start := max(0, i-contextLines)
		end := i
		for {
			for end < len(ops) && ops[end].kind != ' ' {
				end++
			}
			run := 0
			for end+run < len(ops) && ops[end+run].kind == ' ' {
				run++
			}
			if end+run < len(ops) && run <= 2*contextLines {
				end += run
				continue
			}
			end += min(run, contextLines)
			break
		}
		out = append(out, [2]int{start, end})
		i = end
	}
	return out
}

func writeHunk(sb *strings.Builder, ops []diffOp, start, end int) {
	oldLine, newLine := 1, 1
	for _, op := range ops[:start] {
		if op.kind != '+' {
			oldLine++
		}
		if op.kind != '-' {
			newLine++
		}
	}
	oldCount, newCount := 0, 0
	for _, op := range ops[start:end] {
		if op.kind != '+' {
			oldCount++
		}
		if op.kind != '-' {
			newCount++
		}
	}
	fmt.Fprintf(sb, "@@ -%s +%s @@\n", hunkRange(oldLine, oldCount), hunkRange(newLine, newCount))
	for _, op := range ops[start:end] {
		sb.WriteByte(op.kind)
		sb.WriteString(op.text)
		if !strings.HasSuffix(op.text, "\n") {
			sb.WriteString("\n\\ No newline at end of file\n")
		}
	}
}

func hunkRange(line, count int) string {
	switch count {
	case 0:
		return fmt.Sprintf("%d,0", line-1)
	case 1:
		return fmt.Sprintf("%d", line)
	default:
		return fmt.Sprintf("%d,%d", line, count)
	}
}

// RewriteHeaders points the file headers of a diff at logicalPath so the
// output does not depend on where the artifact was materialized.
func RewriteHeaders(diff, logicalPath string) string {
	if diff == "" {
		return ""
	}
	p := "/" + strings.TrimPrefix(logicalPath, "/")
	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "@@") {
			break
		}
		switch {
		case strings.HasPrefix(line, "diff --git "):
			lines[i] = "diff --git a" + p + " b" + p
		case strings.HasPrefix(line, "--- "):
			lines[i] = "--- a" + p
		case strings.HasPrefix(line, "+++ "):
			lines[i] = "+++ b" + p
		}
	}
	return strings.Join(lines, "\n")
}
