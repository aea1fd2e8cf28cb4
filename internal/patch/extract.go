package patch

import (
	"regexp"
	"strings"
	"unicode"
)

var fencedBlock = regexp.MustCompile("```(?:[\\w+#.-]*\\n)?([\\s\\S]*?)```")

// extractBlock returns the trimmed body of the first fenced code block.
func extractBlock(response string) (string, bool) {
	m := fencedBlock.FindStringSubmatch(response)
	if m == nil {
		return "", false
	}
	body := strings.TrimSpace(m[1])
	return body, body != ""
}

// diffLines splits a line diff into removed and added lines, dropping file headers.
func diffLines(response string) (old, added []string) {
	for _, line := range strings.Split(response, "\n") {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "-"):
			old = append(old, strings.TrimRightFunc(line[1:], unicode.IsSpace))
		case strings.HasPrefix(line, "+"):
			added = append(added, strings.TrimRightFunc(line[1:], unicode.IsSpace))
		}
	}
	return old, added
}
