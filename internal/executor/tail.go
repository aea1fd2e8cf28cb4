package executor

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
)

// Default excerpt bounds for build logs.
const (
	DefaultMaxLines  = 100
	DefaultMaxTokens = 512
)

// TailTokens keeps the last maxLines lines of r, splits them on whitespace and
// returns the last maxTokens tokens joined by single spaces.
func TailTokens(r io.Reader, maxLines, maxTokens int) (string, error) {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	ring := make([]string, 0, maxLines)
	next := 0
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.ToValidUTF8(strings.TrimSuffix(line, "\n"), "")
			if len(ring) < maxLines {
				ring = append(ring, line)
			} else {
				ring[next] = line
				next = (next + 1) % maxLines
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}
	ordered := append(ring[next:len(ring):len(ring)], ring[:next]...)
	tokens := strings.Fields(strings.Join(ordered, " "))
	if len(tokens) > maxTokens {
		tokens = tokens[len(tokens)-maxTokens:]
	}
	return strings.Join(tokens, " "), nil
}

// ReadTail applies TailTokens to a file. Missing files read as "".
func ReadTail(path string, maxLines, maxTokens int) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()
	return TailTokens(f, maxLines, maxTokens)
}
