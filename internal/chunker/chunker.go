// Package chunker splits scripts into paragraph-grouped chunks sized for one synthesis request.
package chunker

import (
	"regexp"
	"strings"
)

// Separator joins the paragraphs of one chunk.
const Separator = "\n\n"

var newlineRuns = regexp.MustCompile(`\n+`)

// Split groups the non-blank paragraphs of text into chunks of paragraphsPerChunk paragraphs.
// It returns nil when text is blank or paragraphsPerChunk is not positive.
func Split(text string, paragraphsPerChunk int) []string {
	if paragraphsPerChunk <= 0 {
		return nil
	}

	paragraphs := Paragraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	chunks := make([]string, 0, (len(paragraphs)+paragraphsPerChunk-1)/paragraphsPerChunk)

	for start := 0; start < len(paragraphs); start += paragraphsPerChunk {
		end := min(start+paragraphsPerChunk, len(paragraphs))
		chunks = append(chunks, strings.Join(paragraphs[start:end], Separator))
	}

	return chunks
}

// Paragraphs returns the non-blank paragraphs of text in order.
func Paragraphs(text string) []string {
	var paragraphs []string

	for _, candidate := range newlineRuns.Split(text, -1) {
		candidate = strings.TrimSuffix(candidate, "\r")
		if strings.TrimSpace(candidate) == "" {
			continue
		}

		paragraphs = append(paragraphs, candidate)
	}

	return paragraphs
}
