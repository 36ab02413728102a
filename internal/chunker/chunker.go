// Package chunker splits outbound text into transport-sized pieces while
// preserving structure. Fenced code blocks are re-emitted as complete fenced
// blocks; prose falls back through paragraph, sentence, clause, and word
// boundaries. Pure and deterministic.
package chunker

import (
	"regexp"
	"strings"
)

var (
	codeBlockRe = regexp.MustCompile("(?s)(```.*?```)")
	paragraphRe = regexp.MustCompile(`\n{2,}`)
	sentenceRe  = regexp.MustCompile(`([.!?])\s+`)
	clauseRe    = regexp.MustCompile(`([,;:])\s+`)
)

// Chunk splits text into pieces of at most limit characters. minChunk is the
// threshold below which a chunk is merged into its successor when the merge
// still fits.
func Chunk(text string, limit, minChunk int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	segments := splitPreservingCode(text)

	var chunks []string
	current := ""

	for _, seg := range segments {
		isCode := strings.HasPrefix(seg, "```")

		if len(current)+len(seg)+1 <= limit {
			if current == "" {
				current = seg
			} else {
				current = strings.TrimSpace(current + "\n" + seg)
			}
			continue
		}

		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}

		if len(seg) <= limit {
			current = seg
			continue
		}

		var sub []string
		if isCode {
			sub = splitCodeBlock(seg, limit)
		} else {
			sub = splitProse(seg, limit)
		}
		if len(sub) > 0 {
			chunks = append(chunks, sub[:len(sub)-1]...)
			current = sub[len(sub)-1]
		}
	}

	if current != "" {
		chunks = append(chunks, current)
	}

	return mergeShortChunks(chunks, limit, minChunk)
}

// splitPreservingCode splits text into alternating prose and fenced code
// segments, dropping blank segments.
func splitPreservingCode(text string) []string {
	var out []string
	last := 0
	for _, loc := range codeBlockRe.FindAllStringIndex(text, -1) {
		if prose := text[last:loc[0]]; strings.TrimSpace(prose) != "" {
			out = append(out, prose)
		}
		out = append(out, text[loc[0]:loc[1]])
		last = loc[1]
	}
	if tail := text[last:]; strings.TrimSpace(tail) != "" {
		out = append(out, tail)
	}
	return out
}

// splitProse breaks text along paragraph, then sentence, clause, and word
// boundaries, coarsest boundary that fits first.
func splitProse(text string, limit int) []string {
	parts := paragraphRe.Split(text, -1)
	if len(parts) > 1 && allFit(parts, limit) {
		return recombine(parts, limit, "\n\n")
	}

	var chunks []string
	for _, part := range parts {
		if len(part) <= limit {
			chunks = append(chunks, part)
			continue
		}
		if sentences := splitAfter(part, sentenceRe); len(sentences) > 1 {
			chunks = append(chunks, recombine(sentences, limit, " ")...)
			continue
		}
		if clauses := splitAfter(part, clauseRe); len(clauses) > 1 {
			chunks = append(chunks, recombine(clauses, limit, " ")...)
			continue
		}
		chunks = append(chunks, splitByWords(part, limit)...)
	}
	return chunks
}

// splitAfter splits on re keeping the trailing punctuation with the left
// part. re must capture the punctuation as group 1.
func splitAfter(text string, re *regexp.Regexp) []string {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	var out []string
	last := 0
	for _, m := range matches {
		// m[3] is the end of the punctuation group; whitespace after it is
		// the separator and is dropped.
		out = append(out, text[last:m[3]])
		last = m[1]
	}
	if last < len(text) {
		out = append(out, text[last:])
	}
	return out
}

// splitCodeBlock re-emits an oversized fenced block as a sequence of fenced
// blocks, each carrying the original opener (with language tag) and closer.
func splitCodeBlock(block string, limit int) []string {
	lines := strings.Split(block, "\n")
	opener := "```"
	if len(lines) > 0 {
		opener = lines[0]
	}
	const closer = "```"

	var inner []string
	if len(lines) >= 2 {
		inner = lines[1 : len(lines)-1]
	} else if len(lines) > 1 {
		inner = lines[1:]
	}

	maxInner := limit - len(opener) - len(closer) - 2

	var chunks []string
	var cur []string
	curLen := 0
	for _, line := range inner {
		lineLen := len(line) + 1
		if curLen+lineLen > maxInner && len(cur) > 0 {
			chunks = append(chunks, opener+"\n"+strings.Join(cur, "\n")+"\n"+closer)
			cur = nil
			curLen = 0
		}
		cur = append(cur, line)
		curLen += lineLen
	}
	if len(cur) > 0 {
		chunks = append(chunks, opener+"\n"+strings.Join(cur, "\n")+"\n"+closer)
	}
	if len(chunks) == 0 {
		return []string{block}
	}
	return chunks
}

// recombine greedily packs parts back together with separator, splitting any
// part that alone exceeds the limit by words.
func recombine(parts []string, limit int, separator string) []string {
	var chunks []string
	current := ""
	for _, part := range parts {
		candidate := part
		if current != "" {
			candidate = current + separator + part
		}
		if len(candidate) <= limit {
			current = candidate
			continue
		}
		if current != "" {
			chunks = append(chunks, current)
		}
		if len(part) <= limit {
			current = part
		} else {
			sub := splitByWords(part, limit)
			chunks = append(chunks, sub[:len(sub)-1]...)
			current = sub[len(sub)-1]
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// splitByWords is the last resort. A single word longer than the limit is
// hard-sliced so no content is lost.
func splitByWords(text string, limit int) []string {
	var chunks []string
	current := ""
	for _, word := range strings.Fields(text) {
		candidate := word
		if current != "" {
			candidate = current + " " + word
		}
		if len(candidate) <= limit {
			current = candidate
			continue
		}
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
		for len(word) > limit {
			chunks = append(chunks, word[:limit])
			word = word[limit:]
		}
		current = word
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	if len(chunks) == 0 && current == "" {
		return []string{""}
	}
	return chunks
}

// mergeShortChunks folds a chunk shorter than minSize into the next one when
// the combined text still fits.
func mergeShortChunks(chunks []string, limit, minSize int) []string {
	if len(chunks) == 0 {
		return chunks
	}
	merged := []string{chunks[0]}
	for _, c := range chunks[1:] {
		last := merged[len(merged)-1]
		if len(last) < minSize && len(last)+len(c)+1 <= limit {
			merged[len(merged)-1] = last + "\n" + c
		} else {
			merged = append(merged, c)
		}
	}
	return merged
}

func allFit(parts []string, limit int) bool {
	for _, p := range parts {
		if len(p) > limit {
			return false
		}
	}
	return true
}
