// Package chunker splits entry text into windows small enough to embed.
package chunker

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultTargetSize = 400
	DefaultMaxSize    = 600
	DefaultOverlap    = 8
)

// Options configures chunking behavior. Sizes are in runes; Overlap is the
// number of trailing words repeated at the start of the next hard-split window.
type Options struct {
	TargetSize int
	MaxSize    int
	Overlap    int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MaxSize:    DefaultMaxSize,
		Overlap:    DefaultOverlap,
	}
}

// Split returns the windows of text. Text no longer than MaxSize is returned
// whole; longer text is cut on paragraph boundaries, packed up to TargetSize,
// and paragraphs that alone exceed MaxSize are cut on word boundaries.
func Split(text string, opts Options) []string {
	if opts.TargetSize <= 0 || opts.MaxSize <= 0 {
		opts = DefaultOptions()
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= opts.MaxSize {
		return []string{text}
	}

	var out []string
	var acc string
	flush := func() {
		if acc != "" {
			out = append(out, acc)
			acc = ""
		}
	}
	for _, p := range paragraphs(text) {
		if utf8.RuneCountInString(p) > opts.MaxSize {
			flush()
			out = append(out, splitWords(p, opts)...)
			continue
		}
		if acc == "" {
			acc = p
			continue
		}
		if utf8.RuneCountInString(acc)+2+utf8.RuneCountInString(p) <= opts.TargetSize {
			acc += "\n\n" + p
			continue
		}
		flush()
		acc = p
	}
	flush()
	return out
}

// paragraphs splits on blank lines and markdown headings.
func paragraphs(text string) []string {
	var out []string
	var cur []string
	flush := func() {
		if p := strings.TrimSpace(strings.Join(cur, "\n")); p != "" {
			out = append(out, p)
		}
		cur = nil
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flush()
			continue
		case strings.HasPrefix(trimmed, "#"):
			flush()
		}
		cur = append(cur, line)
	}
	flush()
	return out
}

// splitWords cuts an oversized paragraph into windows of at most TargetSize
// runes, repeating Overlap words between neighbours. A single word longer
// than TargetSize becomes its own window.
func splitWords(p string, opts Options) []string {
	words := strings.Fields(p)
	var out []string
	start := 0
	for start < len(words) {
		n := 0
		end := start
		for end < len(words) {
			w := utf8.RuneCountInString(words[end])
			if end > start && n+1+w > opts.TargetSize {
				break
			}
			if end > start {
				n++
			}
			n += w
			end++
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
		next := end - opts.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}
