package diff

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxDiffBytes skips diffing for very large files.
const maxDiffBytes = 4 * 1024 * 1024

// Generator produces unified diffs between a file's baseline and its current
// content.
type Generator struct {
	colorEnabled bool
}

// NewGenerator creates a new diff generator.
func NewGenerator(colorEnabled bool) *Generator {
	return &Generator{colorEnabled: colorEnabled}
}

// Result contains the generated diff and statistics.
type Result struct {
	Path         string
	UnifiedDiff  string
	AddedLines   int
	DeletedLines int
	IsBinary     bool
}

// Changed reports whether the diff carries any change.
func (r *Result) Changed() bool {
	return r.IsBinary || r.AddedLines > 0 || r.DeletedLines > 0
}

// Unified creates a unified diff between old and new content.
func (g *Generator) Unified(path, oldContent, newContent string) *Result {
	res := &Result{Path: path}
	if oldContent == newContent {
		return res
	}
	if isBinary(oldContent) || isBinary(newContent) {
		res.IsBinary = true
		res.UnifiedDiff = fmt.Sprintf("Binary file %s has changed", path)
		return res
	}
	if len(oldContent) > maxDiffBytes || len(newContent) > maxDiffBytes {
		res.UnifiedDiff = fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ large file, diff skipped @@\n", path, path)
		res.AddedLines = strings.Count(newContent, "\n")
		res.DeletedLines = strings.Count(oldContent, "\n")
		return res
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	res.AddedLines, res.DeletedLines = countLines(diffs)

	patches := dmp.PatchMake(oldContent, diffs)
	res.UnifiedDiff = g.format(path, dmp.PatchToText(patches))
	return res
}

// format adds file headers and decodes the patch body, which go-diff
// emits percent-encoded.
func (g *Generator) format(path, patchText string) string {
	var b strings.Builder
	b.WriteString(g.colorize("--- a/"+path+"\n", color.FgRed))
	b.WriteString(g.colorize("+++ b/"+path+"\n", color.FgGreen))

	for _, line := range strings.Split(patchText, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "@@") {
			b.WriteString(g.colorize(line+"\n", color.FgCyan))
			continue
		}
		prefix, body := line[:1], line[1:]
		if decoded, err := url.PathUnescape(body); err == nil {
			body = decoded
		}
		for _, part := range strings.Split(strings.TrimSuffix(body, "\n"), "\n") {
			text := prefix + part + "\n"
			switch prefix {
			case "+":
				text = g.colorize(text, color.FgGreen)
			case "-":
				text = g.colorize(text, color.FgRed)
			}
			b.WriteString(text)
		}
	}
	return b.String()
}

func countLines(diffs []diffmatchpatch.Diff) (added, deleted int) {
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			deleted += n
		}
	}
	return added, deleted
}

func (g *Generator) colorize(text string, attr color.Attribute) string {
	if !g.colorEnabled {
		return text
	}
	return color.New(attr).Sprint(text)
}

func isBinary(content string) bool {
	checkLen := min(len(content), 8000)
	for i := 0; i < checkLen; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}

// Summary returns a short human-readable summary of changes.
func (r *Result) Summary() string {
	if r.IsBinary {
		return "binary file changed"
	}
	if !r.Changed() {
		return "no changes"
	}
	parts := []string{}
	if r.AddedLines > 0 {
		parts = append(parts, fmt.Sprintf("+%d", r.AddedLines))
	}
	if r.DeletedLines > 0 {
		parts = append(parts, fmt.Sprintf("-%d", r.DeletedLines))
	}
	return strings.Join(parts, " ")
}
