package main

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"workbench/internal/chatstream"
	"workbench/internal/parser"
)

// isTerminal reports whether w is attached to a TTY.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// teeFeeder feeds every chunk to all feeders.
type teeFeeder []chatstream.Feeder

func (t teeFeeder) Feed(chunk string) {
	for _, f := range t {
		f.Feed(chunk)
	}
}

func (t teeFeeder) Close() {
	for _, f := range t {
		f.Close()
	}
}

// proseCollector keeps the assistant text that surrounds the artifacts.
type proseCollector struct {
	b strings.Builder
}

func (c *proseCollector) parser(messageID string) *parser.Parser {
	return parser.New(messageID, parser.Callbacks{
		OnText: func(text string) { c.b.WriteString(text) },
	})
}

func (c *proseCollector) String() string { return strings.TrimSpace(c.b.String()) }

// renderMarkdown styles prose for a terminal and passes it through otherwise.
func renderMarkdown(content string, styled bool) string {
	if content == "" || !styled {
		return content + "\n"
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(100),
		glamour.WithEmoji(),
	)
	if err != nil {
		return content + "\n"
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content + "\n"
	}
	return rendered
}
