// Package parser turns streamed assistant output into artifact and action
// events. Input arrives in arbitrary chunks; events fire as soon as the
// corresponding tag is complete.
//
// Recognised markup:
//
//	<boltArtifact id="..." title="...">
//	  <boltAction type="file" filePath="src/app.js">...</boltAction>
//	  <boltAction type="shell">npm install</boltAction>
//	</boltArtifact>
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"workbench/internal/action"
	"workbench/internal/logging"
)

const (
	artifactOpen  = "<boltArtifact"
	artifactClose = "</boltArtifact>"
	actionOpen    = "<boltAction"
	actionClose   = "</boltAction>"
)

var attrPattern = regexp.MustCompile(`([A-Za-z_][\w-]*)\s*=\s*(?:"([^"]*)"|'([^']*)')`)

// ArtifactEvent describes an artifact boundary.
type ArtifactEvent struct {
	MessageID string
	ID        string
	Title     string
}

// ActionEvent describes an action boundary. On open the action carries its
// kind and path but no content.
type ActionEvent struct {
	MessageID  string
	ArtifactID string
	ActionID   string
	Action     action.Action
}

// Callbacks receive parser events. Any field may be nil.
type Callbacks struct {
	OnArtifactOpen  func(ArtifactEvent)
	OnArtifactClose func(ArtifactEvent)
	OnActionOpen    func(ActionEvent)
	OnActionClose   func(ActionEvent)
	// OnActionDiscard fires on Close for an action that was opened but
	// never terminated. Its body is never delivered.
	OnActionDiscard func(ActionEvent)
	// OnText receives prose outside artifacts. Chunking of this text follows
	// the input chunking.
	OnText func(string)
}

type state int

const (
	stateText state = iota
	stateArtifact
	stateAction
	stateSkipAction
)

// Parser is a per-message streaming parser. It is not safe for concurrent
// use; feed it from the goroutine reading the stream.
type Parser struct {
	messageID string
	cb        Callbacks
	logger    logging.Logger

	buf      string
	state    state
	artifact ArtifactEvent
	current  ActionEvent
	nextID   int
	closed   bool
	// scan is where the next search for actionClose starts in buf.
	scan int
}

// Option customises a Parser.
type Option func(*Parser)

// WithLogger sets the logger used to report skipped blocks.
func WithLogger(logger logging.Logger) Option {
	return func(p *Parser) { p.logger = logging.OrNop(logger) }
}

// New creates a parser for one assistant message.
func New(messageID string, cb Callbacks, opts ...Option) *Parser {
	p := &Parser{
		messageID: messageID,
		cb:        cb,
		logger:    logging.NewComponentLogger("parser"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MessageID returns the message this parser belongs to.
func (p *Parser) MessageID() string { return p.messageID }

// Feed consumes the next chunk of the stream.
func (p *Parser) Feed(chunk string) {
	if p.closed || chunk == "" {
		return
	}
	p.buf += chunk
	for p.step() {
	}
}

// Close ends the stream. A partially received action is discarded; an open
// artifact is closed.
func (p *Parser) Close() {
	if p.closed {
		return
	}
	p.closed = true
	switch p.state {
	case stateText:
		p.emitText(p.buf)
	case stateAction:
		p.logger.Debug("dropping unterminated action %s of message %s", p.current.ActionID, p.messageID)
		if p.cb.OnActionDiscard != nil {
			p.cb.OnActionDiscard(p.current)
		}
		p.current = ActionEvent{}
		p.closeArtifact()
	case stateArtifact, stateSkipAction:
		p.closeArtifact()
	}
	p.buf = ""
}

// step consumes as much of the buffer as the current state allows and
// reports whether progress was made.
func (p *Parser) step() bool {
	switch p.state {
	case stateText:
		return p.stepText()
	case stateArtifact:
		return p.stepArtifact()
	case stateAction:
		return p.stepAction()
	case stateSkipAction:
		return p.stepSkip()
	}
	return false
}

func (p *Parser) stepText() bool {
	idx, ok := findOpenTag(p.buf, artifactOpen)
	if idx < 0 {
		keep := partialSuffix(p.buf, artifactOpen)
		p.emitText(p.buf[:len(p.buf)-keep])
		p.buf = p.buf[len(p.buf)-keep:]
		return false
	}
	if !ok {
		// Something like "<boltArtifactX": plain text.
		p.emitText(p.buf[:idx+1])
		p.buf = p.buf[idx+1:]
		return true
	}
	end := findTagEnd(p.buf, idx)
	if end < 0 {
		p.emitText(p.buf[:idx])
		p.buf = p.buf[idx:]
		return false
	}
	p.emitText(p.buf[:idx])
	attrs := parseAttrs(p.buf[idx+len(artifactOpen) : end])
	p.buf = p.buf[end+1:]

	p.artifact = ArtifactEvent{MessageID: p.messageID, ID: attrs["id"], Title: attrs["title"]}
	if p.artifact.ID == "" {
		p.artifact.ID = p.messageID
	}
	p.state = stateArtifact
	if p.cb.OnArtifactOpen != nil {
		p.cb.OnArtifactOpen(p.artifact)
	}
	return true
}

func (p *Parser) stepArtifact() bool {
	closeIdx := strings.Index(p.buf, artifactClose)
	openIdx, ok := findOpenTag(p.buf, actionOpen)

	if closeIdx >= 0 && (openIdx < 0 || closeIdx < openIdx) {
		p.buf = p.buf[closeIdx+len(artifactClose):]
		p.closeArtifact()
		return true
	}
	if openIdx < 0 {
		keep := max(partialSuffix(p.buf, actionOpen), partialSuffix(p.buf, artifactClose))
		p.buf = p.buf[len(p.buf)-keep:]
		return false
	}
	if !ok {
		p.buf = p.buf[openIdx+1:]
		return true
	}
	end := findTagEnd(p.buf, openIdx)
	if end < 0 {
		p.buf = p.buf[openIdx:]
		return false
	}
	attrs := parseAttrs(p.buf[openIdx+len(actionOpen) : end])
	p.buf = p.buf[end+1:]

	var act action.Action
	switch attrs["type"] {
	case string(action.KindFile):
		if strings.TrimSpace(attrs["filePath"]) == "" {
			p.logger.Debug("skipping file action without filePath in message %s", p.messageID)
			p.state = stateSkipAction
			return true
		}
		act = action.FileAction{Path: strings.TrimSpace(attrs["filePath"])}
	case string(action.KindShell):
		act = action.ShellAction{}
	default:
		p.logger.Debug("skipping action with unknown type %q in message %s", attrs["type"], p.messageID)
		p.state = stateSkipAction
		return true
	}

	p.current = ActionEvent{
		MessageID:  p.messageID,
		ArtifactID: p.artifact.ID,
		ActionID:   strconv.Itoa(p.nextID),
		Action:     act,
	}
	p.nextID++
	p.state = stateAction
	p.scan = 0
	if p.cb.OnActionOpen != nil {
		p.cb.OnActionOpen(p.current)
	}
	return true
}

func (p *Parser) stepAction() bool {
	idx := strings.Index(p.buf[p.scan:], actionClose)
	if idx < 0 {
		// Only a tail shorter than the tag can still start a match.
		p.scan = max(p.scan, len(p.buf)-len(actionClose)+1)
		return false
	}
	idx += p.scan
	p.scan = 0
	body := p.buf[:idx]
	p.buf = p.buf[idx+len(actionClose):]
	p.state = stateArtifact

	ev := p.current
	switch a := ev.Action.(type) {
	case action.FileAction:
		a.Content = normalizeFileContent(body)
		ev.Action = a
	case action.ShellAction:
		a.Command = strings.TrimSpace(body)
		ev.Action = a
	}
	p.current = ActionEvent{}
	if p.cb.OnActionClose != nil {
		p.cb.OnActionClose(ev)
	}
	return true
}

func (p *Parser) stepSkip() bool {
	idx := strings.Index(p.buf, actionClose)
	if idx < 0 {
		keep := partialSuffix(p.buf, actionClose)
		p.buf = p.buf[len(p.buf)-keep:]
		return false
	}
	p.buf = p.buf[idx+len(actionClose):]
	p.state = stateArtifact
	return true
}

func (p *Parser) closeArtifact() {
	p.state = stateText
	ev := p.artifact
	p.artifact = ArtifactEvent{}
	if p.cb.OnArtifactClose != nil {
		p.cb.OnArtifactClose(ev)
	}
}

func (p *Parser) emitText(s string) {
	if s != "" && p.cb.OnText != nil {
		p.cb.OnText(s)
	}
}

// findOpenTag locates tag in s. ok is false when the match is followed by a
// character that cannot end a tag name; idx is -1 when tag is absent or the
// character after it has not arrived yet.
func findOpenTag(s, tag string) (idx int, ok bool) {
	i := strings.Index(s, tag)
	if i < 0 {
		return -1, false
	}
	next := i + len(tag)
	if next >= len(s) {
		return -1, false
	}
	switch s[next] {
	case ' ', '\t', '\n', '\r', '>', '/':
		return i, true
	}
	return i, false
}

// findTagEnd returns the index of the '>' closing the tag that starts at
// start, ignoring '>' inside quoted attribute values.
func findTagEnd(s string, start int) int {
	var quote byte
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return i
		}
	}
	return -1
}

// partialSuffix returns the length of the longest suffix of s, starting at a
// '<', that is a prefix of tag.
func partialSuffix(s, tag string) int {
	start := len(s) - len(tag)
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s); i++ {
		if s[i] == '<' && strings.HasPrefix(tag, s[i:]) {
			return len(s) - i
		}
	}
	return 0
}

func parseAttrs(s string) map[string]string {
	attrs := map[string]string{}
	for _, m := range attrPattern.FindAllStringSubmatch(s, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		attrs[m[1]] = v
	}
	return attrs
}

func normalizeFileContent(body string) string {
	body = strings.TrimPrefix(body, "\r\n")
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimRight(body, " \t\r\n")
	if body == "" {
		return ""
	}
	return body + "\n"
}
