package parser

import "workbench/internal/action"

// Parsed is one complete action found by ParseAll.
type Parsed struct {
	ArtifactID string
	ActionID   string
	Action     action.Action
}

// Result is the outcome of parsing a complete message.
type Result struct {
	Artifacts []ArtifactEvent
	Actions   []Parsed
	Text      string
}

// ParseAll parses a fully received message.
func ParseAll(messageID, text string) Result {
	var res Result
	p := New(messageID, Callbacks{
		OnArtifactOpen: func(ev ArtifactEvent) { res.Artifacts = append(res.Artifacts, ev) },
		OnActionClose: func(ev ActionEvent) {
			res.Actions = append(res.Actions, Parsed{ArtifactID: ev.ArtifactID, ActionID: ev.ActionID, Action: ev.Action})
		},
		OnText: func(s string) { res.Text += s },
	})
	p.Feed(text)
	p.Close()
	return res
}
