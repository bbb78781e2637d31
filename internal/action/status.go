package action

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle position of an action.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusAborted  Status = "aborted"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusAborted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
//
//	pending -> running | aborted
//	running -> complete | failed | aborted
//	pending -> failed is allowed for actions rejected before dispatch.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusAborted || next == StatusFailed
	case StatusRunning:
		return next == StatusComplete || next == StatusFailed || next == StatusAborted
	}
	return false
}

// State is a snapshot of one action inside a runner.
type State struct {
	ID       string `json:"id"`
	Action   Action `json:"-"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
	Executed bool   `json:"executed"`
}

// MarshalJSON flattens the action variant into the state object.
func (s State) MarshalJSON() ([]byte, error) {
	type view struct {
		ID       string `json:"id"`
		Type     Kind   `json:"type"`
		FilePath string `json:"filePath,omitempty"`
		Content  string `json:"content"`
		Status   Status `json:"status"`
		Error    string `json:"error,omitempty"`
		Executed bool   `json:"executed"`
	}
	v := view{ID: s.ID, Status: s.Status, Error: s.Error, Executed: s.Executed}
	if s.Action != nil {
		v.Type = s.Action.Kind()
		v.Content = Content(s.Action)
		if f, ok := s.Action.(FileAction); ok {
			v.FilePath = f.Path
		}
	}
	return json.Marshal(v)
}

// TransitionError reports an illegal status change.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("action %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}
