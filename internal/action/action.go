// Package action defines the instructions embedded in assistant output and
// the lifecycle state the runner tracks for each of them.
package action

import "fmt"

// Kind identifies an action variant.
type Kind string

const (
	KindFile  Kind = "file"
	KindShell Kind = "shell"
)

// Action is a parsed instruction. The set of variants is closed.
type Action interface {
	Kind() Kind
	sealed()
}

// FileAction writes Content to Path relative to the sandbox workdir. Content
// is always the full file text.
type FileAction struct {
	Path    string `json:"filePath"`
	Content string `json:"content"`
}

func (FileAction) Kind() Kind { return KindFile }
func (FileAction) sealed()    {}

// ShellAction runs Command in the sandbox shell.
type ShellAction struct {
	Command string `json:"content"`
}

func (ShellAction) Kind() Kind { return KindShell }
func (ShellAction) sealed()    {}

// Content returns the body of either variant: file text or command line.
func Content(a Action) string {
	switch v := a.(type) {
	case FileAction:
		return v.Content
	case ShellAction:
		return v.Command
	default:
		return ""
	}
}

// Describe renders a short human-readable label.
func Describe(a Action) string {
	switch v := a.(type) {
	case FileAction:
		return fmt.Sprintf("write %s", v.Path)
	case ShellAction:
		return fmt.Sprintf("run %q", v.Command)
	default:
		return "unknown action"
	}
}
