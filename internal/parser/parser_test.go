package parser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbench/internal/action"
)

const twoActions = `Sure, here is the app.
<boltArtifact id="hello" title="Hello App">
<boltAction type="file" filePath="/app.js">
console.log(1)
</boltAction>
<boltAction type="shell">
node app.js
</boltAction>
</boltArtifact>
Done.`

type recorder struct {
	events []string
	text   string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnArtifactOpen: func(ev ArtifactEvent) {
			r.events = append(r.events, fmt.Sprintf("artifact-open %s %q", ev.ID, ev.Title))
		},
		OnArtifactClose: func(ev ArtifactEvent) {
			r.events = append(r.events, "artifact-close "+ev.ID)
		},
		OnActionOpen: func(ev ActionEvent) {
			r.events = append(r.events, fmt.Sprintf("action-open %s %s", ev.ActionID, action.Describe(ev.Action)))
		},
		OnActionClose: func(ev ActionEvent) {
			r.events = append(r.events, fmt.Sprintf("action-close %s %s %q", ev.ActionID, ev.ArtifactID, action.Content(ev.Action)))
		},
		OnActionDiscard: func(ev ActionEvent) {
			r.events = append(r.events, fmt.Sprintf("action-discard %s %s", ev.ActionID, ev.ArtifactID))
		},
		OnText: func(s string) { r.text += s },
	}
}

func parseChunks(chunks ...string) *recorder {
	r := &recorder{}
	p := New("msg-1", r.callbacks())
	for _, c := range chunks {
		p.Feed(c)
	}
	p.Close()
	return r
}

func TestParseWellFormedArtifact(t *testing.T) {
	r := parseChunks(twoActions)
	assert.Equal(t, []string{
		`artifact-open hello "Hello App"`,
		`action-open 0 write /app.js`,
		`action-close 0 hello "console.log(1)\n"`,
		`action-open 1 run ""`,
		`action-close 1 hello "node app.js"`,
		`artifact-close hello`,
	}, r.events)
	assert.Equal(t, "Sure, here is the app.\n\nDone.", r.text)
}

func TestEmissionIndependentOfSplitPoint(t *testing.T) {
	want := parseChunks(twoActions)
	for i := 1; i < len(twoActions); i++ {
		got := parseChunks(twoActions[:i], twoActions[i:])
		require.Equal(t, want.events, got.events, "split at %d", i)
		require.Equal(t, want.text, got.text, "split at %d", i)
	}
}

func TestEmissionCharByChar(t *testing.T) {
	want := parseChunks(twoActions)
	chunks := make([]string, 0, len(twoActions))
	for _, c := range twoActions {
		chunks = append(chunks, string(c))
	}
	assert.Equal(t, want.events, parseChunks(chunks...).events)
}

func TestActionEmittedBeforeStreamEnds(t *testing.T) {
	r := &recorder{}
	p := New("m", r.callbacks())
	p.Feed(`<boltArtifact id="a" title="t"><boltAction type="shell">ls</boltAction>`)
	assert.Contains(t, r.events, `action-close 0 a "ls"`)
	p.Feed(`<boltAction type="shell">pw`)
	assert.Equal(t, `action-open 1 run ""`, r.events[len(r.events)-1])
}

func TestMalformedBlocksAreSkipped(t *testing.T) {
	r := parseChunks(`<boltArtifact id="a" title="t">` +
		`<boltAction type="deploy">x</boltAction>` +
		`<boltAction type="file">no path</boltAction>` +
		`<boltAction type="shell">echo ok</boltAction>` +
		`</boltArtifact>`)
	assert.Equal(t, []string{
		`artifact-open a "t"`,
		`action-open 0 run ""`,
		`action-close 0 a "echo ok"`,
		`artifact-close a`,
	}, r.events)
}

func TestUnterminatedFinalActionIsDiscarded(t *testing.T) {
	r := parseChunks(`<boltArtifact id="a" title="t"><boltAction type="file" filePath="x.js">partial`)
	assert.Equal(t, []string{
		`artifact-open a "t"`,
		`action-open 0 write x.js`,
		`action-discard 0 a`,
		`artifact-close a`,
	}, r.events)
}

func TestLargeBodyInSmallChunksKeepsCloseTagAcrossSplits(t *testing.T) {
	body := strings.Repeat("const x = '</boltActio';\n", 200)
	msg := `<boltArtifact id="a" title="t"><boltAction type="file" filePath="big.js">` + body + `</boltAction></boltArtifact>`
	var chunks []string
	for i := 0; i < len(msg); i += 7 {
		chunks = append(chunks, msg[i:min(i+7, len(msg))])
	}
	r := parseChunks(chunks...)
	require.Len(t, r.events, 4)
	assert.Equal(t, fmt.Sprintf("action-close 0 a %q", normalizeFileContent(body)), r.events[2])
}

func TestLookalikeTagsAreText(t *testing.T) {
	r := parseChunks("use <boltArtifactory> or <b>bold</b> <bolt")
	assert.Empty(t, r.events)
	assert.Equal(t, "use <boltArtifactory> or <b>bold</b> <bolt", r.text)
}

func TestQuotedGreaterThanInAttribute(t *testing.T) {
	r := parseChunks(`<boltArtifact id='a' title="x > y"><boltAction type="shell">a && b</boltAction></boltArtifact>`)
	assert.Equal(t, `artifact-open a "x > y"`, r.events[0])
	assert.Equal(t, `action-close 0 a "a && b"`, r.events[2])
}

func TestArtifactWithoutIDUsesMessageID(t *testing.T) {
	res := ParseAll("msg-9", `<boltArtifact title="t"><boltAction type="file" filePath="a">x</boltAction></boltArtifact>`)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "msg-9", res.Artifacts[0].ID)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, action.FileAction{Path: "a", Content: "x\n"}, res.Actions[0].Action)
}

func TestFeedAfterCloseIsIgnored(t *testing.T) {
	r := &recorder{}
	p := New("m", r.callbacks())
	p.Close()
	p.Feed(`<boltArtifact id="a">`)
	assert.Empty(t, r.events)
}
