package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbench/internal/action"
	"workbench/internal/logging"
	"workbench/internal/sandbox/sandboxtest"
)

type recordingSink struct {
	mu       sync.Mutex
	entries  []LogEntry
	activity int
}

func (s *recordingSink) Add(e LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *recordingSink) Activity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity++
}

func (s *recordingSink) Entries() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.entries...)
}

type transitions struct {
	mu  sync.Mutex
	log []string
}

func (tr *transitions) record(st action.State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.log = append(tr.log, fmt.Sprintf("%s:%s", st.ID, st.Status))
}

func (tr *transitions) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.log...)
}

func newTestRunner(t *testing.T, fake *sandboxtest.Fake, sink LogSink, tr *transitions) *ActionRunner {
	t.Helper()
	cfg := Config{
		ArtifactID:   "msg-1",
		Sandbox:      fake,
		Logs:         sink,
		Logger:       logging.Nop(),
		Metrics:      MustNewMetrics(prometheus.NewRegistry()),
		StartupGrace: 200 * time.Millisecond,
	}
	if tr != nil {
		cfg.OnUpdate = tr.record
	}
	r := New(cfg)
	t.Cleanup(r.Close)
	return r
}

func drain(t *testing.T, r *ActionRunner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Drain(ctx))
}

func statusOf(r *ActionRunner, id string) action.Status {
	st, _ := r.Action(id)
	return st.Status
}

func TestFileThenShellRunInOrder(t *testing.T) {
	fake := sandboxtest.New().On("node app.js", sandboxtest.Script{Stdout: "1\n"})
	sink := &recordingSink{}
	tr := &transitions{}
	r := newTestRunner(t, fake, sink, tr)

	r.AddAction("0", action.FileAction{Path: "/app.js", Content: "console.log(1)"})
	r.AddAction("1", action.ShellAction{Command: "node app.js"})
	assert.Equal(t, action.StatusPending, statusOf(r, "0"))

	require.NoError(t, r.RunAction("0", nil))
	require.NoError(t, r.RunAction("1", nil))
	drain(t, r)

	content, ok := fake.File("app.js")
	require.True(t, ok)
	assert.Equal(t, "console.log(1)", content)
	assert.Equal(t, action.StatusComplete, statusOf(r, "0"))
	assert.Equal(t, action.StatusComplete, statusOf(r, "1"))

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "node app.js", entries[0].Command)
	assert.Equal(t, "1\n", entries[0].Stdout)
	assert.Equal(t, 0, entries[0].ExitCode)
	assert.True(t, entries[0].Success)

	spawns := fake.Spawns()
	require.Len(t, spawns, 1)
	assert.Equal(t, "true", spawns[0].Env["npm_config_yes"])

	var statuses []string
	for _, s := range tr.snapshot() {
		if s != "0:pending" && s != "1:pending" {
			statuses = append(statuses, s)
		}
	}
	assert.Equal(t, []string{"0:running", "0:complete", "1:running", "1:complete"}, statuses)
}

func TestStrictFIFOAcrossManyActions(t *testing.T) {
	fake := sandboxtest.New().On("slow", sandboxtest.Script{Delay: 30 * time.Millisecond})
	tr := &transitions{}
	r := newTestRunner(t, fake, &recordingSink{}, tr)

	const n = 6
	for i := 0; i < n; i++ {
		id := fmt.Sprint(i)
		cmd := "fast"
		if i%2 == 0 {
			cmd = "slow"
		}
		r.AddAction(id, action.ShellAction{Command: cmd + " " + id})
		require.NoError(t, r.RunAction(id, nil))
	}
	drain(t, r)

	running := -1
	for _, entry := range tr.snapshot() {
		var id int
		var status string
		_, err := fmt.Sscanf(entry, "%d:%s", &id, &status)
		require.NoError(t, err)
		switch action.Status(status) {
		case action.StatusRunning:
			assert.Equal(t, -1, running, "action %d started while %d running", id, running)
			running = id
		case action.StatusComplete:
			assert.Equal(t, running, id)
			running = -1
		}
	}
	assert.Equal(t, []string{"slow 0", "fast 1", "slow 2", "fast 3", "slow 4", "fast 5"}, fake.Commands())
}

func TestRunActionIsIdempotent(t *testing.T) {
	fake := sandboxtest.New()
	r := newTestRunner(t, fake, &recordingSink{}, nil)
	r.AddAction("0", action.ShellAction{Command: "ls"})
	assert.False(t, r.AddAction("0", action.ShellAction{Command: "rm -rf /"}))

	require.NoError(t, r.RunAction("0", nil))
	require.NoError(t, r.RunAction("0", nil))
	drain(t, r)
	require.NoError(t, r.RunAction("0", nil))
	drain(t, r)

	assert.Equal(t, []string{"ls"}, fake.Commands())
	st, _ := r.Action("0")
	assert.True(t, st.Executed)
}

func TestRunActionReplacesStreamedBody(t *testing.T) {
	fake := sandboxtest.New()
	r := newTestRunner(t, fake, &recordingSink{}, nil)
	r.AddAction("0", action.FileAction{Path: "a.txt"})
	require.NoError(t, r.RunAction("0", action.FileAction{Path: "a.txt", Content: "full\n"}))
	drain(t, r)
	got, _ := fake.File("a.txt")
	assert.Equal(t, "full\n", got)
}

func TestRunUnknownAction(t *testing.T) {
	r := newTestRunner(t, sandboxtest.New(), nil, nil)
	assert.ErrorIs(t, r.RunAction("nope", nil), ErrActionNotFound)
}

func TestAbortPendingSkipsExecutionButNotSiblings(t *testing.T) {
	fake := sandboxtest.New().On("block", sandboxtest.Script{Delay: 100 * time.Millisecond})
	r := newTestRunner(t, fake, &recordingSink{}, nil)

	for i, cmd := range []string{"block", "skipped", "after"} {
		id := fmt.Sprint(i)
		r.AddAction(id, action.ShellAction{Command: cmd})
		require.NoError(t, r.RunAction(id, nil))
	}
	assert.True(t, r.Abort("1"))
	drain(t, r)

	assert.Equal(t, []string{"block", "after"}, fake.Commands())
	assert.Equal(t, action.StatusComplete, statusOf(r, "0"))
	assert.Equal(t, action.StatusAborted, statusOf(r, "1"))
	assert.Equal(t, action.StatusComplete, statusOf(r, "2"))
}

func TestAbortRunningShellKillsProcess(t *testing.T) {
	fake := sandboxtest.New().On("sleep", sandboxtest.Script{Block: true})
	sink := &recordingSink{}
	r := newTestRunner(t, fake, sink, nil)

	r.AddAction("0", action.ShellAction{Command: "sleep 100"})
	r.AddAction("1", action.ShellAction{Command: "echo next"})
	require.NoError(t, r.RunAction("0", nil))
	require.NoError(t, r.RunAction("1", nil))

	require.Eventually(t, func() bool { return statusOf(r, "0") == action.StatusRunning }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(fake.Processes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Abort("0"))
	drain(t, r)

	assert.True(t, fake.Processes()[0].Killed())
	assert.Equal(t, action.StatusAborted, statusOf(r, "0"))
	assert.Equal(t, action.StatusComplete, statusOf(r, "1"))
	for _, e := range sink.Entries() {
		assert.NotEqual(t, "sleep 100", e.Command)
	}
}

func TestAbortDuringSlowObserverEndsAborted(t *testing.T) {
	fake := sandboxtest.New().On("sleep", sandboxtest.Script{Block: true})
	var mu sync.Mutex
	var last action.Status
	running := make(chan struct{})
	cfg := Config{
		ArtifactID: "msg-1",
		Sandbox:    fake,
		Logger:     logging.Nop(),
		Metrics:    MustNewMetrics(prometheus.NewRegistry()),
		OnUpdate: func(st action.State) {
			if st.Status == action.StatusRunning {
				close(running)
				time.Sleep(100 * time.Millisecond)
			}
			mu.Lock()
			last = st.Status
			mu.Unlock()
		},
	}
	r := New(cfg)
	t.Cleanup(r.Close)

	r.AddAction("0", action.ShellAction{Command: "sleep 100"})
	require.NoError(t, r.RunAction("0", nil))
	<-running
	assert.True(t, r.Abort("0"))
	drain(t, r)

	assert.Equal(t, action.StatusAborted, statusOf(r, "0"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, action.StatusAborted, last)
}

func TestAbortAfterTerminalIsNoop(t *testing.T) {
	fake := sandboxtest.New().On("bad", sandboxtest.Script{SpawnErr: errors.New("no shell")})
	r := newTestRunner(t, fake, &recordingSink{}, nil)
	r.AddAction("0", action.ShellAction{Command: "ok"})
	r.AddAction("1", action.ShellAction{Command: "bad"})
	require.NoError(t, r.RunAction("0", nil))
	require.NoError(t, r.RunAction("1", nil))
	drain(t, r)

	assert.False(t, r.Abort("0"))
	assert.False(t, r.Abort("1"))
	assert.Equal(t, action.StatusComplete, statusOf(r, "0"))
	assert.Equal(t, action.StatusFailed, statusOf(r, "1"))
}

func TestSpawnErrorFailsActionAndLogsExitOne(t *testing.T) {
	fake := sandboxtest.New().On("broken", sandboxtest.Script{SpawnErr: errors.New("jsh missing")})
	sink := &recordingSink{}
	r := newTestRunner(t, fake, sink, nil)

	r.AddAction("0", action.ShellAction{Command: "broken"})
	r.AddAction("1", action.ShellAction{Command: "fine"})
	require.NoError(t, r.RunAction("0", nil))
	require.NoError(t, r.RunAction("1", nil))
	drain(t, r)

	st, _ := r.Action("0")
	assert.Equal(t, action.StatusFailed, st.Status)
	assert.Contains(t, st.Error, "Action failed")
	assert.Contains(t, st.Error, "jsh missing")
	assert.Equal(t, action.StatusComplete, statusOf(r, "1"))

	entries := sink.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].ExitCode)
	assert.False(t, entries[0].Success)
}

func TestNonZeroExitIsLogged(t *testing.T) {
	fake := sandboxtest.New().On("npm test", sandboxtest.Script{Stderr: "1 failing\n", ExitCode: 1})
	sink := &recordingSink{}
	r := newTestRunner(t, fake, sink, nil)
	r.AddAction("0", action.ShellAction{Command: "npm test"})
	require.NoError(t, r.RunAction("0", nil))
	drain(t, r)

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].ExitCode)
	assert.Equal(t, "1 failing\n", entries[0].Stderr)
	assert.False(t, entries[0].Success)
}

func TestWriteErrorFailsAndMkdirErrorDoesNot(t *testing.T) {
	fake := sandboxtest.New()
	fake.FailMkdir(errors.New("read-only"))
	fake.FailWrite("locked.txt", errors.New("EACCES"))
	r := newTestRunner(t, fake, nil, nil)

	r.AddAction("0", action.FileAction{Path: "src/ok.js", Content: "x"})
	r.AddAction("1", action.FileAction{Path: "locked.txt", Content: "y"})
	require.NoError(t, r.RunAction("0", nil))
	require.NoError(t, r.RunAction("1", nil))
	drain(t, r)

	assert.Equal(t, action.StatusComplete, statusOf(r, "0"))
	st, _ := r.Action("1")
	assert.Equal(t, action.StatusFailed, st.Status)
	assert.Contains(t, st.Error, "EACCES")
}

func TestLongRunningCommandLogsOnceOnStartupIndicator(t *testing.T) {
	fake := sandboxtest.New().On("npm run dev", sandboxtest.Script{
		Stdout: "  VITE v5 ready in 300 ms\n  Local:   http://localhost:5173\n  Network: http://10.0.0.2:5173\n",
		Block:  true,
	})
	sink := &recordingSink{}
	r := newTestRunner(t, fake, sink, nil)
	r.cfg.StartupGrace = time.Hour

	r.AddAction("0", action.ShellAction{Command: "npm run dev"})
	r.AddAction("1", action.ShellAction{Command: "echo after"})
	require.NoError(t, r.RunAction("0", nil))
	require.NoError(t, r.RunAction("1", nil))
	drain(t, r)

	assert.Equal(t, action.StatusComplete, statusOf(r, "0"))
	assert.Equal(t, action.StatusComplete, statusOf(r, "1"))
	require.Eventually(t, func() bool {
		for _, e := range sink.Entries() {
			if e.Command == "npm run dev" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	var dev []LogEntry
	for _, e := range sink.Entries() {
		if e.Command == "npm run dev" {
			dev = append(dev, e)
		}
	}
	require.Len(t, dev, 1)
	assert.Equal(t, 0, dev[0].ExitCode)
	assert.True(t, dev[0].Success)
	assert.False(t, fake.Processes()[0].Killed())

	r.Close()
	assert.True(t, fake.Processes()[0].Killed())
}

func TestChattyDevServerDoesNotHoldBackLogs(t *testing.T) {
	fake := sandboxtest.New().On("npm run dev", sandboxtest.Script{
		Stdout: "  Local:   http://localhost:5173\n",
		Tick:   "hmr update /src/App.jsx\n",
		Every:  10 * time.Millisecond,
	})
	sender := &fakeSender{}
	b := newTestBatcher(sender, MustNewMetrics(prometheus.NewRegistry()), nil)
	defer b.Close(context.Background())
	r := newTestRunner(t, fake, b, nil)
	r.cfg.StartupGrace = time.Hour

	r.AddAction("0", action.ShellAction{Command: "npm run dev"})
	r.AddAction("1", action.ShellAction{Command: "echo hi"})
	require.NoError(t, r.RunAction("0", nil))
	require.NoError(t, r.RunAction("1", nil))
	drain(t, r)

	require.Eventually(t, func() bool {
		var sent int
		for _, batch := range sender.Batches() {
			sent += len(batch.Entries)
		}
		return sent == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, b.Pending())
	assert.False(t, b.Processing())
	assert.False(t, fake.Processes()[0].Killed())
}

func TestLongRunningCommandLogsAfterGracePeriod(t *testing.T) {
	fake := sandboxtest.New().On("vite", sandboxtest.Script{Stdout: "building...\n", Block: true})
	sink := &recordingSink{}
	r := newTestRunner(t, fake, sink, nil)

	r.AddAction("0", action.ShellAction{Command: "npx vite --port 3000"})
	require.NoError(t, r.RunAction("0", nil))
	drain(t, r)
	assert.Empty(t, sink.Entries())

	require.Eventually(t, func() bool { return len(sink.Entries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "building...\n", sink.Entries()[0].Stdout)
	assert.Equal(t, 0, sink.Entries()[0].ExitCode)
}

func TestCurlProgressIsNotLogged(t *testing.T) {
	fake := sandboxtest.New().On("curl", sandboxtest.Script{
		Stdout: "  % Total    % Received\n  0     0    0     0    0     0      0      0 --:--:-- --:--:--\n",
	})
	sink := &recordingSink{}
	r := newTestRunner(t, fake, sink, nil)
	r.AddAction("0", action.ShellAction{Command: "curl -O https://example.com/x"})
	require.NoError(t, r.RunAction("0", nil))
	drain(t, r)
	assert.Empty(t, sink.Entries())
	assert.Equal(t, action.StatusComplete, statusOf(r, "0"))
}

func TestAbortAllAbortsEveryNonTerminalAction(t *testing.T) {
	fake := sandboxtest.New().On("sleep", sandboxtest.Script{Block: true})
	r := newTestRunner(t, fake, nil, nil)
	r.AddAction("0", action.ShellAction{Command: "sleep 1"})
	r.AddAction("1", action.ShellAction{Command: "echo"})
	r.AddAction("2", action.ShellAction{Command: "echo never run"})
	require.NoError(t, r.RunAction("0", nil))
	require.NoError(t, r.RunAction("1", nil))
	require.Eventually(t, func() bool { return statusOf(r, "0") == action.StatusRunning }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, r.AbortAll())
	drain(t, r)
	for _, id := range []string{"0", "1", "2"} {
		assert.Equal(t, action.StatusAborted, statusOf(r, id))
	}
}

func TestClosedRunnerRejectsWork(t *testing.T) {
	r := newTestRunner(t, sandboxtest.New(), nil, nil)
	r.AddAction("0", action.ShellAction{Command: "ls"})
	r.Close()
	assert.ErrorIs(t, r.RunAction("0", nil), ErrClosed)
}
