package dispatcher

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/sandbox/sandboxtest"
	"github.com/isdmx/runbox/session"
)

type event struct {
	session int64
	name    session.Event
	payload any
}

// recorder implements session.Notifier for testing
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Send(id int64, name session.Event, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{session: id, name: name, payload: payload})
	return nil
}

func (r *recorder) all() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func (r *recorder) names(sessionID int64) []session.Event {
	var names []session.Event
	for _, e := range r.all() {
		if e.session == sessionID {
			names = append(names, e.name)
		}
	}
	return names
}

func (r *recorder) finished(sessionID int64) bool {
	for _, name := range r.names(sessionID) {
		if name == session.EventRunEnd {
			return true
		}
	}
	return false
}

// slowFs delays every file open
type slowFs struct {
	afero.Fs
	delay time.Duration
}

func (s slowFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	time.Sleep(s.delay)
	return s.Fs.OpenFile(name, flag, perm)
}

type fixture struct {
	rt         *sandboxtest.Runtime
	fs         afero.Fs
	recorder   *recorder
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, rt *sandboxtest.Runtime, fsys afero.Fs, timeouts Timeouts, tweaks ...func(*Params)) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if fsys == nil {
		fsys = afero.NewMemMapFs()
	}
	if timeouts == (Timeouts{}) {
		timeouts = Timeouts{Buffered: time.Second, Stream: time.Second, Pull: time.Second}
	}

	cfg := &sandbox.Config{
		Runtime:         "docker",
		WorkDir:         "/srv/code",
		MountPath:       "/code",
		User:            "nobody",
		MemoryMB:        50,
		PullPolicy:      sandbox.PullAlways,
		TeardownGrace:   time.Second,
		ContainerPrefix: "runner",
	}
	engine, provisioner := sandbox.NewRuntime(logger, cfg, rt)
	rec := &recorder{}

	params := Params{
		Logger:            logger,
		Metrics:           metrics.New(),
		Notifier:          rec,
		Writer:            sandbox.NewArtifactWriter(fsys),
		Provisioner:       provisioner,
		Engine:            engine,
		WorkDir:           cfg.WorkDir,
		Timeouts:          timeouts,
		MaxConcurrentJobs: 4,
	}
	for _, tweak := range tweaks {
		tweak(&params)
	}
	d := New(params)
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	return &fixture{rt: rt, fs: fsys, recorder: rec, dispatcher: d}
}

func TestRunBufferedEndToEnd(t *testing.T) {
	f := newFixture(t, &sandboxtest.Runtime{Stdout: "2\n"}, nil, Timeouts{})

	report := f.dispatcher.Run(context.Background(), Request{
		Language:  "node",
		Version:   "latest",
		Code:      "console.log(1+1)",
		SessionID: 1,
		Mode:      sandbox.ModeBuffered,
	}, f.recorder)

	require.NoError(t, report.Err)
	assert.True(t, report.Ran)
	assert.Empty(t, report.Kind)
	assert.Equal(t, int64(1), report.JobID)

	events := f.recorder.all()
	require.Len(t, events, 5)
	assert.Equal(t, []session.Event{
		session.EventPullStart,
		session.EventPullEnd,
		session.EventRunStart,
		session.EventResult,
		session.EventRunEnd,
	}, f.recorder.names(1))
	assert.Equal(t, session.Result{Result: "2\n"}, events[3].payload)
	assert.Equal(t, "run finished", events[4].payload)

	data, err := afero.ReadFile(f.fs, "/srv/code/main-1.js")
	require.NoError(t, err)
	assert.Equal(t, "console.log(1+1)", string(data))

	assert.Equal(t, 1, f.rt.Count("pull"))
	assert.Equal(t, []string{"runner-1"}, f.rt.Removed())
}

func TestRunValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"unknown language", Request{Language: "cobol", SessionID: 3}},
		{"invalid version", Request{Language: "python", Version: "3.12;rm", SessionID: 3}},
		{"invalid mode", Request{Language: "go", Mode: "interactive", SessionID: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &sandboxtest.Runtime{}, nil, Timeouts{})

			report := f.dispatcher.Run(context.Background(), tt.req, f.recorder)
			assert.Equal(t, sandbox.KindValidation, report.Kind)
			assert.False(t, report.Ran)

			events := f.recorder.all()
			require.Len(t, events, 1)
			assert.Equal(t, session.EventError, events[0].name)
			assert.Equal(t, sandbox.KindValidation, events[0].payload.(session.Failure).Kind)
			assert.Empty(t, f.rt.Calls())
		})
	}
}

func TestRunProvisioningFailures(t *testing.T) {
	t.Run("PullTimeout", func(t *testing.T) {
		rt := &sandboxtest.Runtime{PullDelay: time.Second}
		f := newFixture(t, rt, nil, Timeouts{Buffered: time.Second, Stream: time.Second, Pull: 20 * time.Millisecond})

		report := f.dispatcher.Run(context.Background(), Request{Language: "node", SessionID: 1}, f.recorder)
		assert.Equal(t, sandbox.KindPullTimeout, report.Kind)

		assert.Equal(t, []session.Event{session.EventPullStart, session.EventError}, f.recorder.names(1))
		assert.Equal(t, 0, rt.Count("run"))
	})

	t.Run("PullError", func(t *testing.T) {
		rt := &sandboxtest.Runtime{PullExitCode: 1, PullStderr: "manifest for node:0 not found"}
		f := newFixture(t, rt, nil, Timeouts{})

		report := f.dispatcher.Run(context.Background(), Request{Language: "node", Version: "0", SessionID: 1}, f.recorder)
		assert.Equal(t, sandbox.KindPull, report.Kind)

		events := f.recorder.all()
		require.Len(t, events, 2)
		failure := events[1].payload.(session.Failure)
		assert.Equal(t, sandbox.KindPull, failure.Kind)
		assert.Contains(t, failure.Message, "manifest for node:0 not found")
		assert.Equal(t, 0, rt.Count("run"))
	})

	t.Run("WriteErrorWithSuccessfulPull", func(t *testing.T) {
		rt := &sandboxtest.Runtime{}
		f := newFixture(t, rt, afero.NewReadOnlyFs(afero.NewMemMapFs()), Timeouts{})

		report := f.dispatcher.Run(context.Background(), Request{Language: "python", SessionID: 1}, f.recorder)
		assert.Equal(t, sandbox.KindWrite, report.Kind)
		assert.Equal(t, []session.Event{session.EventPullStart, session.EventError}, f.recorder.names(1))
		assert.Equal(t, 1, rt.Count("pull"))
		assert.Equal(t, 0, rt.Count("run"))
	})

	t.Run("BothFailReportedOnce", func(t *testing.T) {
		rt := &sandboxtest.Runtime{PullExitCode: 1}
		f := newFixture(t, rt, afero.NewReadOnlyFs(afero.NewMemMapFs()), Timeouts{})

		report := f.dispatcher.Run(context.Background(), Request{Language: "python", SessionID: 1}, f.recorder)
		assert.Equal(t, sandbox.KindWrite, report.Kind)
		assert.Equal(t, []session.Event{session.EventPullStart, session.EventError}, f.recorder.names(1))
		assert.Equal(t, 0, rt.Count("run"))
	})
}

func TestProvisioningRunsConcurrently(t *testing.T) {
	const step = 150 * time.Millisecond
	rt := &sandboxtest.Runtime{PullDelay: step, Stdout: "ok"}
	f := newFixture(t, rt, slowFs{Fs: afero.NewMemMapFs(), delay: step}, Timeouts{})

	start := time.Now()
	report := f.dispatcher.Run(context.Background(), Request{Language: "node", SessionID: 1}, f.recorder)
	elapsed := time.Since(start)

	require.NoError(t, report.Err)
	assert.GreaterOrEqual(t, elapsed, step)
	assert.Less(t, elapsed, 2*step-20*time.Millisecond, "write and pull ran one after the other")
}

func TestRunBufferedOutcomes(t *testing.T) {
	t.Run("RuntimeErrorReportsStderr", func(t *testing.T) {
		rt := &sandboxtest.Runtime{Stdout: "", Stderr: "SyntaxError: Unexpected token", ExitCode: 1}
		f := newFixture(t, rt, nil, Timeouts{})

		report := f.dispatcher.Run(context.Background(), Request{Language: "node", Code: "console.log(", SessionID: 1}, f.recorder)
		assert.Equal(t, sandbox.KindExecutionRuntime, report.Kind)

		events := f.recorder.all()
		require.Len(t, events, 5)
		assert.Equal(t, session.Result{Result: "SyntaxError: Unexpected token"}, events[3].payload)
		assert.Equal(t, "run failed with exit code 1", events[4].payload)
	})

	t.Run("TimeoutStopsContainerOnce", func(t *testing.T) {
		rt := &sandboxtest.Runtime{Hang: true}
		f := newFixture(t, rt, nil, Timeouts{Buffered: 50 * time.Millisecond, Stream: time.Second, Pull: time.Second})

		report := f.dispatcher.Run(context.Background(), Request{Language: "python", Code: "while True: pass", SessionID: 1}, f.recorder)
		assert.Equal(t, sandbox.KindExecutionTimeout, report.Kind)

		assert.Equal(t, []session.Event{
			session.EventPullStart,
			session.EventPullEnd,
			session.EventRunStart,
			session.EventError,
			session.EventRunEnd,
		}, f.recorder.names(1))
		events := f.recorder.all()
		assert.Equal(t, sandbox.KindExecutionTimeout, events[3].payload.(session.Failure).Kind)
		assert.Equal(t, []string{"runner-1"}, rt.Removed())
	})
}

func TestRunStreaming(t *testing.T) {
	t.Run("ChunksArriveInOrder", func(t *testing.T) {
		rt := &sandboxtest.Runtime{Chunks: []string{"1\n", "2\n", "3\n"}, ChunkDelay: 5 * time.Millisecond}
		f := newFixture(t, rt, nil, Timeouts{})

		report := f.dispatcher.Run(context.Background(), Request{Language: "python", SessionID: 9, Mode: sandbox.ModeStreaming}, f.recorder)
		require.NoError(t, report.Err)

		assert.Equal(t, []session.Event{
			session.EventPullStart,
			session.EventPullEnd,
			session.EventRunStart,
			session.EventResultChunk,
			session.EventResultChunk,
			session.EventResultChunk,
			session.EventRunEnd,
		}, f.recorder.names(9))

		var out strings.Builder
		for _, e := range f.recorder.all() {
			if e.name == session.EventResultChunk {
				out.WriteString(e.payload.(session.Result).Result)
			}
		}
		assert.Equal(t, "1\n2\n3\n", out.String())
		assert.Equal(t, []string{"runner-1"}, rt.Removed())
	})

	t.Run("TimeoutEndsWithError", func(t *testing.T) {
		rt := &sandboxtest.Runtime{Chunks: []string{"tick\n"}, Hang: true}
		f := newFixture(t, rt, nil, Timeouts{Buffered: time.Second, Stream: 50 * time.Millisecond, Pull: time.Second})

		report := f.dispatcher.Run(context.Background(), Request{Language: "node", SessionID: 2, Mode: sandbox.ModeStreaming}, f.recorder)
		assert.Equal(t, sandbox.KindExecutionTimeout, report.Kind)

		names := f.recorder.names(2)
		require.GreaterOrEqual(t, len(names), 2)
		assert.Equal(t, []session.Event{session.EventError, session.EventRunEnd}, names[len(names)-2:])
		assert.NotContains(t, names[len(names)-2:], session.EventResultChunk)
		assert.Equal(t, 1, rt.Count("rm"))
	})
}

func TestSubmit(t *testing.T) {
	rt := &sandboxtest.Runtime{Stdout: "ok\n"}
	f := newFixture(t, rt, nil, Timeouts{})

	const jobs = 12
	ids := make(map[int64]bool)
	for i := range jobs {
		ack, err := f.dispatcher.Submit(context.Background(), Request{Language: "node", SessionID: int64(i + 1)})
		require.NoError(t, err)
		assert.False(t, ids[ack.JobID], "job id %d reused", ack.JobID)
		ids[ack.JobID] = true
	}

	require.Eventually(t, func() bool {
		for i := range jobs {
			if !f.recorder.finished(int64(i + 1)) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// every job got its own artifact and container
	files, err := afero.ReadDir(f.fs, "/srv/code")
	require.NoError(t, err)
	assert.Len(t, files, jobs)

	removed := rt.Removed()
	assert.Len(t, removed, jobs)
	unique := make(map[string]bool)
	for _, name := range removed {
		unique[name] = true
	}
	assert.Len(t, unique, jobs)
}

func TestSubmitValidationErrorIsAcknowledged(t *testing.T) {
	f := newFixture(t, &sandboxtest.Runtime{}, nil, Timeouts{})

	ack, err := f.dispatcher.Submit(context.Background(), Request{Language: "brainfuck", SessionID: 4})
	require.NoError(t, err)
	assert.Positive(t, ack.JobID)

	require.Eventually(t, func() bool {
		return len(f.recorder.names(4)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []session.Event{session.EventError}, f.recorder.names(4))
}

func TestClose(t *testing.T) {
	rt := &sandboxtest.Runtime{Hang: true}
	f := newFixture(t, rt, nil, Timeouts{Buffered: time.Minute, Stream: time.Minute, Pull: time.Second})

	_, err := f.dispatcher.Submit(context.Background(), Request{Language: "node", SessionID: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rt.Count("run") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.dispatcher.Close(ctx))

	names := f.recorder.names(1)
	assert.Equal(t, []session.Event{session.EventError, session.EventRunEnd}, names[len(names)-2:])
	assert.Equal(t, 1, rt.Count("rm"))

	_, err = f.dispatcher.Submit(context.Background(), Request{Language: "node", SessionID: 1})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestCloseRefusesAndWaitsForRun(t *testing.T) {
	rt := &sandboxtest.Runtime{Hang: true}
	f := newFixture(t, rt, nil, Timeouts{Buffered: time.Minute, Stream: time.Minute, Pull: time.Second})

	reports := make(chan Report, 1)
	go func() {
		reports <- f.dispatcher.Run(context.Background(), Request{Language: "node", SessionID: 1}, f.recorder)
	}()
	require.Eventually(t, func() bool { return rt.Count("run") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.dispatcher.Close(ctx))

	// Close returned only after the run reported
	names := f.recorder.names(1)
	require.GreaterOrEqual(t, len(names), 2)
	assert.Equal(t, []session.Event{session.EventError, session.EventRunEnd}, names[len(names)-2:])
	select {
	case report := <-reports:
		assert.Equal(t, sandbox.KindExecutionCanceled, report.Kind)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	report := f.dispatcher.Run(context.Background(), Request{Language: "node", SessionID: 2}, f.recorder)
	require.ErrorIs(t, report.Err, ErrShuttingDown)
	assert.False(t, report.Ran)
	assert.Empty(t, f.recorder.names(2))
	assert.Equal(t, 1, rt.Count("run"))
}

func TestDispatchersSharingIDSourceNeverCollide(t *testing.T) {
	rt := &sandboxtest.Runtime{Stdout: "ok\n"}
	fsys := afero.NewMemMapFs()
	ids := session.NewCounter()
	shared := func(p *Params) { p.JobIDs = ids }
	a := newFixture(t, rt, fsys, Timeouts{}, shared)
	b := newFixture(t, rt, fsys, Timeouts{}, shared)

	const perInstance = 3
	for i := range perInstance {
		_, err := a.dispatcher.Submit(context.Background(), Request{Language: "node", SessionID: int64(i + 1)})
		require.NoError(t, err)
		_, err = b.dispatcher.Submit(context.Background(), Request{Language: "node", SessionID: int64(i + 1)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(rt.Removed()) == 2*perInstance
	}, 5*time.Second, 10*time.Millisecond)

	files, err := afero.ReadDir(fsys, "/srv/code")
	require.NoError(t, err)
	assert.Len(t, files, 2*perInstance)

	unique := make(map[string]bool)
	for _, name := range rt.Removed() {
		unique[name] = true
	}
	assert.Len(t, unique, 2*perInstance)
}

type failingIDs struct{}

func (failingIDs) NextID(context.Context) (int64, error) {
	return 0, errors.New("redis unavailable")
}

func TestJobIDAllocationFailure(t *testing.T) {
	rt := &sandboxtest.Runtime{}
	f := newFixture(t, rt, nil, Timeouts{}, func(p *Params) { p.JobIDs = failingIDs{} })

	_, err := f.dispatcher.Submit(context.Background(), Request{Language: "node", SessionID: 1})
	require.ErrorContains(t, err, "allocate job id")

	report := f.dispatcher.Run(context.Background(), Request{Language: "node", SessionID: 1}, f.recorder)
	require.Error(t, report.Err)
	assert.Equal(t, sandbox.KindInternal, report.Kind)
	assert.Empty(t, rt.Calls())

	// nothing is left for Close to wait on
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.dispatcher.Close(ctx))
}

func TestStalledSessionReleasesItsSlot(t *testing.T) {
	logger := zaptest.NewLogger(t)
	registry := session.NewRegistry(logger,
		session.WithHeartbeatInterval(time.Hour),
		session.WithBufferSize(2),
		session.WithSendTimeout(50*time.Millisecond))
	t.Cleanup(registry.Close)

	rt := &sandboxtest.Runtime{Chunks: []string{"1\n", "2\n", "3\n", "4\n"}, Stdout: "ok\n"}
	f := newFixture(t, rt, nil, Timeouts{}, func(p *Params) {
		p.Notifier = registry
		p.MaxConcurrentJobs = 1
	})

	// connect frame and heartbeat fill the buffer; nothing reads it
	stalled, err := registry.Connect(context.Background())
	require.NoError(t, err)
	_, err = f.dispatcher.Submit(context.Background(), Request{Language: "python", SessionID: stalled.ID, Mode: sandbox.ModeStreaming})
	require.NoError(t, err)

	select {
	case <-stalled.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stalled session was never dropped")
	}
	assert.Zero(t, registry.Len())

	start := time.Now()
	report := f.dispatcher.Run(context.Background(), Request{Language: "node", SessionID: 99}, f.recorder)
	require.NoError(t, report.Err)
	assert.True(t, report.Ran)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, session.EventRunEnd, f.recorder.names(99)[len(f.recorder.names(99))-1])
}
