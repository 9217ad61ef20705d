package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/session"
	"github.com/isdmx/runbox/stream"
)

// ErrShuttingDown is returned by Submit and Run once Close has been called
var ErrShuttingDown = fmt.Errorf("dispatcher is shutting down: %w", sandbox.ErrExecutionCanceled)

// Request is one submission
type Request struct {
	Language  string
	Version   string
	Code      string
	SessionID int64
	Mode      sandbox.Mode
}

// Ack acknowledges an accepted submission; results follow on the session
type Ack struct {
	JobID int64
}

// Report is the terminal state of a job
type Report struct {
	JobID int64
	// Kind is the client-facing failure kind, empty on success
	Kind    string
	Err     error
	Outcome sandbox.Outcome
	// Ran is false when the job stopped before its container started
	Ran bool
}

// Timeouts are the budgets of one job
type Timeouts struct {
	Buffered time.Duration
	Stream   time.Duration
	Pull     time.Duration
}

// Dispatcher turns submissions into container runs and reports their
// progress to the submitting session
type Dispatcher struct {
	logger      *zap.Logger
	metrics     *metrics.Metrics
	notifier    session.Notifier
	writer      *sandbox.ArtifactWriter
	provisioner *sandbox.Provisioner
	engine      *sandbox.Engine
	workDir     string
	timeouts    Timeouts

	jobIDs session.IDSource
	slots  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Params are the collaborators of a Dispatcher
type Params struct {
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Notifier    session.Notifier
	Writer      *sandbox.ArtifactWriter
	Provisioner *sandbox.Provisioner
	Engine      *sandbox.Engine
	WorkDir     string
	Timeouts    Timeouts
	// JobIDs hands out job ids; nil counts in process. Instances sharing a
	// container host or work directory need a shared source.
	JobIDs session.IDSource
	// MaxConcurrentJobs bounds jobs past validation; zero means one
	MaxConcurrentJobs int
}

// New creates a Dispatcher
func New(p Params) *Dispatcher {
	if p.MaxConcurrentJobs <= 0 {
		p.MaxConcurrentJobs = 1
	}
	if p.Metrics == nil {
		p.Metrics = metrics.New()
	}
	if p.JobIDs == nil {
		p.JobIDs = session.NewCounter()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:      p.Logger,
		metrics:     p.Metrics,
		notifier:    p.Notifier,
		writer:      p.Writer,
		provisioner: p.Provisioner,
		engine:      p.Engine,
		workDir:     p.WorkDir,
		timeouts:    p.Timeouts,
		jobIDs:      p.JobIDs,
		slots:       make(chan struct{}, p.MaxConcurrentJobs),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// TimeoutsFrom reads the job budgets from the application configuration
func TimeoutsFrom(cfg *config.Config) Timeouts {
	return Timeouts{
		Buffered: cfg.BufferedTimeout(),
		Stream:   cfg.StreamTimeout(),
		Pull:     cfg.PullTimeout(),
	}
}

// Submit accepts a job and runs it in the background. Every outcome,
// including validation failures, is reported to the session only. ctx
// bounds the job id allocation, not the job.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (Ack, error) {
	if !d.track() {
		return Ack{}, ErrShuttingDown
	}

	jobID, err := d.jobIDs.NextID(ctx)
	if err != nil {
		d.wg.Done()
		return Ack{}, fmt.Errorf("allocate job id: %w", err)
	}

	go func() {
		defer d.wg.Done()
		d.execute(d.ctx, jobID, req, d.notifier)
	}()
	return Ack{JobID: jobID}, nil
}

// Run executes a job synchronously, reporting its events to notifier. Close
// cancels it like any submitted job.
func (d *Dispatcher) Run(ctx context.Context, req Request, notifier session.Notifier) Report {
	if !d.track() {
		return Report{Kind: sandbox.KindOf(ErrShuttingDown), Err: ErrShuttingDown}
	}
	defer d.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(d.ctx, cancel)()

	jobID, err := d.jobIDs.NextID(ctx)
	if err != nil {
		err = fmt.Errorf("allocate job id: %w", err)
		d.logger.Error("job not started", zap.Error(err))
		return Report{Kind: sandbox.KindOf(err), Err: err}
	}
	return d.execute(ctx, jobID, req, notifier)
}

// track registers a job with Close unless the dispatcher is closed
func (d *Dispatcher) track() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	return true
}

// Close cancels running jobs and waits for them to report, or for ctx
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func (d *Dispatcher) execute(ctx context.Context, jobID int64, req Request, n session.Notifier) Report {
	log := d.logger.With(
		zap.Int64("job_id", jobID),
		zap.Int64("session_id", req.SessionID),
		zap.String("language", req.Language))
	j := &job{id: jobID, session: req.SessionID, notifier: n, log: log}

	profile, imageRef, mode, err := validate(req)
	if err != nil {
		return d.reject(j, err)
	}
	log = log.With(zap.String("image", imageRef), zap.String("mode", string(mode)))
	j.log = log

	d.metrics.JobsInFlight.Inc()
	defer d.metrics.JobsInFlight.Dec()

	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return d.reject(j, fmt.Errorf("%w: %w", sandbox.ErrExecutionCanceled, ctx.Err()))
	}
	// the slot covers the container; the terminal events go out without it
	release := sync.OnceFunc(func() { <-d.slots })
	defer release()

	filename := profile.Filename(jobID)
	log.Info("job accepted", zap.String("artifact", filename))

	j.send(session.EventPullStart, fmt.Sprintf("preparing %s", imageRef))
	artifactPath, err := d.provision(ctx, j, req.Code, filename, imageRef)
	if err != nil {
		return d.reject(j, err)
	}
	j.send(session.EventPullEnd, fmt.Sprintf("%s ready", imageRef))

	c := d.engine.NewContainer(jobID, profile, imageRef, artifactPath)
	j.send(session.EventRunStart, fmt.Sprintf("running %s", c.Name))

	var outcome sandbox.Outcome
	switch mode {
	case sandbox.ModeStreaming:
		outcome = d.runStreaming(ctx, j, c)
	default:
		outcome = d.engine.RunBuffered(ctx, c, d.timeouts.Buffered)
	}
	release()

	d.metrics.RecordJob(req.Language, string(mode), outcome.Kind.String(), outcome.Duration)
	return d.finish(j, mode, outcome)
}

func validate(req Request) (sandbox.Profile, string, sandbox.Mode, error) {
	profile, err := sandbox.Resolve(req.Language)
	if err != nil {
		return sandbox.Profile{}, "", "", err
	}
	imageRef, err := profile.ImageRef(req.Version)
	if err != nil {
		return sandbox.Profile{}, "", "", err
	}
	mode, err := sandbox.ParseMode(string(req.Mode))
	if err != nil {
		return sandbox.Profile{}, "", "", err
	}
	return profile, imageRef, mode, nil
}

// provision writes the artifact and ensures the image concurrently. The job
// may only continue when both succeeded.
func (d *Dispatcher) provision(ctx context.Context, j *job, code, filename, imageRef string) (string, error) {
	var (
		wg           sync.WaitGroup
		artifactPath string
		writeErr     error
		pullErr      error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		artifactPath, writeErr = d.writer.Write(d.workDir, filename, code)
	}()
	go func() {
		defer wg.Done()
		start := time.Now()
		pullErr = d.provisioner.EnsureImage(ctx, imageRef, d.timeouts.Pull)
		d.metrics.RecordPull(pullErr, time.Since(start))
	}()
	wg.Wait()

	if err := multierr.Combine(writeErr, pullErr); err != nil {
		j.log.Warn("provisioning failed", zap.Error(err))
	}
	// the write failure is reported first; it is the one the job controls
	switch {
	case writeErr != nil:
		return "", writeErr
	case pullErr != nil:
		return "", pullErr
	}
	return artifactPath, nil
}

// runStreaming pipes the container output into the session. The forwarder
// is drained before returning so no chunk can follow the terminal events.
func (d *Dispatcher) runStreaming(ctx context.Context, j *job, c *sandbox.Container) sandbox.Outcome {
	fwdCtx, fwdCancel := context.WithCancel(ctx)
	defer fwdCancel()

	pr, pw := io.Pipe()
	forwarded := make(chan int, 1)
	go func() {
		sent, err := stream.Forward(fwdCtx, pr, j.notifier, j.session)
		if err != nil && !errors.Is(err, context.Canceled) {
			j.log.Warn("forwarding output failed", zap.Error(err))
		}
		// unblock the writer if forwarding stopped early
		pr.CloseWithError(io.ErrClosedPipe)
		forwarded <- sent
	}()

	outcome := d.engine.RunStreaming(ctx, c, d.timeouts.Stream, pw)
	if outcome.Kind == sandbox.OutcomeTimeout || outcome.Kind == sandbox.OutcomeCanceled {
		fwdCancel()
	}
	pw.Close()

	sent := <-forwarded
	d.metrics.ChunksStreamed.Add(float64(sent))
	j.log.Debug("output forwarded", zap.Int("chunks", sent))
	return outcome
}

func (d *Dispatcher) finish(j *job, mode sandbox.Mode, outcome sandbox.Outcome) Report {
	report := Report{JobID: j.id, Outcome: outcome, Err: outcome.Err, Kind: sandbox.KindOf(outcome.Err), Ran: true}

	switch outcome.Kind {
	case sandbox.OutcomeTimeout, sandbox.OutcomeCanceled:
		j.send(session.EventError, session.Failure{Kind: report.Kind, Message: outcome.Err.Error()})
	default:
		if mode == sandbox.ModeBuffered {
			j.send(session.EventResult, session.Result{Result: outcome.Output})
		}
	}
	j.send(session.EventRunEnd, runEndMessage(outcome))

	j.log.Info("job finished",
		zap.Stringer("outcome", outcome.Kind),
		zap.Int("exit_code", outcome.ExitCode),
		zap.Duration("elapsed", outcome.Duration))
	return report
}

func (d *Dispatcher) reject(j *job, err error) Report {
	kind := sandbox.KindOf(err)
	d.metrics.RecordRejectedJob(kind)
	j.log.Info("job rejected", zap.String("kind", kind), zap.Error(err))
	j.send(session.EventError, session.Failure{Kind: kind, Message: err.Error()})
	return Report{JobID: j.id, Kind: kind, Err: err}
}

func runEndMessage(o sandbox.Outcome) string {
	switch o.Kind {
	case sandbox.OutcomeSuccess:
		return "run finished"
	case sandbox.OutcomeTimeout:
		return "run timed out"
	case sandbox.OutcomeCanceled:
		return "run canceled"
	default:
		return fmt.Sprintf("run failed with exit code %d", o.ExitCode)
	}
}

// job carries what every step of one job reports through
type job struct {
	id       int64
	session  int64
	notifier session.Notifier
	log      *zap.Logger
}

func (j *job) send(event session.Event, payload any) {
	if err := j.notifier.Send(j.session, event, payload); err != nil {
		j.log.Warn("failed to send event", zap.String("event", string(event)), zap.Error(err))
	}
}
