// Zimfarm is a distributed scraping farm that builds ZIM file archives.
// Copyright (C) 2025 Kiwix
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package orchestrator runs one task end to end: start the helper
// containers, watch the scraper, report produced files, upload them, and
// report the final verdict to the dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"zimfarm/internal/metrics"
	"zimfarm/internal/worker/dockerutil"
	"zimfarm/pkg/zimfarm"
)

// Docker is the engine surface the orchestrator needs. *dockerutil.Engine
// implements it.
type Docker interface {
	StartDNSCache(ctx context.Context, task *zimfarm.Task, usePublicDNS bool) (string, error)
	StartScraper(ctx context.Context, task *zimfarm.Task, opts dockerutil.ScraperOptions) (string, error)
	StartUploader(ctx context.Context, task *zimfarm.Task, opts dockerutil.UploaderOptions) (string, error)
	Logs(ctx context.Context, nameOrID string, tail int) (string, error)
	Output(ctx context.Context, nameOrID string, tail int) (stdout, stderr string, err error)
	IsRunning(ctx context.Context, nameOrID string) (bool, error)
	ExitCode(ctx context.Context, nameOrID string) (int, error)
	Stop(ctx context.Context, nameOrID string, timeout time.Duration) error
	Remove(ctx context.Context, nameOrID string) error
	Wait(ctx context.Context, nameOrID string) (int, error)
	IPAddress(ctx context.Context, nameOrID string) (string, error)
}

// Dispatcher is the API surface the orchestrator needs from the client.
type Dispatcher interface {
	GetTask(ctx context.Context, id string) (*zimfarm.Task, error)
	PatchEvent(ctx context.Context, id string, code zimfarm.EventCode, payload interface{}) error
}

// Config parametrizes one orchestrator run.
type Config struct {
	TaskID     string
	WorkerName string

	// Workdir is the task working directory as seen by this process;
	// HostWorkdir is the same directory as seen by the docker daemon.
	Workdir     string
	HostWorkdir string

	UploadURI    string
	UsePublicDNS bool

	// Timing; zero values take the production defaults.
	TickInterval    time.Duration
	Cadence         time.Duration
	StuckWindow     time.Duration
	LogFinalizeWait time.Duration
	StopTimeout     time.Duration
}

const (
	defaultTick            = 1 * time.Second
	defaultCadence         = 60 * time.Second
	defaultStuckWindow     = 10 * time.Minute
	defaultLogFinalizeWait = 20 * time.Minute
	defaultStopTimeout     = 5 * time.Second

	// stuckLogLines is the log tail compared across cadence ticks to
	// detect a wedged scraper.
	stuckLogLines = 100
	// terminalLogLines is how much of the orchestrator's own log goes
	// into the terminal event payload.
	terminalLogLines = 2000
)

func (c *Config) applyDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = defaultTick
	}
	if c.Cadence == 0 {
		c.Cadence = defaultCadence
	}
	if c.StuckWindow == 0 {
		c.StuckWindow = defaultStuckWindow
	}
	if c.LogFinalizeWait == 0 {
		c.LogFinalizeWait = defaultLogFinalizeWait
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = defaultStopTimeout
	}
}

// ErrTaskNotRunnable rejects tasks that are missing or already terminal.
var ErrTaskNotRunnable = errors.New("task is not runnable")

// Orchestrator drives one task.
type Orchestrator struct {
	cfg    Config
	docker Docker
	disp   Dispatcher
	log    *slog.Logger

	task    *zimfarm.Task
	uploads *uploadManager

	scraperName  string
	dnsName      string
	logUploader  string
	scraperStart time.Time

	cancelRequested chan string // carries canceled_by
}

// New builds an orchestrator. Run may be called once.
func New(cfg Config, docker Docker, disp Dispatcher, log *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:             cfg,
		docker:          docker,
		disp:            disp,
		log:             log,
		cancelRequested: make(chan string, 1),
	}
}

// Cancel asks the running orchestrator to abort its task.
func (o *Orchestrator) Cancel(by string) {
	select {
	case o.cancelRequested <- by:
	default:
	}
}

// Run executes the task to completion and reports the outcome. The
// returned error is non-nil when the task did not succeed.
func (o *Orchestrator) Run(ctx context.Context) error {
	task, err := o.disp.GetTask(ctx, o.cfg.TaskID)
	if err != nil {
		return fmt.Errorf("fetch task: %w", err)
	}
	if task.Status.IsTerminal() || task.Status == zimfarm.StatusCancelRequested {
		return fmt.Errorf("%w: status %s", ErrTaskNotRunnable, task.Status)
	}
	o.task = task
	o.uploads = newUploadManager(o, task)

	if err := o.disp.PatchEvent(ctx, task.ID, zimfarm.EventStarted, nil); err != nil {
		return fmt.Errorf("report started: %w", err)
	}

	if err := os.MkdirAll(o.cfg.Workdir, 0o755); err != nil {
		return o.fail(ctx, fmt.Errorf("create workdir: %w", err))
	}

	if err := o.startContainers(ctx); err != nil {
		return o.fail(ctx, err)
	}

	exitCode, canceledBy, err := o.superviseScraper(ctx)
	if err != nil {
		return o.fail(ctx, err)
	}
	if canceledBy != "" {
		return o.canceled(ctx, canceledBy)
	}
	metrics.ObserveScraperDuration(o.task.Config.TaskName, time.Since(o.scraperStart))

	if err := o.reportScraperCompleted(ctx, exitCode); err != nil {
		return o.fail(ctx, err)
	}

	o.finalizeLogUpload(ctx)

	// pick up files written right before exit, then drain the queue
	if err := o.scanFiles(ctx); err != nil {
		o.log.Warn("final file scan", "error", err)
	}
	o.uploads.Drain(ctx)

	succeeded := exitCode == 0 && o.uploads.AllUploaded()
	o.cleanupContainers(ctx)
	o.cleanupWorkdir()

	payload := map[string]interface{}{"log": o.ownLogTail(ctx)}
	if succeeded {
		if err := o.disp.PatchEvent(ctx, task.ID, zimfarm.EventSucceeded, payload); err != nil {
			return fmt.Errorf("report succeeded: %w", err)
		}
		return nil
	}
	payload["exit_code"] = exitCode
	if err := o.disp.PatchEvent(ctx, task.ID, zimfarm.EventFailed, payload); err != nil {
		o.log.Error("report failed", "error", err)
	}
	return fmt.Errorf("task failed: scraper exit %d, uploads complete: %v", exitCode, o.uploads.AllUploaded())
}

func (o *Orchestrator) startContainers(ctx context.Context) error {
	if _, err := o.docker.StartDNSCache(ctx, o.task, o.cfg.UsePublicDNS); err != nil {
		return err
	}
	o.dnsName = dockerutil.ContainerName(o.task.ID, dockerutil.IdentDNSCache)

	dnsIP, err := o.docker.IPAddress(ctx, o.dnsName)
	if err != nil {
		return err
	}

	if _, err := o.docker.StartScraper(ctx, o.task, dockerutil.ScraperOptions{
		HostWorkdir: o.cfg.HostWorkdir,
		DNS:         []string{dnsIP},
	}); err != nil {
		return err
	}
	o.scraperName = dockerutil.ContainerName(o.task.ID, dockerutil.IdentScraper)
	o.scraperStart = time.Now()

	if err := o.disp.PatchEvent(ctx, o.task.ID, zimfarm.EventScraperStarted, zimfarm.ContainerInfo{
		Image:   o.task.Config.Image.String(),
		Command: o.task.Config.Command,
		Log:     o.task.ID + ".log",
	}); err != nil {
		return fmt.Errorf("report scraper_started: %w", err)
	}

	// ship the scraper log continuously while it runs
	if _, err := o.docker.StartUploader(ctx, o.task, dockerutil.UploaderOptions{
		Ident:     dockerutil.IdentLogUploader,
		HostPath:  o.cfg.HostWorkdir,
		Filename:  o.task.ID + ".log",
		UploadURI: o.cfg.UploadURI + "/logs",
		Compress:  true,
		Watch:     true,
	}); err != nil {
		o.log.Warn("log uploader failed to start", "error", err)
	} else {
		o.logUploader = dockerutil.ContainerName(o.task.ID, dockerutil.IdentLogUploader)
	}
	return nil
}

// superviseScraper loops until the scraper exits or the task is canceled.
// Returns the scraper exit code, or the canceling user when canceled.
func (o *Orchestrator) superviseScraper(ctx context.Context) (int, string, error) {
	var (
		lastCheck    time.Time
		lastLogTail  string
		lastProgress = time.Now()
	)
	for {
		select {
		case <-ctx.Done():
			return 0, "signal", nil
		case by := <-o.cancelRequested:
			return 0, by, nil
		case <-time.After(o.cfg.TickInterval):
		}

		running, err := o.docker.IsRunning(ctx, o.scraperName)
		if err != nil {
			return 0, "", err
		}
		if !running {
			code, err := o.docker.ExitCode(ctx, o.scraperName)
			if err != nil {
				return 0, "", err
			}
			return code, "", nil
		}

		if time.Since(lastCheck) < o.cfg.Cadence {
			continue
		}
		lastCheck = time.Now()

		if err := o.scanFiles(ctx); err != nil {
			o.log.Warn("file scan", "error", err)
		}
		o.uploads.Step(ctx)

		// stuck detector: unchanged log tail for the whole window
		tail, err := o.docker.Logs(ctx, o.scraperName, stuckLogLines)
		if err != nil {
			o.log.Warn("read scraper log", "error", err)
			continue
		}
		if tail != lastLogTail {
			lastLogTail = tail
			lastProgress = time.Now()
		} else if time.Since(lastProgress) > o.cfg.StuckWindow {
			o.log.Error("scraper looks stuck, killing it",
				"task", o.task.ID, "window", o.cfg.StuckWindow)
			if err := o.docker.Stop(ctx, o.scraperName, o.cfg.StopTimeout); err != nil {
				return 0, "", err
			}
		}
	}
}

// scanFiles looks for new or grown ZIM files in the workdir and reports
// them as created.
func (o *Orchestrator) scanFiles(ctx context.Context) error {
	entries, err := filepath.Glob(filepath.Join(o.cfg.Workdir, "*.zim"))
	if err != nil {
		return err
	}
	for _, path := range entries {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		o.uploads.Track(ctx, filepath.Base(path), info.Size())
	}
	return nil
}

func (o *Orchestrator) reportScraperCompleted(ctx context.Context, exitCode int) error {
	stdout, stderr, err := o.docker.Output(ctx, o.scraperName, stuckLogLines)
	if err != nil {
		o.log.Warn("read final scraper output", "error", err)
	}
	return o.disp.PatchEvent(ctx, o.task.ID, zimfarm.EventScraperCompleted, map[string]interface{}{
		"exit_code": exitCode,
		"stdout":    stdout,
		"stderr":    stderr,
	})
}

// finalizeLogUpload stops the watch uploader and runs a last one-shot
// upload so the complete log lands in the warehouse.
func (o *Orchestrator) finalizeLogUpload(ctx context.Context) {
	if o.logUploader == "" {
		return
	}
	if err := o.docker.Stop(ctx, o.logUploader, o.cfg.StopTimeout); err != nil {
		o.log.Warn("stop log uploader", "error", err)
	}
	if err := o.docker.Remove(ctx, o.logUploader); err != nil {
		o.log.Warn("remove log uploader", "error", err)
	}

	if _, err := o.docker.StartUploader(ctx, o.task, dockerutil.UploaderOptions{
		Ident:     dockerutil.IdentLogUploader,
		HostPath:  o.cfg.HostWorkdir,
		Filename:  o.task.ID + ".log",
		UploadURI: o.cfg.UploadURI + "/logs",
		Compress:  true,
	}); err != nil {
		o.log.Warn("final log upload failed to start", "error", err)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.LogFinalizeWait)
	defer cancel()
	if _, err := o.docker.Wait(waitCtx, o.logUploader); err != nil {
		o.log.Warn("final log upload", "error", err)
	}
}

func (o *Orchestrator) canceled(ctx context.Context, by string) error {
	o.log.Info("task canceled", "task", o.task.ID, "by", by)
	// a signal cancels the run context; cleanup still has to happen
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
	}
	o.cleanupContainers(ctx)
	o.cleanupWorkdir()
	if err := o.disp.PatchEvent(ctx, o.task.ID, zimfarm.EventCanceled,
		map[string]string{"canceled_by": by}); err != nil {
		o.log.Error("report canceled", "error", err)
	}
	return fmt.Errorf("task canceled by %s", by)
}

func (o *Orchestrator) fail(ctx context.Context, cause error) error {
	o.log.Error("task failed", "task", o.cfg.TaskID, "error", cause)
	o.cleanupContainers(ctx)
	o.cleanupWorkdir()
	payload := map[string]interface{}{
		"error": cause.Error(),
		"log":   o.ownLogTail(ctx),
	}
	if err := o.disp.PatchEvent(ctx, o.cfg.TaskID, zimfarm.EventFailed, payload); err != nil {
		o.log.Error("report failed", "error", err)
	}
	return cause
}

func (o *Orchestrator) cleanupContainers(ctx context.Context) {
	for _, name := range []string{o.scraperName, o.dnsName, o.logUploader, o.uploads.currentContainer()} {
		if name == "" {
			continue
		}
		if err := o.docker.Stop(ctx, name, o.cfg.StopTimeout); err != nil {
			o.log.Warn("stop container", "container", name, "error", err)
		}
		if err := o.docker.Remove(ctx, name); err != nil {
			o.log.Warn("remove container", "container", name, "error", err)
		}
	}
}

// cleanupWorkdir removes the task directory unless ZIM files remain in it
// (they may still be wanted for a manual retry).
func (o *Orchestrator) cleanupWorkdir() {
	zims, err := filepath.Glob(filepath.Join(o.cfg.Workdir, "*.zim"))
	if err == nil && len(zims) > 0 {
		o.log.Info("keeping workdir, zim files remain", "count", len(zims))
		return
	}
	if err := os.RemoveAll(o.cfg.Workdir); err != nil {
		o.log.Warn("remove workdir", "error", err)
	}
}

// ownLogTail returns the tail of this orchestrator's own container log,
// included in terminal event payloads. Outside a container there is none.
func (o *Orchestrator) ownLogTail(ctx context.Context) string {
	name := dockerutil.ContainerName(o.cfg.TaskID, dockerutil.IdentWorker)
	tail, err := o.docker.Logs(ctx, name, terminalLogLines)
	if err != nil {
		return ""
	}
	return tail
}
