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

package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"zimfarm/internal/worker/dockerutil"
	"zimfarm/pkg/zimfarm"
)

// fakeDocker simulates the engine: the scraper "runs" until the test stops
// it, zim uploaders exit with scripted codes.
type fakeDocker struct {
	mu sync.Mutex

	scraperRunning bool
	scraperExit    int
	scraperOut     string
	scraperErr     string

	// uploadExits scripts successive zim uploader exit codes; each
	// StartUploader with the zim ident consumes one entry.
	uploadExits       []int
	uploadCalls       int
	currentUploadExit int
	// uploaderRunning keeps the zim uploader container "running" until a
	// Stop clears it.
	uploaderRunning bool

	uploaderStarts []dockerutil.UploaderOptions

	stopped []string
	removed []string
}

// zimUploaderName matches the zim uploader container but not the log
// uploader, whose ident shares the "_uploader" suffix.
func zimUploaderName(name string) bool {
	return strings.HasSuffix(name, "_"+dockerutil.IdentUploader) &&
		!strings.HasSuffix(name, "_"+dockerutil.IdentLogUploader)
}

func (f *fakeDocker) StartDNSCache(ctx context.Context, task *zimfarm.Task, usePublicDNS bool) (string, error) {
	return "dns-id", nil
}

func (f *fakeDocker) StartScraper(ctx context.Context, task *zimfarm.Task, opts dockerutil.ScraperOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scraperRunning = true
	return "scraper-id", nil
}

func (f *fakeDocker) StartUploader(ctx context.Context, task *zimfarm.Task, opts dockerutil.UploaderOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaderStarts = append(f.uploaderStarts, opts)
	if opts.Ident == dockerutil.IdentUploader {
		code := 0
		if f.uploadCalls < len(f.uploadExits) {
			code = f.uploadExits[f.uploadCalls]
		}
		f.uploadCalls++
		f.currentUploadExit = code
	}
	return "uploader-id", nil
}

func (f *fakeDocker) Logs(ctx context.Context, nameOrID string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scraperOut, nil
}

func (f *fakeDocker) Output(ctx context.Context, nameOrID string, tail int) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scraperOut, f.scraperErr, nil
}

func (f *fakeDocker) IsRunning(ctx context.Context, nameOrID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.HasSuffix(nameOrID, "_"+dockerutil.IdentScraper) {
		return f.scraperRunning, nil
	}
	if zimUploaderName(nameOrID) {
		return f.uploaderRunning, nil
	}
	return false, nil
}

func (f *fakeDocker) ExitCode(ctx context.Context, nameOrID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if zimUploaderName(nameOrID) {
		return f.currentUploadExit, nil
	}
	if strings.HasSuffix(nameOrID, "_"+dockerutil.IdentLogUploader) {
		return 0, nil
	}
	return f.scraperExit, nil
}

func (f *fakeDocker) Stop(ctx context.Context, nameOrID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, nameOrID)
	if strings.HasSuffix(nameOrID, "_"+dockerutil.IdentScraper) {
		f.scraperRunning = false
		f.scraperExit = 137
	}
	if zimUploaderName(nameOrID) {
		f.uploaderRunning = false
	}
	return nil
}

func (f *fakeDocker) Remove(ctx context.Context, nameOrID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, nameOrID)
	return nil
}

func (f *fakeDocker) Wait(ctx context.Context, nameOrID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if zimUploaderName(nameOrID) {
		f.uploaderRunning = false
		return f.currentUploadExit, nil
	}
	return 0, nil
}

func (f *fakeDocker) IPAddress(ctx context.Context, nameOrID string) (string, error) {
	return "172.17.0.2", nil
}

func (f *fakeDocker) stopScraper(exit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scraperRunning = false
	f.scraperExit = exit
}

func (f *fakeDocker) zimUploaderStarts() []dockerutil.UploaderOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dockerutil.UploaderOptions
	for _, opts := range f.uploaderStarts {
		if opts.Ident == dockerutil.IdentUploader {
			out = append(out, opts)
		}
	}
	return out
}

// fakeDispatcher records reported events and their payloads.
type fakeDispatcher struct {
	mu     sync.Mutex
	task   *zimfarm.Task
	events []reportedEvent
}

type reportedEvent struct {
	code    zimfarm.EventCode
	payload interface{}
}

func (f *fakeDispatcher) GetTask(ctx context.Context, id string) (*zimfarm.Task, error) {
	return f.task, nil
}

func (f *fakeDispatcher) PatchEvent(ctx context.Context, id string, code zimfarm.EventCode, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, reportedEvent{code: code, payload: payload})
	return nil
}

func (f *fakeDispatcher) codes() []zimfarm.EventCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]zimfarm.EventCode, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.code)
	}
	return out
}

func (f *fakeDispatcher) count(code zimfarm.EventCode) int {
	n := 0
	for _, c := range f.codes() {
		if c == code {
			n++
		}
	}
	return n
}

// payload returns the payload of the first reported event with this code.
func (f *fakeDispatcher) payload(code zimfarm.EventCode) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.code == code {
			return ev.payload
		}
	}
	return nil
}

func newTestOrchestrator(t *testing.T, docker *fakeDocker, disp *fakeDispatcher) *Orchestrator {
	t.Helper()
	workdir := filepath.Join(t.TempDir(), "task")
	disp.task = &zimfarm.Task{
		ID:     "01234567-89ab-cdef-0123-456789abcdef",
		Worker: "node-a",
		Status: zimfarm.StatusReserved,
		Config: zimfarm.ScheduleConfig{
			TaskName:      "mwoffliner",
			Image:         zimfarm.ImageRef{Name: "openzim/mwoffliner", Tag: "latest"},
			MountPoint:    "/output",
			Command:       []string{"mwoffliner", `--mwUrl="https://x.org"`},
			WarehousePath: "/wikipedia",
			Resources:     zimfarm.Resources{CPU: 2, Memory: 1 << 30, Disk: 1 << 30},
		},
	}
	return New(Config{
		TaskID:       disp.task.ID,
		WorkerName:   "node-a",
		Workdir:      workdir,
		HostWorkdir:  workdir,
		UploadURI:    "sftp://warehouse.farm.openzim.org/data",
		TickInterval: time.Millisecond,
		Cadence:      5 * time.Millisecond,
		StuckWindow:  time.Hour,
	}, docker, disp, slog.New(slog.DiscardHandler))
}

func TestRunSuccess(t *testing.T) {
	docker := &fakeDocker{}
	disp := &fakeDispatcher{}
	o := newTestOrchestrator(t, docker, disp)

	// write a zim mid-run, then let the scraper finish
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(o.cfg.Workdir, "out.zim"), []byte("zim"), 0o644)
		time.Sleep(40 * time.Millisecond)
		docker.stopScraper(0)
	}()

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, code := range []zimfarm.EventCode{
		zimfarm.EventStarted, zimfarm.EventScraperStarted,
		zimfarm.EventCreatedFile, zimfarm.EventUploadedFile,
		zimfarm.EventScraperCompleted, zimfarm.EventSucceeded,
	} {
		if disp.count(code) == 0 {
			t.Errorf("event %s never reported: %v", code, disp.codes())
		}
	}
	if disp.count(zimfarm.EventFailed) != 0 {
		t.Errorf("failed reported on success path")
	}

	info, ok := disp.payload(zimfarm.EventScraperStarted).(zimfarm.ContainerInfo)
	if !ok {
		t.Fatalf("scraper_started payload is %T", disp.payload(zimfarm.EventScraperStarted))
	}
	if want := disp.task.ID + ".log"; info.Log != want {
		t.Errorf("scraper_started log = %q, want %q", info.Log, want)
	}

	// the upload deletes the file, workdir should be gone
	if _, err := os.Stat(o.cfg.Workdir); !os.IsNotExist(err) {
		// fake uploader does not delete; workdir kept because zim remains
		zims, _ := filepath.Glob(filepath.Join(o.cfg.Workdir, "*.zim"))
		if len(zims) == 0 {
			t.Errorf("workdir kept without zim files")
		}
	}
}

func TestRunScraperFailure(t *testing.T) {
	docker := &fakeDocker{scraperOut: "fetching articles", scraperErr: "fatal: out of disk"}
	disp := &fakeDispatcher{}
	o := newTestOrchestrator(t, docker, disp)

	go func() {
		time.Sleep(10 * time.Millisecond)
		docker.stopScraper(1)
	}()

	if err := o.Run(context.Background()); err == nil {
		t.Fatal("run succeeded despite scraper exit 1")
	}
	if disp.count(zimfarm.EventScraperCompleted) != 1 {
		t.Errorf("scraper_completed not reported: %v", disp.codes())
	}
	if disp.count(zimfarm.EventFailed) != 1 {
		t.Errorf("failed not reported: %v", disp.codes())
	}
	if disp.count(zimfarm.EventSucceeded) != 0 {
		t.Errorf("succeeded reported on failure path")
	}

	completed, ok := disp.payload(zimfarm.EventScraperCompleted).(map[string]interface{})
	if !ok {
		t.Fatalf("scraper_completed payload is %T", disp.payload(zimfarm.EventScraperCompleted))
	}
	if completed["exit_code"] != 1 {
		t.Errorf("exit_code = %v, want 1", completed["exit_code"])
	}
	if completed["stdout"] != "fetching articles" {
		t.Errorf("stdout = %q", completed["stdout"])
	}
	if completed["stderr"] != "fatal: out of disk" {
		t.Errorf("stderr = %q", completed["stderr"])
	}
}

func TestUploadRetryExhaustion(t *testing.T) {
	// every upload attempt fails; the file must be reported failed after
	// maxZimRetries and the task must fail despite scraper exit 0
	docker := &fakeDocker{uploadExits: []int{1, 1, 1, 1, 1, 1, 1}}
	disp := &fakeDispatcher{}
	o := newTestOrchestrator(t, docker, disp)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(o.cfg.Workdir, "out.zim"), []byte("zim"), 0o644)
		time.Sleep(30 * time.Millisecond)
		docker.stopScraper(0)
	}()

	if err := o.Run(context.Background()); err == nil {
		t.Fatal("run succeeded despite upload failures")
	}
	if disp.count(zimfarm.EventFailedFile) != 1 {
		t.Errorf("failed_file not reported once: %v", disp.codes())
	}
	if disp.count(zimfarm.EventUploadedFile) != 0 {
		t.Errorf("uploaded_file reported: %v", disp.codes())
	}
	if docker.uploadCalls < maxZimRetries {
		t.Errorf("upload attempts = %d, want at least %d", docker.uploadCalls, maxZimRetries)
	}
}

func TestUploadRetryThenSuccess(t *testing.T) {
	docker := &fakeDocker{uploadExits: []int{1, 0}}
	disp := &fakeDispatcher{}
	o := newTestOrchestrator(t, docker, disp)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(o.cfg.Workdir, "out.zim"), []byte("zim"), 0o644)
		time.Sleep(40 * time.Millisecond)
		docker.stopScraper(0)
	}()

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if disp.count(zimfarm.EventUploadedFile) != 1 {
		t.Errorf("uploaded_file not reported: %v", disp.codes())
	}

	starts := docker.zimUploaderStarts()
	if len(starts) != 2 {
		t.Fatalf("zim uploader started %d times, want 2", len(starts))
	}
	for i, opts := range starts {
		if !opts.Move || !opts.Delete {
			t.Errorf("attempt %d: move=%v delete=%v, want both true", i, opts.Move, opts.Delete)
		}
	}
	if starts[0].Resume {
		t.Errorf("first attempt requested resume")
	}
	if !starts[1].Resume {
		t.Errorf("retry did not request resume")
	}
}

// A long-running upload must not block supervision: cancellation has to
// land while the uploader container is still busy.
func TestCancelDuringUpload(t *testing.T) {
	docker := &fakeDocker{uploaderRunning: true}
	disp := &fakeDispatcher{}
	o := newTestOrchestrator(t, docker, disp)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(o.cfg.Workdir, "out.zim"), []byte("zim"), 0o644)
		time.Sleep(40 * time.Millisecond)
		o.Cancel("admin")
	}()

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("canceled run returned nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not interrupt the run while the uploader was busy")
	}

	if docker.uploadCalls != 1 {
		t.Fatalf("uploader started %d times, want 1", docker.uploadCalls)
	}
	if disp.count(zimfarm.EventCanceled) != 1 {
		t.Errorf("canceled not reported: %v", disp.codes())
	}
	found := false
	for _, name := range docker.stopped {
		if zimUploaderName(name) {
			found = true
		}
	}
	if !found {
		t.Errorf("busy uploader not stopped on cancel: %v", docker.stopped)
	}
}

func TestCancel(t *testing.T) {
	docker := &fakeDocker{}
	disp := &fakeDispatcher{}
	o := newTestOrchestrator(t, docker, disp)

	go func() {
		time.Sleep(10 * time.Millisecond)
		o.Cancel("admin")
	}()

	if err := o.Run(context.Background()); err == nil {
		t.Fatal("canceled run returned nil")
	}
	if disp.count(zimfarm.EventCanceled) != 1 {
		t.Errorf("canceled not reported: %v", disp.codes())
	}
	if len(docker.stopped) == 0 {
		t.Errorf("no containers stopped on cancel")
	}
}

func TestRejectTerminalTask(t *testing.T) {
	docker := &fakeDocker{}
	disp := &fakeDispatcher{}
	o := newTestOrchestrator(t, docker, disp)
	disp.task.Status = zimfarm.StatusSucceeded

	if err := o.Run(context.Background()); err == nil {
		t.Fatal("terminal task accepted")
	}
	if len(disp.codes()) != 0 {
		t.Errorf("events reported for terminal task: %v", disp.codes())
	}
}

func TestStuckScraperKilled(t *testing.T) {
	docker := &fakeDocker{scraperOut: "same output forever"}
	disp := &fakeDispatcher{}
	o := newTestOrchestrator(t, docker, disp)
	o.cfg.StuckWindow = 10 * time.Millisecond

	// scraper never produces new log output and never exits on its own
	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("stuck scraper run succeeded")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stuck scraper was never killed")
	}

	found := false
	for _, name := range docker.stopped {
		if strings.HasSuffix(name, "_"+dockerutil.IdentScraper) {
			found = true
		}
	}
	if !found {
		t.Errorf("scraper not stopped: %v", docker.stopped)
	}
}
