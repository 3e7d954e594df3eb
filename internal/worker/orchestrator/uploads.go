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
	"sort"

	"zimfarm/internal/metrics"
	"zimfarm/internal/worker/dockerutil"
	"zimfarm/pkg/zimfarm"
)

// maxZimRetries is how often one file's upload is retried before the file
// is reported failed.
const maxZimRetries = 5

type pendingFile struct {
	name    string
	size    int64
	status  zimfarm.FileStatus
	retries int
}

// uploadManager drives serial uploads of produced ZIM files. One upload
// container runs at a time; the supervision loop is never blocked on it.
type uploadManager struct {
	o    *Orchestrator
	task *zimfarm.Task

	files map[string]*pendingFile
	// active is the file whose uploader container is currently running.
	active *pendingFile
}

func newUploadManager(o *Orchestrator, task *zimfarm.Task) *uploadManager {
	return &uploadManager{o: o, task: task, files: map[string]*pendingFile{}}
}

// Track registers a file found in the workdir, reporting created_file the
// first time it is seen. Size updates are tracked silently.
func (m *uploadManager) Track(ctx context.Context, name string, size int64) {
	if f, ok := m.files[name]; ok {
		if f.status == zimfarm.FilePending {
			f.size = size
		}
		return
	}
	m.files[name] = &pendingFile{name: name, size: size, status: zimfarm.FilePending}
	err := m.o.disp.PatchEvent(ctx, m.task.ID, zimfarm.EventCreatedFile, map[string]interface{}{
		"file": map[string]interface{}{"name": name, "size": size},
	})
	if err != nil {
		m.o.log.Warn("report created_file", "file", name, "error", err)
	}
}

// Step advances the upload pipeline without blocking: when an uploader is
// running it returns immediately, when one has finished it settles the
// result, otherwise it starts the next pending file. Called once per
// supervision cadence, which doubles as the retry backoff.
func (m *uploadManager) Step(ctx context.Context) {
	if m.active != nil {
		running, err := m.o.docker.IsRunning(ctx, m.containerName())
		if err != nil {
			m.o.log.Warn("inspect uploader", "file", m.active.name, "error", err)
			return
		}
		if running {
			return
		}
		code, err := m.o.docker.ExitCode(ctx, m.containerName())
		m.settle(ctx, code, err)
		return
	}
	if next := m.nextPending(); next != nil {
		m.start(ctx, next)
	}
}

// Drain finishes every remaining upload, serially and blocking; called
// once the scraper has exited.
func (m *uploadManager) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		if m.active != nil {
			code, err := m.o.docker.Wait(ctx, m.containerName())
			m.settle(ctx, code, err)
			continue
		}
		next := m.nextPending()
		if next == nil {
			return
		}
		m.start(ctx, next)
	}
}

func (m *uploadManager) nextPending() *pendingFile {
	names := make([]string, 0, len(m.files))
	for name, f := range m.files {
		if f.status == zimfarm.FilePending {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return m.files[names[0]]
}

func (m *uploadManager) start(ctx context.Context, f *pendingFile) {
	f.status = zimfarm.FileUploading

	_, err := m.o.docker.StartUploader(ctx, m.task, dockerutil.UploaderOptions{
		Ident:     dockerutil.IdentUploader,
		HostPath:  m.o.cfg.HostWorkdir,
		Filename:  f.name,
		UploadURI: m.o.cfg.UploadURI + "/zim/" + m.task.Config.WarehousePath,
		Move:      true,
		Delete:    true,
		Resume:    f.retries > 0,
	})
	if err != nil {
		m.o.log.Warn("start uploader", "file", f.name, "error", err)
		m.retryOrFail(ctx, f)
		return
	}
	m.active = f
}

// settle records the outcome of the finished uploader and removes its
// container.
func (m *uploadManager) settle(ctx context.Context, exitCode int, waitErr error) {
	f := m.active
	m.active = nil
	if err := m.o.docker.Remove(ctx, m.containerName()); err != nil {
		m.o.log.Warn("remove uploader", "error", err)
	}
	if waitErr != nil || exitCode != 0 {
		m.o.log.Warn("upload failed", "file", f.name, "exit", exitCode, "error", waitErr)
		m.retryOrFail(ctx, f)
		return
	}

	f.status = zimfarm.FileUploaded
	metrics.IncUpload("uploaded")
	err := m.o.disp.PatchEvent(ctx, m.task.ID, zimfarm.EventUploadedFile,
		map[string]string{"filename": f.name})
	if err != nil {
		m.o.log.Warn("report uploaded_file", "file", f.name, "error", err)
	}
}

func (m *uploadManager) retryOrFail(ctx context.Context, f *pendingFile) {
	f.retries++
	if f.retries < maxZimRetries {
		f.status = zimfarm.FilePending
		metrics.IncUpload("retried")
		return
	}
	f.status = zimfarm.FileFailed
	metrics.IncUpload("failed")
	err := m.o.disp.PatchEvent(ctx, m.task.ID, zimfarm.EventFailedFile,
		map[string]string{"filename": f.name})
	if err != nil {
		m.o.log.Warn("report failed_file", "file", f.name, "error", err)
	}
}

// AllUploaded reports whether every tracked file ended up uploaded.
func (m *uploadManager) AllUploaded() bool {
	for _, f := range m.files {
		if f.status != zimfarm.FileUploaded {
			return false
		}
	}
	return true
}

func (m *uploadManager) containerName() string {
	return dockerutil.ContainerName(m.task.ID, dockerutil.IdentUploader)
}

// currentContainer names the running uploader container, if any, so
// cleanup can stop it.
func (m *uploadManager) currentContainer() string {
	if m == nil || m.active == nil {
		return ""
	}
	return m.containerName()
}
