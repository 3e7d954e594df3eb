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

// Package dockerutil wraps the docker engine API for the worker binaries:
// starting the task's helper containers (dns cache, scraper, uploaders),
// reading logs and exit codes, and accounting the resources labeled
// containers hold.
package dockerutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"zimfarm/pkg/zimfarm"
)

// Label keys attached to every container the worker starts. Resource
// labels let the manager compute what running tasks already hold.
const (
	LabelTaskID       = "zimfarm.task_id"
	LabelTID          = "zimfarm.tid"
	LabelScheduleName = "zimfarm.schedule_name"
	LabelWorker       = "zimfarm.worker"
	LabelCPU          = "zimfarm.cpu"
	LabelMemory       = "zimfarm.memory"
	LabelDisk         = "zimfarm.disk"
)

// Container name idents.
const (
	IdentDNSCache    = "dnscache"
	IdentScraper     = "scraper"
	IdentUploader    = "uploader"
	IdentLogUploader = "log_uploader"
	IdentWorker      = "worker"
)

const (
	dnsCacheImage = "openzim/dnscache:latest"
	uploaderImage = "openzim/uploader:latest"

	defaultStopTimeout = 5 * time.Second
)

// Engine wraps a docker API client.
type Engine struct {
	cli *client.Client
}

// NewEngine connects to the docker daemon using the environment
// configuration (DOCKER_HOST et al).
func NewEngine() (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Engine{cli: cli}, nil
}

// ContainerName builds the canonical container name for a task helper:
// "{shortid}_{ident}".
func ContainerName(taskID, ident string) string {
	return zimfarm.ShortID(taskID) + "_" + ident
}

// TaskLabels builds the label set shared by all of a task's containers.
func TaskLabels(task *zimfarm.Task) map[string]string {
	return map[string]string{
		LabelTaskID:       task.ID,
		LabelTID:          zimfarm.ShortID(task.ID),
		LabelScheduleName: task.ScheduleName,
		LabelWorker:       task.Worker,
		LabelCPU:          strconv.Itoa(task.Config.Resources.CPU),
		LabelMemory:       strconv.FormatInt(task.Config.Resources.Memory, 10),
		LabelDisk:         strconv.FormatInt(task.Config.Resources.Disk, 10),
	}
}

// EnsureImage pulls ref unless it is already present.
func (e *Engine) EnsureImage(ctx context.Context, ref string) error {
	if _, err := e.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

// StartDNSCache starts the task's DNS cache container and returns its
// container id.
func (e *Engine) StartDNSCache(ctx context.Context, task *zimfarm.Task, usePublicDNS bool) (string, error) {
	if err := e.EnsureImage(ctx, dnsCacheImage); err != nil {
		return "", err
	}
	var env []string
	if usePublicDNS {
		env = append(env, "USE_PUBLIC_DNS=yes")
	}
	name := ContainerName(task.ID, IdentDNSCache)
	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  dnsCacheImage,
			Labels: TaskLabels(task),
			Env:    env,
		},
		&container.HostConfig{},
		nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create dnscache: %w", err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start dnscache: %w", err)
	}
	return resp.ID, nil
}

// ScraperOptions carries everything StartScraper needs beyond the task.
type ScraperOptions struct {
	// HostWorkdir is the path of the task's working directory on the
	// docker host, bind-mounted at the offliner's mount point.
	HostWorkdir string
	// DNS servers for the container, usually the dnscache IP.
	DNS []string
}

// StartScraper creates and starts the scraper container described by the
// task's expanded config.
func (e *Engine) StartScraper(ctx context.Context, task *zimfarm.Task, opts ScraperOptions) (string, error) {
	ref := task.Config.Image.String()
	if err := e.EnsureImage(ctx, ref); err != nil {
		return "", err
	}

	res := task.Config.Resources
	swappiness := int64(0)
	hostCfg := &container.HostConfig{
		Binds: []string{opts.HostWorkdir + ":" + task.Config.MountPoint},
		DNS:   opts.DNS,
		Resources: container.Resources{
			CPUShares:        int64(res.CPU) * 1024,
			Memory:           res.Memory,
			MemorySwappiness: &swappiness,
		},
		ShmSize: res.Shm,
		CapAdd: task.Config.CapAdd,
	}

	name := ContainerName(task.ID, IdentScraper)
	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  ref,
			Cmd:    task.Config.Command,
			Labels: TaskLabels(task),
		},
		hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create scraper: %w", err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start scraper: %w", err)
	}
	return resp.ID, nil
}

// UploaderOptions describes one upload job.
type UploaderOptions struct {
	// Ident distinguishes the file uploader from the log uploader in
	// container names.
	Ident string
	// HostPath is the host directory holding the file.
	HostPath string
	// Filename is the file to upload, relative to HostPath.
	Filename string
	// UploadURI is the destination base (sftp/s3/webdav URI).
	UploadURI string
	// Move renames the remote file into place once fully transferred.
	Move bool
	// Delete removes the local file after a successful upload.
	Delete bool
	// Compress gzips in transit.
	Compress bool
	// Resume continues a partial upload.
	Resume bool
	// Watch keeps the uploader alive, re-uploading on change (log mode).
	Watch bool
}

// StartUploader starts one uploader container.
func (e *Engine) StartUploader(ctx context.Context, task *zimfarm.Task, opts UploaderOptions) (string, error) {
	if err := e.EnsureImage(ctx, uploaderImage); err != nil {
		return "", err
	}

	cmd := []string{
		"uploader",
		"--file", "/data/" + opts.Filename,
		"--upload-uri", opts.UploadURI,
	}
	if opts.Move {
		cmd = append(cmd, "--move")
	}
	if opts.Delete {
		cmd = append(cmd, "--delete")
	}
	if opts.Compress {
		cmd = append(cmd, "--compress")
	}
	if opts.Resume {
		cmd = append(cmd, "--resume")
	}
	if opts.Watch {
		cmd = append(cmd, "--watch")
	}

	name := ContainerName(task.ID, opts.Ident)
	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  uploaderImage,
			Cmd:    cmd,
			Labels: TaskLabels(task),
		},
		&container.HostConfig{
			Binds: []string{opts.HostPath + ":/data"},
		},
		nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create uploader: %w", err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start uploader: %w", err)
	}
	return resp.ID, nil
}

// Logs returns the last tail lines of a container's combined output.
func (e *Engine) Logs(ctx context.Context, nameOrID string, tail int) (string, error) {
	reader, err := e.cli.ContainerLogs(ctx, nameOrID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("logs %s: %w", nameOrID, err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", fmt.Errorf("read logs %s: %w", nameOrID, err)
	}
	return buf.String(), nil
}

// Output returns the last tail lines of a container's stdout and stderr
// as separate streams.
func (e *Engine) Output(ctx context.Context, nameOrID string, tail int) (stdout, stderr string, err error) {
	reader, err := e.cli.ContainerLogs(ctx, nameOrID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", "", fmt.Errorf("logs %s: %w", nameOrID, err)
	}
	defer reader.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, reader); err != nil {
		return "", "", fmt.Errorf("read logs %s: %w", nameOrID, err)
	}
	return outBuf.String(), errBuf.String(), nil
}

// IsRunning reports whether the container exists and runs.
func (e *Engine) IsRunning(ctx context.Context, nameOrID string) (bool, error) {
	info, err := e.cli.ContainerInspect(ctx, nameOrID)
	if client.IsErrNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", nameOrID, err)
	}
	return info.State != nil && info.State.Running, nil
}

// ExitCode returns the recorded exit code of a stopped container.
func (e *Engine) ExitCode(ctx context.Context, nameOrID string) (int, error) {
	info, err := e.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return 0, fmt.Errorf("inspect %s: %w", nameOrID, err)
	}
	if info.State == nil {
		return 0, fmt.Errorf("container %s has no state", nameOrID)
	}
	return info.State.ExitCode, nil
}

// Stop stops a container, waiting at most timeout before the kill.
func (e *Engine) Stop(ctx context.Context, nameOrID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := e.cli.ContainerStop(ctx, nameOrID, container.StopOptions{Timeout: &seconds})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// Remove force-removes a container and its anonymous volumes.
func (e *Engine) Remove(ctx context.Context, nameOrID string) error {
	err := e.cli.ContainerRemove(ctx, nameOrID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// Wait blocks until the container stops and returns its exit code.
func (e *Engine) Wait(ctx context.Context, nameOrID string) (int, error) {
	respCh, errCh := e.cli.ContainerWait(ctx, nameOrID, container.WaitConditionNotRunning)
	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return 0, fmt.Errorf("wait %s: %s", nameOrID, resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		return 0, fmt.Errorf("wait %s: %w", nameOrID, err)
	}
}

// IPAddress returns the container's address on the default bridge network.
func (e *Engine) IPAddress(ctx context.Context, nameOrID string) (string, error) {
	info, err := e.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", nameOrID, err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network", nameOrID)
	}
	if info.NetworkSettings.IPAddress != "" {
		return info.NetworkSettings.IPAddress, nil
	}
	for _, net := range info.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s has no ip address", nameOrID)
}

// UsedResources sums the resource labels of the worker's running
// containers, one task counted once via its scraper label set.
func (e *Engine) UsedResources(ctx context.Context, workerName string) (zimfarm.Resources, []string, error) {
	list, err := e.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", LabelWorker+"="+workerName)),
	})
	if err != nil {
		return zimfarm.Resources{}, nil, fmt.Errorf("list containers: %w", err)
	}

	var used zimfarm.Resources
	seen := map[string]bool{}
	var taskIDs []string
	for _, c := range list {
		id := c.Labels[LabelTaskID]
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		taskIDs = append(taskIDs, id)
		if v, err := strconv.Atoi(c.Labels[LabelCPU]); err == nil {
			used.CPU += v
		}
		if v, err := strconv.ParseInt(c.Labels[LabelMemory], 10, 64); err == nil {
			used.Memory += v
		}
		if v, err := strconv.ParseInt(c.Labels[LabelDisk], 10, 64); err == nil {
			used.Disk += v
		}
	}
	return used, taskIDs, nil
}

// TaskWorkerOptions configures the per-task orchestrator container the
// manager launches for each reserved task.
type TaskWorkerOptions struct {
	Image          string
	TaskID         string
	HostWorkdir    string
	DockerSocket   string
	PrivateKeyPath string
	DispatcherURL  string
	Username       string
	WorkerName     string
	UploadURI      string
	UsePublicDNS   bool
}

// StartTaskWorker starts the orchestrator container for one task. It gets
// the task workdir, the docker socket and the worker's private key.
func (e *Engine) StartTaskWorker(ctx context.Context, task *zimfarm.Task, opts TaskWorkerOptions) (string, error) {
	if err := e.EnsureImage(ctx, opts.Image); err != nil {
		return "", err
	}

	env := []string{
		"TASK_ID=" + opts.TaskID,
		"DISPATCHER_URL=" + opts.DispatcherURL,
		"DISPATCHER_USERNAME=" + opts.Username,
		"WORKER_NAME=" + opts.WorkerName,
		"UPLOAD_URI=" + opts.UploadURI,
		"WORKDIR=/data",
		"HOST_WORKDIR=" + opts.HostWorkdir,
		"PRIVATE_KEY=/etc/zimfarm/id_rsa",
	}
	if opts.UsePublicDNS {
		env = append(env, "USE_PUBLIC_DNS=true")
	}

	name := ContainerName(task.ID, IdentWorker)
	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  opts.Image,
			Labels: TaskLabels(task),
			Env:    env,
		},
		&container.HostConfig{
			Binds: []string{
				opts.HostWorkdir + ":/data",
				opts.DockerSocket + ":/var/run/docker.sock",
				opts.PrivateKeyPath + ":/etc/zimfarm/id_rsa:ro",
			},
		},
		nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create task worker: %w", err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start task worker: %w", err)
	}
	return resp.ID, nil
}

// PruneTask removes every container belonging to a task.
func (e *Engine) PruneTask(ctx context.Context, taskID string) error {
	list, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelTaskID+"="+taskID)),
	})
	if err != nil {
		return fmt.Errorf("list task containers: %w", err)
	}
	for _, c := range list {
		if err := e.Remove(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}
