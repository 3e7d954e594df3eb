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

// Package manager is the fleet-node daemon. It polls the dispatcher for
// work the node can hold, reserves one task at a time and hands each
// reserved task to its own orchestrator container.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"zimfarm/internal/broadcast"
	"zimfarm/internal/worker/client"
	"zimfarm/internal/worker/dockerutil"
	"zimfarm/pkg/zimfarm"
)

// Engine is the docker surface the manager needs. *dockerutil.Engine
// implements it.
type Engine interface {
	UsedResources(ctx context.Context, workerName string) (zimfarm.Resources, []string, error)
	StartTaskWorker(ctx context.Context, task *zimfarm.Task, opts dockerutil.TaskWorkerOptions) (string, error)
	IsRunning(ctx context.Context, nameOrID string) (bool, error)
	Stop(ctx context.Context, nameOrID string, timeout time.Duration) error
	PruneTask(ctx context.Context, taskID string) error
}

// Dispatcher is the API surface the manager needs from the client.
type Dispatcher interface {
	PollRequested(ctx context.Context, workerName string, avail zimfarm.Resources, offliners []string) ([]*zimfarm.RequestedTask, error)
	ReserveTask(ctx context.Context, id, workerName string) (*zimfarm.Task, error)
	Subscribe(ctx context.Context) (<-chan broadcast.Message, error)
}

const (
	defaultPollInterval = 30 * time.Second
	// cancelStopTimeout gives the task worker time to tear its task down
	// before docker kills it.
	cancelStopTimeout = 20 * time.Second
	// resubscribeDelay throttles broadcast reconnects.
	resubscribeDelay = 5 * time.Second
)

// Config parametrizes one manager.
type Config struct {
	WorkerName string

	// Advertised is the total capacity this node offers; what running
	// tasks hold is subtracted before each poll.
	Advertised zimfarm.Resources
	Offliners  []string

	// Workdir is the node task directory as this process sees it,
	// HostWorkdir the same directory as the docker daemon sees it.
	Workdir     string
	HostWorkdir string

	DockerSocket   string
	PrivateKeyPath string
	DispatcherURL  string
	Username       string
	UploadURI      string

	// TaskWorkerImage is the orchestrator image launched per task.
	TaskWorkerImage string
	UsePublicDNS    bool

	PollInterval time.Duration
}

// Manager runs the node loop.
type Manager struct {
	cfg    Config
	docker Engine
	disp   Dispatcher
	log    *slog.Logger
}

// New builds a manager.
func New(cfg Config, docker Engine, disp Dispatcher, log *slog.Logger) *Manager {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DockerSocket == "" {
		cfg.DockerSocket = "/var/run/docker.sock"
	}
	return &Manager{cfg: cfg, docker: docker, disp: disp, log: log}
}

// CheckEnvironment verifies the node can actually run tasks: writable
// workdir, readable private key, reachable docker daemon.
func (m *Manager) CheckEnvironment(ctx context.Context) error {
	probe := filepath.Join(m.cfg.Workdir, ".probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return fmt.Errorf("workdir not writable: %w", err)
	}
	_ = os.Remove(probe)

	if _, err := os.ReadFile(m.cfg.PrivateKeyPath); err != nil {
		return fmt.Errorf("private key not readable: %w", err)
	}

	if _, _, err := m.docker.UsedResources(ctx, m.cfg.WorkerName); err != nil {
		return fmt.Errorf("docker daemon: %w", err)
	}
	return nil
}

// Run polls and reserves until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	go m.relayCancels(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := m.tick(ctx); err != nil {
			m.log.Error("poll cycle", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick runs one poll cycle: prune finished tasks, compute the free slice
// of advertised capacity, then try to reserve and start one task.
func (m *Manager) tick(ctx context.Context) error {
	used, running, err := m.docker.UsedResources(ctx, m.cfg.WorkerName)
	if err != nil {
		return err
	}
	if pruned := m.pruneFinished(ctx, running); pruned > 0 {
		used, running, err = m.docker.UsedResources(ctx, m.cfg.WorkerName)
		if err != nil {
			return err
		}
	}

	avail := zimfarm.Resources{
		CPU:    max(0, m.cfg.Advertised.CPU-used.CPU),
		Memory: max(0, m.cfg.Advertised.Memory-used.Memory),
		Disk:   max(0, m.cfg.Advertised.Disk-used.Disk),
	}

	items, err := m.disp.PollRequested(ctx, m.cfg.WorkerName, avail, m.cfg.Offliners)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		m.log.Debug("nothing to run", "running", len(running),
			"avail_cpu", avail.CPU, "avail_memory", avail.Memory, "avail_disk", avail.Disk)
		return nil
	}

	for _, rt := range items {
		if !avail.Fits(rt.Config.Resources) {
			continue
		}
		task, err := m.disp.ReserveTask(ctx, rt.ID, m.cfg.WorkerName)
		if errors.Is(err, client.ErrAlreadyReserved) || errors.Is(err, client.ErrNotFound) {
			m.log.Info("lost reservation race", "requested_task", rt.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("reserve %s: %w", rt.ID, err)
		}
		return m.startTask(ctx, task)
	}
	return nil
}

// pruneFinished removes the containers of tasks whose worker container
// stopped and returns how many tasks it pruned.
func (m *Manager) pruneFinished(ctx context.Context, taskIDs []string) int {
	pruned := 0
	for _, id := range taskIDs {
		running, err := m.docker.IsRunning(ctx, dockerutil.ContainerName(id, dockerutil.IdentWorker))
		if err != nil {
			m.log.Warn("inspect task worker", "task", id, "error", err)
			continue
		}
		if running {
			continue
		}
		m.log.Info("pruning finished task", "task", id)
		if err := m.docker.PruneTask(ctx, id); err != nil {
			m.log.Warn("prune task", "task", id, "error", err)
			continue
		}
		pruned++
	}
	return pruned
}

func (m *Manager) startTask(ctx context.Context, task *zimfarm.Task) error {
	hostWorkdir := filepath.Join(m.cfg.HostWorkdir, task.ID)
	if err := os.MkdirAll(filepath.Join(m.cfg.Workdir, task.ID), 0o755); err != nil {
		return fmt.Errorf("create task workdir: %w", err)
	}
	_, err := m.docker.StartTaskWorker(ctx, task, dockerutil.TaskWorkerOptions{
		Image:          m.cfg.TaskWorkerImage,
		TaskID:         task.ID,
		HostWorkdir:    hostWorkdir,
		DockerSocket:   m.cfg.DockerSocket,
		PrivateKeyPath: m.cfg.PrivateKeyPath,
		DispatcherURL:  m.cfg.DispatcherURL,
		Username:       m.cfg.Username,
		WorkerName:     m.cfg.WorkerName,
		UploadURI:      m.cfg.UploadURI,
		UsePublicDNS:   m.cfg.UsePublicDNS,
	})
	if err != nil {
		return fmt.Errorf("start task worker: %w", err)
	}
	m.log.Info("task started", "task", task.ID, "schedule", task.ScheduleName)
	return nil
}

// relayCancels listens for cancel broadcasts and stops the matching task
// worker container, which tears the task down and reports canceled.
func (m *Manager) relayCancels(ctx context.Context) {
	for ctx.Err() == nil {
		ch, err := m.disp.Subscribe(ctx)
		if err != nil {
			m.log.Warn("broadcast subscribe", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
			continue
		}
		for msg := range ch {
			if msg.Topic != broadcast.TopicCancelRequested {
				continue
			}
			m.handleCancel(ctx, msg.Payload)
		}
	}
}

func (m *Manager) handleCancel(ctx context.Context, payload json.RawMessage) {
	var body struct {
		TaskID     string `json:"task_id"`
		CanceledBy string `json:"canceled_by"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.TaskID == "" {
		return
	}
	name := dockerutil.ContainerName(body.TaskID, dockerutil.IdentWorker)
	running, err := m.docker.IsRunning(ctx, name)
	if err != nil || !running {
		return
	}
	m.log.Info("cancel requested", "task", body.TaskID, "by", body.CanceledBy)
	if err := m.docker.Stop(ctx, name, cancelStopTimeout); err != nil {
		m.log.Warn("stop task worker", "task", body.TaskID, "error", err)
	}
}
