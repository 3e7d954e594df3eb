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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/crypto/ssh"

	"zimfarm/internal/broadcast"
	"zimfarm/internal/logging"
	"zimfarm/internal/worker/client"
	"zimfarm/internal/worker/dockerutil"
	"zimfarm/internal/worker/orchestrator"
)

// Config holds runtime configuration for the task worker. It normally
// runs inside the container the manager starts for it, so everything
// comes from the environment; flags exist for running it by hand.
type Config struct {
	TaskID        string // TASK_ID
	DispatcherURL string // DISPATCHER_URL
	Username      string // DISPATCHER_USERNAME
	WorkerName    string // WORKER_NAME
	Workdir       string // WORKDIR (as this process sees it)
	HostWorkdir   string // HOST_WORKDIR (as the docker daemon sees it)
	PrivateKey    string // PRIVATE_KEY
	UploadURI     string // UPLOAD_URI
	UsePublicDNS  bool   // USE_PUBLIC_DNS
	LogLevel      string // LOG_LEVEL
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseConfig() Config {
	cfg := Config{
		TaskID:        getenv("TASK_ID", ""),
		DispatcherURL: getenv("DISPATCHER_URL", "http://localhost:8000"),
		Username:      getenv("DISPATCHER_USERNAME", ""),
		WorkerName:    getenv("WORKER_NAME", ""),
		Workdir:       getenv("WORKDIR", "/data"),
		HostWorkdir:   getenv("HOST_WORKDIR", ""),
		PrivateKey:    getenv("PRIVATE_KEY", "/etc/zimfarm/id_rsa"),
		UploadURI:     getenv("UPLOAD_URI", "sftp://warehouse.farm.openzim.org/data"),
		UsePublicDNS:  getenvBool("USE_PUBLIC_DNS", false),
		LogLevel:      getenv("LOG_LEVEL", "info"),
	}

	flag.StringVar(&cfg.TaskID, "task-id", cfg.TaskID, "Task to run (env TASK_ID)")
	flag.StringVar(&cfg.DispatcherURL, "dispatcher-url", cfg.DispatcherURL, "Dispatcher base URL (env DISPATCHER_URL)")
	flag.StringVar(&cfg.Username, "username", cfg.Username, "Dispatcher account username (env DISPATCHER_USERNAME)")
	flag.StringVar(&cfg.WorkerName, "worker-name", cfg.WorkerName, "Worker name (env WORKER_NAME)")
	flag.StringVar(&cfg.Workdir, "workdir", cfg.Workdir, "Task working directory (env WORKDIR)")
	flag.StringVar(&cfg.HostWorkdir, "host-workdir", cfg.HostWorkdir, "Workdir as the docker daemon sees it (env HOST_WORKDIR)")
	flag.StringVar(&cfg.PrivateKey, "private-key", cfg.PrivateKey, "SSH private key path (env PRIVATE_KEY)")
	flag.StringVar(&cfg.UploadURI, "upload-uri", cfg.UploadURI, "Warehouse upload URI (env UPLOAD_URI)")
	flag.BoolVar(&cfg.UsePublicDNS, "use-public-dns", cfg.UsePublicDNS, "Bypass local resolvers (env USE_PUBLIC_DNS)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: info|debug (env LOG_LEVEL)")

	flag.Parse()
	return cfg
}

func run() error {
	cfg := parseConfig()
	log := logging.New(cfg.LogLevel)

	if cfg.TaskID == "" || cfg.Username == "" || cfg.WorkerName == "" {
		return errors.New("TASK_ID, DISPATCHER_USERNAME and WORKER_NAME are required")
	}
	if cfg.HostWorkdir == "" {
		cfg.HostWorkdir = cfg.Workdir
	}

	keyPEM, err := os.ReadFile(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	api, err := client.New(cfg.DispatcherURL, cfg.Username, signer, log)
	if err != nil {
		return fmt.Errorf("dispatcher client: %w", err)
	}

	engine, err := dockerutil.NewEngine()
	if err != nil {
		return err
	}

	o := orchestrator.New(orchestrator.Config{
		TaskID:       cfg.TaskID,
		WorkerName:   cfg.WorkerName,
		Workdir:      cfg.Workdir,
		HostWorkdir:  cfg.HostWorkdir,
		UploadURI:    cfg.UploadURI,
		UsePublicDNS: cfg.UsePublicDNS,
	}, engine, api, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go relayCancels(ctx, api, cfg.TaskID, o, log)

	log.Info("task worker starting", "task", cfg.TaskID, "worker", cfg.WorkerName)
	return o.Run(ctx)
}

// relayCancels listens for a cancel broadcast naming this task and passes
// the canceling user to the orchestrator.
func relayCancels(ctx context.Context, api *client.Client, taskID string, o *orchestrator.Orchestrator, log *slog.Logger) {
	ch, err := api.Subscribe(ctx)
	if err != nil {
		log.Debug("broadcast subscribe", "error", err)
		return
	}
	for msg := range ch {
		if msg.Topic != broadcast.TopicCancelRequested {
			continue
		}
		var body struct {
			TaskID     string `json:"task_id"`
			CanceledBy string `json:"canceled_by"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil || body.TaskID != taskID {
			continue
		}
		o.Cancel(body.CanceledBy)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "task-worker:", err)
		os.Exit(1)
	}
}
