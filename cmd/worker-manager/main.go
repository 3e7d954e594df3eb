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
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"zimfarm/internal/logging"
	"zimfarm/internal/offliner"
	"zimfarm/internal/worker/client"
	"zimfarm/internal/worker/dockerutil"
	"zimfarm/internal/worker/manager"
	"zimfarm/pkg/zimfarm"
)

const defaultTaskWorkerImage = "openzim/zimfarm-task-worker:latest"

// Config holds runtime configuration for the worker manager. Values can
// be provided via environment variables and/or flags; flags take
// precedence.
type Config struct {
	DispatcherURL  string // DISPATCHER_URL
	Username       string // DISPATCHER_USERNAME
	WorkerName     string // WORKER_NAME
	Workdir        string // WORKDIR (as this process sees it)
	HostWorkdir    string // HOST_WORKDIR (as the docker daemon sees it)
	PrivateKeyPath string // PRIVATE_KEY
	DockerSocket   string // DOCKER_SOCKET

	CPUs      int   // ZIMFARM_CPUS
	Memory    int64 // ZIMFARM_MEMORY (bytes)
	DiskSpace int64 // ZIMFARM_DISK_SPACE (bytes)

	Offliners       string // OFFLINERS (comma separated; empty means all)
	UploadURI       string // UPLOAD_URI
	TaskWorkerImage string // TASK_WORKER_IMAGE
	UsePublicDNS    bool   // USE_PUBLIC_DNS
	PollInterval    time.Duration
	LogLevel        string // LOG_LEVEL
}

func defaultConfig() Config {
	return Config{
		DispatcherURL:   "http://localhost:8000",
		Workdir:         "/data",
		PrivateKeyPath:  "/etc/zimfarm/id_rsa",
		DockerSocket:    "/var/run/docker.sock",
		CPUs:            3,
		Memory:          2 << 30,
		DiskSpace:       100 << 30,
		UploadURI:       "sftp://warehouse.farm.openzim.org/data",
		TaskWorkerImage: defaultTaskWorkerImage,
		PollInterval:    30 * time.Second,
		LogLevel:        "info",
	}
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

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func parseConfig() Config {
	def := defaultConfig()

	cfg := Config{
		DispatcherURL:   getenv("DISPATCHER_URL", def.DispatcherURL),
		Username:        getenv("DISPATCHER_USERNAME", def.Username),
		WorkerName:      getenv("WORKER_NAME", def.WorkerName),
		Workdir:         getenv("WORKDIR", def.Workdir),
		HostWorkdir:     getenv("HOST_WORKDIR", ""),
		PrivateKeyPath:  getenv("PRIVATE_KEY", def.PrivateKeyPath),
		DockerSocket:    getenv("DOCKER_SOCKET", def.DockerSocket),
		CPUs:            getenvInt("ZIMFARM_CPUS", def.CPUs),
		Memory:          getenvInt64("ZIMFARM_MEMORY", def.Memory),
		DiskSpace:       getenvInt64("ZIMFARM_DISK_SPACE", def.DiskSpace),
		Offliners:       getenv("OFFLINERS", ""),
		UploadURI:       getenv("UPLOAD_URI", def.UploadURI),
		TaskWorkerImage: getenv("TASK_WORKER_IMAGE", def.TaskWorkerImage),
		UsePublicDNS:    getenvBool("USE_PUBLIC_DNS", false),
		PollInterval:    getenvDuration("POLL_INTERVAL", def.PollInterval),
		LogLevel:        getenv("LOG_LEVEL", def.LogLevel),
	}

	flag.StringVar(&cfg.DispatcherURL, "dispatcher-url", cfg.DispatcherURL, "Dispatcher base URL (env DISPATCHER_URL)")
	flag.StringVar(&cfg.Username, "username", cfg.Username, "Dispatcher account username (env DISPATCHER_USERNAME)")
	flag.StringVar(&cfg.WorkerName, "worker-name", cfg.WorkerName, "Worker name (env WORKER_NAME)")
	flag.StringVar(&cfg.Workdir, "workdir", cfg.Workdir, "Task working directory (env WORKDIR)")
	flag.StringVar(&cfg.HostWorkdir, "host-workdir", cfg.HostWorkdir, "Workdir as the docker daemon sees it (env HOST_WORKDIR)")
	flag.StringVar(&cfg.PrivateKeyPath, "private-key", cfg.PrivateKeyPath, "SSH private key path (env PRIVATE_KEY)")
	flag.StringVar(&cfg.DockerSocket, "docker-socket", cfg.DockerSocket, "Docker socket path (env DOCKER_SOCKET)")
	flag.IntVar(&cfg.CPUs, "cpus", cfg.CPUs, "Advertised CPU count (env ZIMFARM_CPUS)")
	flag.Int64Var(&cfg.Memory, "memory", cfg.Memory, "Advertised memory in bytes (env ZIMFARM_MEMORY)")
	flag.Int64Var(&cfg.DiskSpace, "disk", cfg.DiskSpace, "Advertised disk in bytes (env ZIMFARM_DISK_SPACE)")
	flag.StringVar(&cfg.Offliners, "offliners", cfg.Offliners, "Comma separated offliners to run, empty for all (env OFFLINERS)")
	flag.StringVar(&cfg.UploadURI, "upload-uri", cfg.UploadURI, "Warehouse upload URI (env UPLOAD_URI)")
	flag.StringVar(&cfg.TaskWorkerImage, "task-worker-image", cfg.TaskWorkerImage, "Task worker image (env TASK_WORKER_IMAGE)")
	flag.BoolVar(&cfg.UsePublicDNS, "use-public-dns", cfg.UsePublicDNS, "Bypass local resolvers in scrapers (env USE_PUBLIC_DNS)")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Dispatcher poll interval (env POLL_INTERVAL)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: info|debug (env LOG_LEVEL)")

	flag.Parse()
	return cfg
}

func offliners(csv string) ([]string, error) {
	if csv == "" {
		return offliner.All(), nil
	}
	var out []string
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !offliner.Known(name) {
			return nil, fmt.Errorf("unknown offliner %q", name)
		}
		out = append(out, name)
	}
	return out, nil
}

func run() error {
	cfg := parseConfig()
	log := logging.New(cfg.LogLevel)

	if cfg.Username == "" || cfg.WorkerName == "" {
		return errors.New("DISPATCHER_USERNAME and WORKER_NAME are required")
	}
	if cfg.HostWorkdir == "" {
		cfg.HostWorkdir = cfg.Workdir
	}

	selected, err := offliners(cfg.Offliners)
	if err != nil {
		return err
	}

	keyPEM, err := os.ReadFile(cfg.PrivateKeyPath)
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

	m := manager.New(manager.Config{
		WorkerName: cfg.WorkerName,
		Advertised: zimfarm.Resources{
			CPU:    cfg.CPUs,
			Memory: cfg.Memory,
			Disk:   cfg.DiskSpace,
		},
		Offliners:       selected,
		Workdir:         cfg.Workdir,
		HostWorkdir:     cfg.HostWorkdir,
		DockerSocket:    cfg.DockerSocket,
		PrivateKeyPath:  cfg.PrivateKeyPath,
		DispatcherURL:   cfg.DispatcherURL,
		Username:        cfg.Username,
		UploadURI:       cfg.UploadURI,
		TaskWorkerImage: cfg.TaskWorkerImage,
		UsePublicDNS:    cfg.UsePublicDNS,
		PollInterval:    cfg.PollInterval,
	}, engine, api, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.CheckEnvironment(ctx); err != nil {
		return err
	}
	log.Info("worker manager starting",
		"worker", cfg.WorkerName, "dispatcher", cfg.DispatcherURL,
		"cpu", cfg.CPUs, "memory", cfg.Memory, "disk", cfg.DiskSpace,
		"offliners", strings.Join(selected, ","))

	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker manager stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker-manager:", err)
		os.Exit(1)
	}
}
