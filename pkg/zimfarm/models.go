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

// Package zimfarm contains the shared data models used by the dispatcher,
// the worker manager, and the task worker: schedules, requested tasks,
// tasks, the event vocabulary, and the lifecycle transition table.
package zimfarm

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task. It is always derived from the
// last recorded event: status == events[len(events)-1].Code.
type Status string

const (
	StatusRequested        Status = "requested"
	StatusReserved         Status = "reserved"
	StatusStarted          Status = "started"
	StatusScraperStarted   Status = "scraper_started"
	StatusScraperCompleted Status = "scraper_completed"
	StatusCancelRequested  Status = "cancel_requested"
	StatusCanceled         Status = "canceled"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
)

// AllStatuses lists every lifecycle status, in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusRequested, StatusReserved, StatusStarted,
		StatusScraperStarted, StatusScraperCompleted,
		StatusCancelRequested, StatusCanceled,
		StatusSucceeded, StatusFailed,
	}
}

// Valid reports whether the status is part of the lifecycle vocabulary.
func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusReserved, StatusStarted,
		StatusScraperStarted, StatusScraperCompleted,
		StatusCancelRequested, StatusCanceled,
		StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further lifecycle event may follow.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// String returns the string value of the Status.
func (s Status) String() string { return string(s) }

// EventCode identifies a task event. Lifecycle codes share their name with
// the status they lead to; file codes never change the task status.
type EventCode string

const (
	EventRequested        EventCode = EventCode(StatusRequested)
	EventReserved         EventCode = EventCode(StatusReserved)
	EventStarted          EventCode = EventCode(StatusStarted)
	EventScraperStarted   EventCode = EventCode(StatusScraperStarted)
	EventScraperCompleted EventCode = EventCode(StatusScraperCompleted)
	EventCancelRequested  EventCode = EventCode(StatusCancelRequested)
	EventCanceled         EventCode = EventCode(StatusCanceled)
	EventSucceeded        EventCode = EventCode(StatusSucceeded)
	EventFailed           EventCode = EventCode(StatusFailed)

	EventCreatedFile  EventCode = "created_file"
	EventUploadedFile EventCode = "uploaded_file"
	EventFailedFile   EventCode = "failed_file"
)

// FileEventCodes lists the codes that update a file entry rather than the
// task status.
func FileEventCodes() []EventCode {
	return []EventCode{EventCreatedFile, EventUploadedFile, EventFailedFile}
}

// IsFileEvent reports whether the code is one of the file events.
func (c EventCode) IsFileEvent() bool {
	switch c {
	case EventCreatedFile, EventUploadedFile, EventFailedFile:
		return true
	default:
		return false
	}
}

// Valid reports whether the code belongs to the event vocabulary.
func (c EventCode) Valid() bool {
	if c.IsFileEvent() {
		return true
	}
	return Status(c).Valid()
}

// String returns the string value of the EventCode.
func (c EventCode) String() string { return string(c) }

// transitions maps a lifecycle event to the statuses it may be applied
// from. cancel_requested lists itself so that re-requesting a cancel is
// accepted (idempotent). File events are valid from any non-terminal
// status and are handled separately.
var transitions = map[EventCode][]Status{
	EventReserved:       {StatusRequested},
	EventStarted:        {StatusReserved},
	EventScraperStarted: {StatusStarted},
	EventScraperCompleted: {
		StatusScraperStarted,
	},
	EventCancelRequested: {
		StatusRequested, StatusReserved, StatusStarted,
		StatusScraperStarted, StatusScraperCompleted, StatusCancelRequested,
	},
	EventCanceled: {
		StatusCancelRequested, StatusReserved, StatusStarted,
		StatusScraperStarted, StatusScraperCompleted,
	},
	EventSucceeded: {StatusScraperCompleted},
	EventFailed: {
		StatusReserved, StatusStarted,
		StatusScraperStarted, StatusScraperCompleted, StatusCancelRequested,
	},
}

// CanTransition reports whether applying code on a task currently in from
// is a legal lifecycle transition.
func CanTransition(from Status, code EventCode) bool {
	if code.IsFileEvent() {
		return !from.IsTerminal()
	}
	allowed, ok := transitions[code]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == from {
			return true
		}
	}
	return false
}

// FileStatus is the upload state of one produced file.
type FileStatus string

const (
	FilePending   FileStatus = "pending"
	FileUploading FileStatus = "uploading"
	FileUploaded  FileStatus = "uploaded"
	FileFailed    FileStatus = "failed"
)

// String returns the string value of the FileStatus.
func (s FileStatus) String() string { return string(s) }

// Priority bounds for requested tasks; higher is scheduled first.
const (
	MinPriority = 0
	MaxPriority = 10
)

// Resources describes the reservation a scraper needs (or a worker offers).
// Memory, Disk and Shm are in bytes.
type Resources struct {
	CPU    int   `json:"cpu"`
	Memory int64 `json:"memory"`
	Disk   int64 `json:"disk"`
	Shm    int64 `json:"shm,omitempty"`
}

// Fits reports whether need can be satisfied by the receiver.
func (r Resources) Fits(need Resources) bool {
	return need.CPU <= r.CPU && need.Memory <= r.Memory && need.Disk <= r.Disk
}

// ImageRef names a scraper container image.
type ImageRef struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// String returns "name:tag".
func (i ImageRef) String() string { return i.Name + ":" + i.Tag }

// ScheduleConfig is the frozen recipe snapshot a requested task carries.
// Flags are offliner-specific and treated as opaque once validated at
// ingress; bools, strings, numbers and lists of strings are accepted.
type ScheduleConfig struct {
	TaskName      string                 `json:"task_name"`
	Image         ImageRef               `json:"image"`
	Flags         map[string]interface{} `json:"flags"`
	Resources     Resources              `json:"resources"`
	WarehousePath string                 `json:"warehouse_path"`
	Queue         string                 `json:"queue,omitempty"`

	// Filled by config expansion at request time.
	MountPoint string   `json:"mount_point,omitempty"`
	Command    []string `json:"command,omitempty"`
	StrCommand string   `json:"str_command,omitempty"`
	CapAdd     []string `json:"cap_add,omitempty"`
}

// Schedule is a named, reusable recipe describing how to build one archive.
// Beat, when set, is a cron expression driving periodic requests.
type Schedule struct {
	Name    string         `json:"name"`
	Enabled bool           `json:"enabled"`
	Config  ScheduleConfig `json:"config"`
	Beat    string         `json:"beat,omitempty"`
}

// Event is one entry of a task's append-only event log. Payload is kept
// opaque; the server stamps Timestamp.
type Event struct {
	Code      EventCode       `json:"code"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Timestamps records when each lifecycle event was (last) observed.
type Timestamps map[EventCode]time.Time

// RequestedTask is a schedule invocation waiting to be picked up.
// Worker, when non-empty, restricts reservation to that worker.
type RequestedTask struct {
	ID           string         `json:"_id"`
	ScheduleName string         `json:"schedule_name,omitempty"`
	Config       ScheduleConfig `json:"config"`
	RequestedBy  string         `json:"requested_by"`
	Priority     int            `json:"priority"`
	Worker       string         `json:"worker,omitempty"`
	Timestamp    Timestamps     `json:"timestamp"`
	Events       []Event        `json:"events"`
}

// ContainerInfo describes the scraper container of a running task.
type ContainerInfo struct {
	Image   string   `json:"image,omitempty"`
	Command []string `json:"command,omitempty"`
	Log     string   `json:"log,omitempty"`
}

// FileInfo tracks one produced file and its upload state.
type FileInfo struct {
	Name   string     `json:"name"`
	Size   int64      `json:"size"`
	Status FileStatus `json:"status"`
}

// Task is a reserved, running or completed invocation owned by exactly one
// worker. Its ID equals the RequestedTask it was promoted from.
type Task struct {
	ID           string              `json:"_id"`
	ScheduleName string              `json:"schedule_name,omitempty"`
	Config       ScheduleConfig      `json:"config"`
	RequestedBy  string              `json:"requested_by"`
	Priority     int                 `json:"priority"`
	Worker       string              `json:"worker"`
	Status       Status              `json:"status"`
	Timestamp    Timestamps          `json:"timestamp"`
	Events       []Event             `json:"events"`
	Container    ContainerInfo       `json:"container"`
	Files        map[string]FileInfo `json:"files,omitempty"`
	Debug        json.RawMessage     `json:"debug,omitempty"`
}

// Worker is a fleet node that pulls reservable tasks. Resources are what
// the node currently advertises as available.
type Worker struct {
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	LastSeen  time.Time `json:"last_seen"`
	Resources Resources `json:"resources"`
	Offliners []string  `json:"offliners"`
}

// User is a dispatcher account. Workers authenticate with a registered
// SSH public key, humans with a password.
type User struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"-"`
	Role         string   `json:"role"`
	SSHKeys      []string `json:"-"`
}

// ShortID returns the container-label friendly prefix of a task id.
func ShortID(id string) string {
	if len(id) <= 5 {
		return id
	}
	return id[:5]
}
