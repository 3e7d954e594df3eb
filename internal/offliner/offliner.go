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

// Package offliner turns a schedule's offliner name and flag map into the
// concrete docker invocation: mount point, command line and container
// options. Expansion happens once, at request time, so the frozen config a
// worker receives is fully self-describing.
package offliner

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"zimfarm/pkg/zimfarm"
)

// Known offliner names.
const (
	MWOffliner = "mwoffliner"
	Youtube    = "youtube"
	TED        = "ted"
	OpenEdx    = "openedx"
	Nautilus   = "nautilus"
	Gutenberg  = "gutenberg"
	Phet       = "phet"
	Sotoki     = "sotoki"
	Zimit      = "zimit"
)

// All lists every supported offliner.
func All() []string {
	return []string{MWOffliner, Youtube, TED, OpenEdx, Nautilus, Gutenberg, Phet, Sotoki, Zimit}
}

// Known reports whether name is a supported offliner.
func Known(name string) bool {
	for _, o := range All() {
		if o == name {
			return true
		}
	}
	return false
}

const defaultAdminEmail = "contact+zimfarm@kiwix.org"

// MountPointFor returns the path inside the scraper container where the
// task volume must be mounted.
func MountPointFor(offliner string) string {
	switch offliner {
	case Phet:
		return "/phet/dist"
	case Sotoki:
		return "/work"
	default:
		return "/output"
	}
}

// CommandFor builds the docker run command for an offliner. flags may be
// mutated (output flags are injected). Flag order is lexicographic so the
// command is stable across runs.
func CommandFor(offliner string, flags map[string]interface{}, mountPoint string) ([]string, error) {
	switch offliner {
	case Phet:
		return []string{"/bin/bash", "-c", "'cd /phet && npm i && npm start'"}, nil
	case Sotoki:
		rest := make(map[string]interface{}, len(flags))
		for k, v := range flags {
			rest[k] = v
		}
		domain, ok := rest["domain"].(string)
		if !ok || domain == "" {
			return nil, fmt.Errorf("sotoki: missing domain flag")
		}
		delete(rest, "domain")
		publisher := "Kiwix"
		if p, ok := rest["publisher"].(string); ok && p != "" {
			publisher = p
		}
		delete(rest, "publisher")
		return append([]string{"sotoki", domain, publisher}, ComputeFlags(rest, true)...), nil
	}

	var cmd string
	switch offliner {
	case Gutenberg:
		cmd = "gutenberg2zim"
		// multiple-ZIM mode expects a directory; single mode writes to cwd
		switch v := flags["one-language-one-zim"].(type) {
		case bool:
			if v {
				flags["one-language-one-zim"] = mountPoint
			} else {
				delete(flags, "one-language-one-zim")
			}
		}
	case MWOffliner:
		cmd = "mwoffliner"
		flags["outputDirectory"] = mountPoint
	case Youtube:
		cmd = "youtube2zim-playlists"
		flags["output"] = mountPoint
	case TED:
		cmd = "ted2zim-multi"
		flags["output"] = mountPoint
	case OpenEdx:
		cmd = "openedx2zim"
		flags["output"] = mountPoint
	case Nautilus:
		cmd = "nautiluszim"
		flags["output"] = mountPoint
	case Zimit:
		cmd = "zimit"
		if _, ok := flags["adminEmail"]; !ok {
			flags["adminEmail"] = defaultAdminEmail
		}
		flags["statsFilename"] = path.Join(MountPointFor(offliner), "task_progress.json")
		flags["output"] = mountPoint
	default:
		return nil, fmt.Errorf("unknown offliner %q", offliner)
	}
	return append([]string{cmd}, ComputeFlags(flags, true)...), nil
}

// ComputeFlags flattens a flag map into command line parameters. true
// becomes a bare --key, false is omitted, lists repeat the flag per item.
// With useEquals, values are attached as --key="value"; otherwise the value
// follows as a separate argument.
func ComputeFlags(flags map[string]interface{}, useEquals bool) []string {
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var params []string
	appendOne := func(key string, value interface{}) {
		if useEquals {
			params = append(params, fmt.Sprintf("--%s=%q", key, fmt.Sprintf("%v", value)))
		} else {
			params = append(params, "--"+key, fmt.Sprintf("%v", value))
		}
	}
	for _, key := range keys {
		switch v := flags[key].(type) {
		case bool:
			if v {
				params = append(params, "--"+key)
			}
		case []interface{}:
			for _, item := range v {
				appendOne(key, item)
			}
		case []string:
			for _, item := range v {
				appendOne(key, item)
			}
		default:
			appendOne(key, v)
		}
	}
	return params
}

// dockerOptions holds per-offliner container requirements.
type dockerOptions struct {
	CapAdd []string
	Shm    int64
}

// --shm-size sets /dev/shm and is taken out of --memory when both are set
func dockerOptionsFor(offliner string) dockerOptions {
	if offliner == Zimit {
		return dockerOptions{
			CapAdd: []string{"SYS_ADMIN", "NET_ADMIN"},
			Shm:    1 << 30,
		}
	}
	return dockerOptions{}
}

// ExpandConfig fills the derived fields of a schedule config: mount point,
// command, str_command, cap_add and the effective shm reservation. The
// larger of the offliner rule's shm and the configured shm wins, clamped
// to the memory reservation.
func ExpandConfig(cfg zimfarm.ScheduleConfig) (zimfarm.ScheduleConfig, error) {
	if cfg.Flags == nil {
		cfg.Flags = map[string]interface{}{}
	}
	cfg.MountPoint = MountPointFor(cfg.TaskName)

	cmd, err := CommandFor(cfg.TaskName, cfg.Flags, cfg.MountPoint)
	if err != nil {
		return cfg, err
	}
	cfg.Command = cmd
	cfg.StrCommand = strings.Join(cmd, " ")

	opts := dockerOptionsFor(cfg.TaskName)
	cfg.CapAdd = opts.CapAdd

	shm := cfg.Resources.Shm
	if opts.Shm > shm {
		shm = opts.Shm
	}
	if shm > cfg.Resources.Memory {
		shm = cfg.Resources.Memory
	}
	cfg.Resources.Shm = shm

	return cfg, nil
}
