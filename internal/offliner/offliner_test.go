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

package offliner

import (
	"reflect"
	"testing"

	"zimfarm/pkg/zimfarm"
)

func TestMountPointFor(t *testing.T) {
	cases := map[string]string{
		Phet:       "/phet/dist",
		Sotoki:     "/work",
		MWOffliner: "/output",
		Zimit:      "/output",
	}
	for offliner, want := range cases {
		if got := MountPointFor(offliner); got != want {
			t.Errorf("MountPointFor(%s) = %s, want %s", offliner, got, want)
		}
	}
}

func TestComputeFlags(t *testing.T) {
	flags := map[string]interface{}{
		"verbose": true,
		"webp":    false,
		"format":  []interface{}{"nopic", "novid"},
		"mwUrl":   "https://fr.wikipedia.org",
	}
	got := ComputeFlags(flags, true)
	want := []string{
		`--format="nopic"`,
		`--format="novid"`,
		`--mwUrl="https://fr.wikipedia.org"`,
		"--verbose",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ComputeFlags = %v, want %v", got, want)
	}
}

func TestComputeFlagsNoEquals(t *testing.T) {
	got := ComputeFlags(map[string]interface{}{"name": "demo"}, false)
	want := []string{"--name", "demo"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ComputeFlags = %v, want %v", got, want)
	}
}

func TestCommandForMWOffliner(t *testing.T) {
	flags := map[string]interface{}{"mwUrl": "https://en.wikipedia.org"}
	got, err := CommandFor(MWOffliner, flags, "/output")
	if err != nil {
		t.Fatalf("CommandFor: %v", err)
	}
	want := []string{"mwoffliner", `--mwUrl="https://en.wikipedia.org"`, `--outputDirectory="/output"`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("command = %v, want %v", got, want)
	}
}

func TestCommandForPhet(t *testing.T) {
	got, err := CommandFor(Phet, map[string]interface{}{"ignored": true}, "/phet/dist")
	if err != nil {
		t.Fatalf("CommandFor: %v", err)
	}
	want := []string{"/bin/bash", "-c", "'cd /phet && npm i && npm start'"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("command = %v, want %v", got, want)
	}
}

func TestCommandForSotoki(t *testing.T) {
	flags := map[string]interface{}{
		"domain":  "askubuntu.com",
		"threads": "4",
	}
	got, err := CommandFor(Sotoki, flags, "/work")
	if err != nil {
		t.Fatalf("CommandFor: %v", err)
	}
	want := []string{"sotoki", "askubuntu.com", "Kiwix", `--threads="4"`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("command = %v, want %v", got, want)
	}
	// input flags kept intact
	if _, ok := flags["domain"]; !ok {
		t.Error("sotoki consumed caller's flag map")
	}

	if _, err := CommandFor(Sotoki, map[string]interface{}{}, "/work"); err == nil {
		t.Error("missing domain accepted")
	}
}

func TestCommandForGutenberg(t *testing.T) {
	flags := map[string]interface{}{"one-language-one-zim": true}
	got, err := CommandFor(Gutenberg, flags, "/output")
	if err != nil {
		t.Fatalf("CommandFor: %v", err)
	}
	want := []string{"gutenberg2zim", `--one-language-one-zim="/output"`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("command = %v, want %v", got, want)
	}

	flags = map[string]interface{}{"one-language-one-zim": false}
	got, err = CommandFor(Gutenberg, flags, "/output")
	if err != nil {
		t.Fatalf("CommandFor: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"gutenberg2zim"}) {
		t.Errorf("command = %v, want bare gutenberg2zim", got)
	}
}

func TestCommandForZimitDefaults(t *testing.T) {
	flags := map[string]interface{}{"url": "https://example.com"}
	got, err := CommandFor(Zimit, flags, "/output")
	if err != nil {
		t.Fatalf("CommandFor: %v", err)
	}
	want := []string{
		"zimit",
		`--adminEmail="contact+zimfarm@kiwix.org"`,
		`--output="/output"`,
		`--statsFilename="/output/task_progress.json"`,
		`--url="https://example.com"`,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("command = %v, want %v", got, want)
	}
}

func TestCommandForUnknown(t *testing.T) {
	if _, err := CommandFor("teleporter", nil, "/output"); err == nil {
		t.Error("unknown offliner accepted")
	}
}

func TestExpandConfigZimit(t *testing.T) {
	cfg := zimfarm.ScheduleConfig{
		TaskName: Zimit,
		Image:    zimfarm.ImageRef{Name: "openzim/zimit", Tag: "1.0"},
		Flags:    map[string]interface{}{"url": "https://example.com"},
		Resources: zimfarm.Resources{
			CPU:    3,
			Memory: 2 << 30,
			Disk:   10 << 30,
		},
	}
	out, err := ExpandConfig(cfg)
	if err != nil {
		t.Fatalf("ExpandConfig: %v", err)
	}
	if out.MountPoint != "/output" {
		t.Errorf("mount point = %s", out.MountPoint)
	}
	if !reflect.DeepEqual(out.CapAdd, []string{"SYS_ADMIN", "NET_ADMIN"}) {
		t.Errorf("cap_add = %v", out.CapAdd)
	}
	if out.Resources.Shm != 1<<30 {
		t.Errorf("shm = %d, want 1GiB", out.Resources.Shm)
	}
	if out.StrCommand == "" || out.Command[0] != "zimit" {
		t.Errorf("command not expanded: %v", out.Command)
	}
}

func TestExpandConfigShmClamp(t *testing.T) {
	cfg := zimfarm.ScheduleConfig{
		TaskName:  Zimit,
		Flags:     map[string]interface{}{"url": "https://example.com"},
		Resources: zimfarm.Resources{CPU: 1, Memory: 512 << 20, Disk: 1 << 30, Shm: 4 << 30},
	}
	out, err := ExpandConfig(cfg)
	if err != nil {
		t.Fatalf("ExpandConfig: %v", err)
	}
	// largest of config and offliner shm, capped by memory
	if out.Resources.Shm != 512<<20 {
		t.Errorf("shm = %d, want clamped to memory", out.Resources.Shm)
	}
}

func TestExpandConfigPlain(t *testing.T) {
	cfg := zimfarm.ScheduleConfig{
		TaskName:  TED,
		Flags:     map[string]interface{}{"topics": "technology"},
		Resources: zimfarm.Resources{CPU: 1, Memory: 1 << 30, Disk: 1 << 30},
	}
	out, err := ExpandConfig(cfg)
	if err != nil {
		t.Fatalf("ExpandConfig: %v", err)
	}
	if out.Resources.Shm != 0 {
		t.Errorf("shm = %d, want 0", out.Resources.Shm)
	}
	if out.CapAdd != nil {
		t.Errorf("cap_add = %v, want none", out.CapAdd)
	}
}
