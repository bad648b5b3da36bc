package container

import (
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/mtzanidakis/clipforge/internal/agent"
)

func TestSlotNaming(t *testing.T) {
	id := newSlotID(agent.MusicGeneration)
	if !strings.HasPrefix(id, "music-generation-") || len(id) != len("music-generation-")+8 {
		t.Errorf("unexpected slot id %q", id)
	}
	if other := newSlotID(agent.MusicGeneration); other == id {
		t.Error("expected unique slot ids")
	}
	if got := containerName("editing-1"); got != "clipforge-slot-editing-1" {
		t.Errorf("unexpected container name %q", got)
	}
}

func TestWorkerCommandAndLabels(t *testing.T) {
	cmd := workerCommand(agent.Editing, "editing-abc")
	want := []string{"worker", "--agent", "editing", "--slot", "editing-abc"}
	if !slices.Equal(cmd, want) {
		t.Errorf("got %v, want %v", cmd, want)
	}

	labels := slotLabels(agent.Editing, "editing-abc")
	if labels["clipforge.managed"] != "true" || labels["clipforge.agent"] != "editing" || labels["clipforge.slot"] != "editing-abc" {
		t.Errorf("unexpected labels %v", labels)
	}
}

func TestContainerEnv(t *testing.T) {
	t.Setenv("TZ", "")
	env := containerEnv(Options{
		NATSURL:     "nats://gateway:4222",
		ConfigPath:  "config/clipforge.yaml",
		ArtifactDir: "data/artifacts",
		Env:         map[string]string{"RUNWAY_REGION": "eu"},
	})
	for _, want := range []string{
		"CLIPFORGE_NATS_URL=nats://gateway:4222",
		"CLIPFORGE_CONFIG=/etc/clipforge/clipforge.yaml",
		"CLIPFORGE_ARTIFACT_DIR=/data/artifacts",
		"RUNWAY_REGION=eu",
	} {
		if !slices.Contains(env, want) {
			t.Errorf("missing %q in %v", want, env)
		}
	}

	env = containerEnv(Options{NATSURL: "nats://x:1"})
	if len(env) != 1 {
		t.Errorf("expected only the nats url, got %v", env)
	}
}

func TestBuildMounts(t *testing.T) {
	dir := t.TempDir()
	artifacts := filepath.Join(dir, "artifacts")
	cfgPath := filepath.Join(dir, "clipforge.yaml")

	binds := buildMounts(Options{ArtifactDir: artifacts, ConfigPath: cfgPath})
	want := []string{
		artifacts + ":/data/artifacts",
		cfgPath + ":/etc/clipforge/clipforge.yaml:ro",
	}
	if !slices.Equal(binds, want) {
		t.Errorf("got %v, want %v", binds, want)
	}

	if binds := buildMounts(Options{}); len(binds) != 0 {
		t.Errorf("expected no mounts, got %v", binds)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("got %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("got %q", got)
	}
}
