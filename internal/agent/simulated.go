package agent

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

var artifactExt = map[Type]string{
	ContentAnalysis: "script.json",
	VideoGeneration: "raw.mp4",
	MusicGeneration: "score.mp3",
	ImageGeneration: "thumbnail.png",
	VoiceSpeech:     "voiceover.wav",
	Editing:         "edit.mp4",
	Analytics:       "forecast.json",
	Safety:          "moderation.json",
}

// Simulated is the in-process adapter used when no remote backend is
// configured. It sleeps for Latency and emits artifact references under
// ArtifactRoot.
type Simulated struct {
	Type         Type
	Latency      time.Duration
	FailureRate  float64
	ArtifactRoot string
}

func NewSimulated(t Type, latency time.Duration, failureRate float64, root string) *Simulated {
	if root == "" {
		root = "artifacts"
	}
	return &Simulated{Type: t, Latency: latency, FailureRate: failureRate, ArtifactRoot: root}
}

func (s *Simulated) Execute(ctx context.Context, task Task) (Result, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	if s.FailureRate > 0 && rand.Float64() < s.FailureRate {
		return Result{}, Failf("%s backend rejected the task", s.Type)
	}

	dir := path.Join(s.ArtifactRoot, task.WorkflowID)
	res := Result{
		Summary: fmt.Sprintf("%s finished for %q", s.Type, truncate(task.Prompt, 60)),
		Data:    map[string]any{"inputs": inputNames(task.Inputs)},
	}

	switch s.Type {
	case Optimization:
		for _, p := range sortedPlatforms(task.Platforms) {
			res.Artifacts = append(res.Artifacts, path.Join(dir, "optimized-"+p+".mp4"))
		}
	case SocialMedia:
		for _, p := range sortedPlatforms(task.Platforms) {
			res.Artifacts = append(res.Artifacts, fmt.Sprintf("post://%s/%s", p, task.WorkflowID))
		}
	default:
		res.Artifacts = []string{path.Join(dir, string(s.Type)+"-"+artifactExt[s.Type])}
	}
	return res, nil
}

func (s *Simulated) Health(ctx context.Context) error {
	return ctx.Err()
}

func inputNames(in map[Type]Result) []string {
	names := make([]string, 0, len(in))
	for t := range in {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

func sortedPlatforms(p []string) []string {
	out := append([]string(nil), p...)
	sort.Strings(out)
	return out
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
