package agent

import "fmt"

// Type identifies one of the ten specialist agents.
type Type string

const (
	ContentAnalysis Type = "content-analysis"
	VideoGeneration Type = "video-generation"
	MusicGeneration Type = "music-generation"
	ImageGeneration Type = "image-generation"
	VoiceSpeech     Type = "voice-speech"
	Editing         Type = "editing"
	Optimization    Type = "optimization"
	SocialMedia     Type = "social-media"
	Analytics       Type = "analytics"
	Safety          Type = "safety"
)

// canonical order, used for stable iteration and tie-breaks
var allTypes = []Type{
	ContentAnalysis,
	VideoGeneration,
	MusicGeneration,
	ImageGeneration,
	VoiceSpeech,
	Editing,
	Optimization,
	SocialMedia,
	Analytics,
	Safety,
}

// AllTypes returns every agent type in canonical order.
func AllTypes() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// Index returns the canonical position of t, or -1 for unknown types.
func (t Type) Index() int {
	for i, x := range allTypes {
		if x == t {
			return i
		}
	}
	return -1
}

func (t Type) Valid() bool {
	return t.Index() >= 0
}

func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown agent type %q", s)
	}
	return t, nil
}

// Priority is the scheduling tie-break class of an agent.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities, lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// Status is the runtime state of an adapter instance.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Descriptor is the immutable registration record of an agent.
type Descriptor struct {
	Type         Type     `json:"type"`
	Priority     Priority `json:"priority"`
	Concurrent   bool     `json:"concurrent"`
	Capabilities []string `json:"capabilities"`
	Weight       int      `json:"weight"`
	Kind         string   `json:"kind"`
}

// DefaultDescriptors returns the built-in registration of all ten agents.
func DefaultDescriptors() map[Type]Descriptor {
	d := func(t Type, p Priority, concurrent bool, caps ...string) Descriptor {
		return Descriptor{Type: t, Priority: p, Concurrent: concurrent, Capabilities: caps, Weight: 1, Kind: KindSimulated}
	}
	return map[Type]Descriptor{
		ContentAnalysis: d(ContentAnalysis, PriorityHigh, true, "prompt-analysis", "script-outline", "keyword-extraction"),
		VideoGeneration: d(VideoGeneration, PriorityHigh, true, "text-to-video", "scene-composition"),
		MusicGeneration: d(MusicGeneration, PriorityNormal, true, "background-score", "beat-matching"),
		ImageGeneration: d(ImageGeneration, PriorityNormal, true, "thumbnail", "frame-art"),
		VoiceSpeech:     d(VoiceSpeech, PriorityNormal, true, "text-to-speech", "voiceover"),
		Editing:         d(Editing, PriorityHigh, false, "timeline-assembly", "transitions", "captions"),
		Optimization:    d(Optimization, PriorityNormal, true, "platform-encoding", "aspect-ratio"),
		SocialMedia:     d(SocialMedia, PriorityHigh, true, "publishing", "scheduling"),
		Analytics:       d(Analytics, PriorityLow, true, "engagement-forecast"),
		Safety:          d(Safety, PriorityNormal, true, "content-moderation", "copyright-check"),
	}
}
