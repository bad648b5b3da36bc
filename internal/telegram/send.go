package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/mtzanidakis/clipforge/internal/workflow"
)

// chunkMessage splits text into pieces within maxLen, preferring line
// breaks in the second half of a piece.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

type command struct {
	name string
	args []string
	rest string
}

// parseCommand reads "/name[@bot] args...".
func parseCommand(text string) (command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return command{}, false
	}
	head, rest, _ := strings.Cut(text, " ")
	name, _, _ := strings.Cut(strings.TrimPrefix(head, "/"), "@")
	if name == "" {
		return command{}, false
	}
	rest = strings.TrimSpace(rest)
	return command{name: strings.ToLower(name), args: strings.Fields(rest), rest: rest}, true
}

const usage = `Commands:
/create <platforms> <prompt> - start a workflow, platforms comma separated
/status <workflow id>
/cancel <workflow id>`

func execute(ctx context.Context, ctl Controller, cmd command) string {
	switch cmd.name {
	case "create":
		if len(cmd.args) < 2 {
			return "usage: /create tiktok,youtube <prompt>"
		}
		prompt := strings.TrimSpace(strings.TrimPrefix(cmd.rest, cmd.args[0]))
		run, err := ctl.Submit(ctx, workflow.Request{
			Prompt:    prompt,
			Platforms: strings.Split(cmd.args[0], ","),
		})
		if err != nil {
			return "Could not start workflow: " + err.Error()
		}
		return fmt.Sprintf("Workflow %s accepted (%s)", run.ID, run.Mode)
	case "status":
		if len(cmd.args) != 1 {
			return "usage: /status <workflow id>"
		}
		run, err := ctl.Get(cmd.args[0])
		if err != nil {
			return err.Error()
		}
		return formatStatus(run)
	case "cancel":
		if len(cmd.args) != 1 {
			return "usage: /cancel <workflow id>"
		}
		run, err := ctl.Cancel(cmd.args[0])
		if err != nil {
			return "Could not cancel: " + err.Error()
		}
		return fmt.Sprintf("Workflow %s %s", run.ID, run.Status)
	default:
		return usage
	}
}

func formatStatus(run *workflow.Run) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Workflow %s: %s, %d%%\n", run.ID, run.Status, run.Progress)
	for _, t := range run.TaskTypes() {
		rec := run.Tasks[t]
		line := fmt.Sprintf("%s: %s", t, rec.Status)
		if rec.Reason != "" {
			line += " (" + rec.Reason + ")"
		}
		sb.WriteString(line + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
