package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/clipforge/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// NATSAdapter forwards tasks to a worker slot over NATS request/reply.
type NATSAdapter struct {
	client *natsbus.Client
	slotID string
}

func NewNATSAdapter(client *natsbus.Client, slotID string) *NATSAdapter {
	return &NATSAdapter{client: client, slotID: slotID}
}

func (a *NATSAdapter) Execute(ctx context.Context, task Task) (Result, error) {
	var reply Reply
	err := a.client.RequestJSON(ctx, natsbus.TopicSlotExecute(a.slotID), task, &reply)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		if errors.Is(err, nats.ErrNoResponders) {
			return Result{}, &Failure{Reason: "worker slot not responding", Err: err}
		}
		return Result{}, &Failure{Reason: "worker request failed", Err: err}
	}
	return reply.unwrap()
}

func (a *NATSAdapter) Health(ctx context.Context) error {
	var out struct {
		OK   bool   `json:"ok"`
		Type string `json:"type"`
	}
	if err := a.client.RequestJSON(ctx, natsbus.TopicSlotHealth(a.slotID), struct{}{}, &out); err != nil {
		return fmt.Errorf("slot %s health: %w", a.slotID, err)
	}
	if !out.OK {
		return fmt.Errorf("slot %s reported unhealthy", a.slotID)
	}
	return nil
}

// Serve answers execute and health requests for slotID until ctx is done.
// It is the worker-side counterpart of NATSAdapter.
func Serve(ctx context.Context, client *natsbus.Client, slotID string, inst *Instance) error {
	execSub, err := client.Subscribe(natsbus.TopicSlotExecute(slotID), func(msg *nats.Msg) {
		var task Task
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			respond(msg, Reply{Error: "invalid task payload", Permanent: true})
			return
		}
		slog.Info("worker executing task", "slot", slotID, "agent", task.Type, "task", task.ID)
		res, err := inst.Run(ctx, task)
		respond(msg, ReplyFor(res, err))
	})
	if err != nil {
		return fmt.Errorf("subscribe execute: %w", err)
	}
	defer execSub.Unsubscribe()

	healthSub, err := client.Subscribe(natsbus.TopicSlotHealth(slotID), func(msg *nats.Msg) {
		ok := true
		if hc, isHC := inst.Adapter().(HealthChecker); isHC {
			ok = hc.Health(ctx) == nil
		}
		data, _ := json.Marshal(map[string]any{"ok": ok, "type": inst.Descriptor().Type})
		_ = msg.Respond(data)
	})
	if err != nil {
		return fmt.Errorf("subscribe health: %w", err)
	}
	defer healthSub.Unsubscribe()

	if err := client.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	slog.Info("worker slot serving", "slot", slotID, "agent", inst.Descriptor().Type)
	<-ctx.Done()
	return nil
}

func respond(msg *nats.Msg, reply Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		slog.Error("failed to marshal worker reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn("failed to send worker reply", "error", err)
	}
}
