// Package telegram notifies a chat about finished workflows and accepts a
// few control commands from it.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/clipforge/internal/config"
	"github.com/mtzanidakis/clipforge/internal/natsbus"
	"github.com/mtzanidakis/clipforge/internal/scheduler"
	"github.com/mtzanidakis/clipforge/internal/workflow"
)

// Controller is the part of the scheduler the bot drives.
type Controller interface {
	Submit(ctx context.Context, req workflow.Request) (*workflow.Run, error)
	Get(id string) (*workflow.Run, error)
	Cancel(id string) (*workflow.Run, error)
}

type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	ctl     Controller
	chatID  atomic.Int64
	cancel  context.CancelFunc
	sub     *nats.Subscription
}

func NewBot(cfg config.TelegramConfig, ctl Controller) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	b := &Bot{bot: bot, ctl: ctl}
	b.chatID.Store(cfg.ChatID)
	return b, nil
}

// UpdateChatID switches the notification and command chat.
func (b *Bot) UpdateChatID(id int64) {
	b.chatID.Store(id)
}

// Subscribe forwards workflow events from the bus to the chat.
func (b *Bot) Subscribe(client *natsbus.Client) error {
	sub, err := client.Subscribe(natsbus.TopicEventsWorkflow, func(msg *nats.Msg) {
		b.handleEvent(context.Background(), msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe workflow events: %w", err)
	}
	b.sub = sub
	return nil
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go func() { _ = handler.Start() }()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) handleEvent(ctx context.Context, data []byte) {
	var ev scheduler.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("invalid workflow event", "error", err)
		return
	}
	if ev.Type != scheduler.EventFinished {
		return
	}
	chatID := b.chatID.Load()
	if chatID == 0 {
		return
	}
	if err := b.SendMessage(ctx, chatID, formatFinished(ev)); err != nil {
		slog.Error("failed to send telegram message", "chat", chatID, "error", err)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	chatID := msg.Chat.ID
	if allowed := b.chatID.Load(); allowed != 0 && chatID != allowed {
		slog.Warn("ignoring telegram message from unknown chat", "chat_id", chatID)
		return
	}
	cmd, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	reply := execute(ctx, b.ctl, cmd)
	if err := b.SendMessage(ctx, chatID, reply); err != nil {
		slog.Error("failed to reply on telegram", "chat", chatID, "error", err)
	}
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, 4096) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func formatFinished(ev scheduler.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Workflow %s %s (%s)\n", ev.WorkflowID, ev.Status, ev.Mode)
	if len(ev.Outputs) > 0 {
		sb.WriteString("\nOutputs:\n")
		for _, o := range ev.Outputs {
			sb.WriteString("- " + o + "\n")
		}
	}
	if len(ev.Errors) > 0 {
		sb.WriteString("\nErrors:\n")
		for _, e := range ev.Errors {
			sb.WriteString("- " + e + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
