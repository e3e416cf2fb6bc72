package control

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"tgcast/internal/broadcast"
	"tgcast/internal/eventbus"
	kit "tgcast/internal/transport"
	logx "tgcast/pkg/logx"
)

// Notifier pushes campaign outcomes to the owners' chats.
type Notifier struct {
	adapter kit.Adapter
	log     logx.Logger

	mu      sync.Mutex
	targets []int64
}

func NewNotifier(adapter kit.Adapter, targets []int64, log logx.Logger) *Notifier {
	n := &Notifier{adapter: adapter, log: log.With(logx.String("comp", "control.notify"))}
	n.SetTargets(targets)
	return n
}

// SetTargets replaces the chat ids that receive notifications. Duplicates
// and zero ids are dropped.
func (n *Notifier) SetTargets(targets []int64) {
	seen := map[int64]bool{}
	var out []int64
	for _, t := range targets {
		if t == 0 || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	n.mu.Lock()
	n.targets = out
	n.mu.Unlock()
}

// Run forwards bus events until ctx ends.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if text := renderEvent(ev); text != "" {
				n.broadcast(ctx, text)
			}
		}
	}
}

func (n *Notifier) broadcast(ctx context.Context, text string) {
	n.mu.Lock()
	targets := append([]int64(nil), n.targets...)
	n.mu.Unlock()
	for _, id := range targets {
		if _, err := n.adapter.SendText(ctx, kit.ChatTarget{ChatID: id}, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
			n.log.Warn("notification failed", logx.Int64("chat_id", id), logx.Err(err))
		}
	}
}

func renderEvent(ev eventbus.Event) string {
	d, _ := ev.Data.(broadcast.EventData)
	name := html.EscapeString(ev.CampaignID)
	if d.Title != "" {
		name = html.EscapeString(d.Title) + " (<code>" + html.EscapeString(shortID(ev.CampaignID)) + "</code>)"
	}
	switch ev.Type {
	case eventbus.CampaignFinished:
		return fmt.Sprintf("✅ Campaign %s finished in %s\nsent %d · failed %d · skipped %d · joined %d",
			name, d.Took.Round(time.Second), d.Stats.Sent, d.Stats.Failed, d.Stats.Skipped, d.Stats.Joined)
	case eventbus.CampaignErrored:
		return fmt.Sprintf("❌ Campaign %s failed: %s\nsent %d · failed %d",
			name, html.EscapeString(d.Error), d.Stats.Sent, d.Stats.Failed)
	case eventbus.CampaignStopped:
		return fmt.Sprintf("⛔ Campaign %s stopped", name)
	case eventbus.CampaignStarted:
		return fmt.Sprintf("🚀 Campaign %s started", name)
	}
	return ""
}
