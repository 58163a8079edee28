package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/ToolForge/internal/domain/event"
)

const (
	pollTimeout  = 30 * time.Second
	pollBackoff  = 3 * time.Second
	maxDownloads = 4
)

// Handler consumes normalized inbound events. The orchestrator satisfies it.
type Handler interface {
	Handle(ctx context.Context, ev event.Inbound) error
	Catalog(ctx context.Context, chat string) error
}

// Poller long-polls getUpdates and translates Bot API updates into domain
// events. File downloads are bounded so a burst of documents cannot pile up
// unbounded concurrent fetches.
type Poller struct {
	client       *Client
	handler      Handler
	knownTool    func(id string) bool
	maxFileBytes int64
	downloads    *semaphore.Weighted
}

// NewPoller creates a poller. knownTool reports whether a text message names
// a catalog tool, which classifies it as a selection rather than input.
func NewPoller(client *Client, handler Handler, knownTool func(string) bool, maxFileBytes int64) *Poller {
	return &Poller{
		client:       client,
		handler:      handler,
		knownTool:    knownTool,
		maxFileBytes: maxFileBytes,
		downloads:    semaphore.NewWeighted(maxDownloads),
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	var offset int64
	slog.Info("telegram poller started")
	for {
		updates, err := p.client.getUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("telegram poll failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollBackoff):
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			go p.process(ctx, u)
		}
	}
}

// process handles a single update. Runs off the poll loop so one slow file
// download does not stall update consumption.
func (p *Poller) process(ctx context.Context, u update) {
	m := u.Message
	if m == nil || m.From == nil {
		return
	}
	user := formatID(m.From.ID)
	chat := formatID(m.Chat.ID)

	ev, err := p.classify(ctx, u, user, chat)
	if err != nil {
		slog.Warn("update rejected", "user", user, "error", err)
		_ = p.client.SendText(ctx, chat, err.Error())
		return
	}
	if ev == nil {
		// Catalog request, already handled.
		return
	}
	if err := p.handler.Handle(ctx, *ev); err != nil {
		slog.Error("event handling failed", "user", user, "kind", ev.Kind, "error", err)
	}
}

// classify maps an update to an inbound event, or nil after serving the
// catalog directly.
func (p *Poller) classify(ctx context.Context, u update, user, chat string) (*event.Inbound, error) {
	m := u.Message

	if m.Document != nil {
		if p.maxFileBytes > 0 && m.Document.FileSize > p.maxFileBytes {
			return nil, fmt.Errorf("file too large: the limit is %d MB", p.maxFileBytes/(1<<20))
		}
		data, err := p.fetch(ctx, m.Document.FileID)
		if err != nil {
			slog.Error("file download failed", "user", user, "error", err)
			return nil, errors.New("could not fetch the file, please resend it")
		}
		return &event.Inbound{
			Kind: event.KindInput,
			User: user,
			Chat: chat,
			File: &event.File{Name: m.Document.FileName, Data: data},
		}, nil
	}

	text := strings.TrimSpace(m.Text)
	switch {
	case text == "/start" || text == "/tools":
		if err := p.handler.Catalog(ctx, chat); err != nil {
			slog.Error("catalog delivery failed", "chat", chat, "error", err)
		}
		return nil, nil
	case text == "/cancel" || text == "Cancel":
		return &event.Inbound{Kind: event.KindCancel, User: user, Chat: chat}, nil
	case text == "Run":
		return &event.Inbound{Kind: event.KindRun, User: user, Chat: chat}, nil
	case p.knownTool != nil && p.knownTool(text):
		return &event.Inbound{Kind: event.KindSelect, User: user, Chat: chat, ToolID: text}, nil
	default:
		return &event.Inbound{Kind: event.KindInput, User: user, Chat: chat, Text: text}, nil
	}
}

// fetch downloads a file under the concurrency bound.
func (p *Poller) fetch(ctx context.Context, fileID string) ([]byte, error) {
	if err := p.downloads.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.downloads.Release(1)
	return p.client.downloadFile(ctx, fileID)
}
