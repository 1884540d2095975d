package telegraph

import (
	"context"
	"fmt"
	"strings"

	"github.com/dreambigrsa/liveassist/internal/events"
	"github.com/dreambigrsa/liveassist/internal/logger"
	"github.com/dreambigrsa/liveassist/internal/models"
)

// eventBuffer is how many session events may queue for the chat channel.
const eventBuffer = 64

// Daemon is the chat bridge process. It connects to a chat platform via an
// Adapter, answers "!assist" commands, and posts session events to the
// default channel.
type Daemon struct {
	adapter  Adapter
	commands *CommandHandler
	hub      *events.Hub
	log      *logger.Logger

	// postTransient also posts declined and timed_out transitions.
	postTransient bool
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapter       Adapter
	Commands      *CommandHandler
	Hub           *events.Hub // optional; no events are posted without it
	Logger        *logger.Logger
	PostTransient bool
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Commands == nil {
		return nil, fmt.Errorf("telegraph: command handler is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Daemon{
		adapter:       opts.Adapter,
		commands:      opts.Commands,
		hub:           opts.Hub,
		log:           log,
		postTransient: opts.PostTransient,
	}, nil
}

// Run connects the adapter and blocks until the context is cancelled or the
// adapter closes its inbound channel. On shutdown it closes the adapter.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("telegraph connecting")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	var sessionEvents <-chan events.SessionEvent
	if d.hub != nil {
		ch, cancel := d.hub.Subscribe(eventBuffer)
		defer cancel()
		sessionEvents = ch
	}

	d.log.Info("telegraph online")
	if err := d.adapter.Send(ctx, OutboundMessage{Text: "Live assist bridge online"}); err != nil {
		d.log.Warn("telegraph: send online message", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			d.log.Info("telegraph shutting down")
			if err := d.adapter.Close(); err != nil {
				d.log.Warn("telegraph: close adapter", "error", err)
			}
			return nil

		case msg, ok := <-inbound:
			if !ok {
				d.log.Info("telegraph inbound channel closed")
				return nil
			}
			d.handle(ctx, msg, botUserID)

		case ev, ok := <-sessionEvents:
			if !ok {
				sessionEvents = nil
				continue
			}
			d.post(ctx, ev)
		}
	}
}

// handle answers a single inbound message if it is a command.
func (d *Daemon) handle(ctx context.Context, msg InboundMessage, botUserID string) {
	if botUserID != "" && msg.UserID == botUserID {
		return
	}
	if !IsCommand(msg.Text) {
		return
	}
	d.log.Debug("telegraph command", "platform", msg.Platform, "user", msg.UserID, "text", truncate(strings.TrimSpace(msg.Text), 80))

	reply := d.commands.Execute(ctx, msg)
	if err := d.adapter.Send(ctx, OutboundMessage{
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      reply,
	}); err != nil {
		d.log.Warn("telegraph: send reply", "channel", msg.ChannelID, "error", err)
	}
}

// post formats a session event and sends it to the default channel.
func (d *Daemon) post(ctx context.Context, ev events.SessionEvent) {
	if !d.postTransient && (ev.To == models.StateDeclined || ev.To == models.StateTimedOut) {
		return
	}
	if err := d.adapter.Send(ctx, OutboundMessage{
		Events: []FormattedEvent{FormatSessionEvent(ev)},
	}); err != nil {
		d.log.Warn("telegraph: send event", "session", ev.SessionID, "to", ev.To, "error", err)
	}
}
