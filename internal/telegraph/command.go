package telegraph

import (
	"context"
	"fmt"
	"strings"

	"github.com/dreambigrsa/liveassist/internal/apperr"
	"github.com/dreambigrsa/liveassist/internal/lifecycle"
	"github.com/dreambigrsa/liveassist/internal/logger"
	"github.com/dreambigrsa/liveassist/internal/models"
)

// commandPrefix is the prefix that marks a chat message as a command.
const commandPrefix = "!assist"

// Sessions is the part of the dispatcher the chat bridge drives.
type Sessions interface {
	ProfessionalRespond(ctx context.Context, sessionID, candidateID string, accept bool) error
	GetSession(ctx context.Context, sessionID string) (*lifecycle.Session, error)
}

// Professionals maps chat users to professional profiles.
type Professionals interface {
	Get(ctx context.Context, id string) (*models.Professional, error)
	FindByChatUser(ctx context.Context, chatUserID string) (*models.Professional, error)
}

// CommandHandler processes "!assist" commands from chat. accept and decline
// act on behalf of the professional mapped to the sender's chat user ID.
type CommandHandler struct {
	sessions Sessions
	pros     Professionals
	log      *logger.Logger
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Sessions      Sessions
	Professionals Professionals
	Logger        *logger.Logger
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("telegraph: command handler: sessions is required")
	}
	if opts.Professionals == nil {
		return nil, fmt.Errorf("telegraph: command handler: professionals is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &CommandHandler{sessions: opts.Sessions, pros: opts.Professionals, log: log}, nil
}

// IsCommand reports whether text addresses the command handler.
func IsCommand(text string) bool {
	fields := strings.Fields(stripMentions(text))
	return len(fields) > 0 && fields[0] == commandPrefix
}

// Execute parses and executes a command message. Returns the response
// text to send back to the chat channel.
func (ch *CommandHandler) Execute(ctx context.Context, msg InboundMessage) string {
	args := parseCommand(msg.Text)
	if len(args) == 0 {
		return ch.helpText()
	}

	switch args[0] {
	case "accept":
		return ch.cmdRespond(ctx, msg, args[1:], true)
	case "decline":
		return ch.cmdRespond(ctx, msg, args[1:], false)
	case "status":
		return ch.cmdStatus(ctx, args[1:])
	case "help":
		return ch.helpText()
	default:
		return fmt.Sprintf("Unknown command: `%s`\n\n%s", args[0], ch.helpText())
	}
}

// stripMentions drops leading <@...> tokens that platforms prepend when
// the bot is mentioned.
func stripMentions(text string) string {
	text = strings.TrimSpace(text)
	for strings.HasPrefix(text, "<@") {
		end := strings.IndexByte(text, '>')
		if end < 0 {
			break
		}
		text = strings.TrimSpace(text[end+1:])
	}
	return text
}

// parseCommand strips the "!assist" prefix and splits the remaining text.
func parseCommand(text string) []string {
	text = stripMentions(text)
	if text == commandPrefix {
		return nil
	}
	text = strings.TrimPrefix(text, commandPrefix+" ")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return strings.Fields(text)
}

// cmdRespond handles accept and decline.
func (ch *CommandHandler) cmdRespond(ctx context.Context, msg InboundMessage, args []string, accept bool) string {
	verb := "decline"
	if accept {
		verb = "accept"
	}
	if len(args) == 0 {
		return fmt.Sprintf("Usage: `%s %s <session-id>`", commandPrefix, verb)
	}
	sessionID := args[0]

	pro, err := ch.pros.FindByChatUser(ctx, msg.UserID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return "You are not registered as a professional."
		}
		return fmt.Sprintf("Error: %v", err)
	}

	err = ch.sessions.ProfessionalRespond(ctx, sessionID, pro.ID, accept)
	ch.log.Info("chat response", "session", sessionID, "professional", pro.ID, "accept", accept, "error", err)
	switch {
	case err == nil && accept:
		return fmt.Sprintf("You accepted session `%s`.", sessionID)
	case err == nil:
		return fmt.Sprintf("You declined session `%s`.", sessionID)
	case apperr.Is(err, apperr.KindNotFound):
		return fmt.Sprintf("Session `%s` not found.", sessionID)
	case apperr.Is(err, apperr.KindInvalidTransition):
		return fmt.Sprintf("Session `%s` is no longer waiting for you.", sessionID)
	case apperr.Is(err, apperr.KindCapacityExceeded):
		return "You are at your concurrent session limit. End a session before accepting another."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// cmdStatus shows a session.
func (ch *CommandHandler) cmdStatus(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return fmt.Sprintf("Usage: `%s status <session-id>`", commandPrefix)
	}
	s, err := ch.sessions.GetSession(ctx, args[0])
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return fmt.Sprintf("Session `%s` not found.", args[0])
		}
		return fmt.Sprintf("Error: %v", err)
	}
	return FormatSession(s)
}

// helpText returns usage information for all commands.
func (ch *CommandHandler) helpText() string {
	return "**Live Assist Commands**\n" +
		"`" + commandPrefix + " accept <session>`: take a session offered to you\n" +
		"`" + commandPrefix + " decline <session>`: pass on a session offered to you\n" +
		"`" + commandPrefix + " status <session>`: show a session\n" +
		"`" + commandPrefix + " help`: this message"
}
