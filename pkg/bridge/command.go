// Copyright 2024-2026 Aiku AI

package bridge

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"maunium.net/go/mautrix/id"
)

// sendAfterLayouts are the accepted formats of the --send-after flag, tried
// in order. Times without a zone are interpreted in the local zone.
var sendAfterLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"15:04",
}

// CommandHandler parses the in-room send command and feeds the send engine.
type CommandHandler struct {
	engine        *SendEngine
	defaultRegion string
	prefix        string
	templates     *Templates
	log           zerolog.Logger
	clock         func() time.Time
}

// NewCommandHandler creates a handler for the given command prefix
// (typically "!sms").
func NewCommandHandler(engine *SendEngine, templates *Templates, prefix, defaultRegion string, log zerolog.Logger) *CommandHandler {
	return &CommandHandler{
		engine:        engine,
		defaultRegion: defaultRegion,
		prefix:        prefix,
		templates:     templates,
		log:           log.With().Str("component", "commands").Logger(),
		clock:         time.Now,
	}
}

// Handle parses body as a bridge command. The second return value is false
// when the body is not addressed to the bridge at all; otherwise the first
// return value is the answer to post into the room (possibly empty).
func (h *CommandHandler) Handle(ctx context.Context, sender id.UserID, body string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(body), h.prefix)
	if !ok || (rest != "" && !strings.HasPrefix(rest, " ")) {
		return "", false
	}
	args := splitCommandLine(strings.TrimSpace(rest))
	if len(args) == 0 || args[0] != "send" {
		return h.usage(), true
	}

	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	var usageBuf bytes.Buffer
	fs.SetOutput(&usageBuf)
	numbers := fs.StringArrayP("telephone-number", "t", nil, "receiver phone number, repeatable")
	roomName := fs.StringP("room-name", "n", "", "name for a newly created room")
	modeStr := fs.StringP("room-creation", "m", "auto", "room creation mode: auto, always, no, single")
	invites := fs.StringArrayP("invite", "i", nil, "additional Matrix user to invite, repeatable")
	afterStr := fs.StringP("send-after", "a", "", "deliver the message at this local time")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Sprintf("%v\n%s", err, h.usage()), true
	}

	if len(*numbers) == 0 {
		return h.usage(), true
	}

	req := SendRequest{
		Sender: sender,
		Body:   strings.Join(fs.Args(), " "),
	}
	for _, raw := range *numbers {
		number, err := NormalizeNumber(raw, h.defaultRegion)
		if err != nil {
			return h.validationAnswer(err, *numbers), true
		}
		req.ReceiverNumbers = append(req.ReceiverNumbers, number)
	}
	mode, err := ParseRoomCreationMode(*modeStr)
	if err != nil {
		return h.validationAnswer(err, *numbers), true
	}
	req.Mode = mode
	req.RoomName = *roomName
	for _, invite := range *invites {
		req.InviteUserIDs = append(req.InviteUserIDs, id.UserID(invite))
	}
	if *afterStr != "" {
		sendAfter, err := h.parseSendAfter(*afterStr)
		if err != nil {
			return h.validationAnswer(err, *numbers), true
		}
		req.SendAfter = sendAfter
	}

	return h.engine.HandleSend(ctx, req), true
}

// parseSendAfter converts the supplied local time into an absolute instant.
// Bare clock times mean the next occurrence of that time of day.
func (h *CommandHandler) parseSendAfter(raw string) (time.Time, error) {
	now := h.clock()
	for _, layout := range sendAfterLayouts {
		parsed, err := time.ParseInLocation(layout, raw, now.Location())
		if err != nil {
			continue
		}
		if layout == "15:04" {
			parsed = time.Date(now.Year(), now.Month(), now.Day(),
				parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
			if parsed.Before(now) {
				parsed = parsed.AddDate(0, 0, 1)
			}
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("invalid send-after time %q", raw)
}

// validationAnswer surfaces a pre-state-change rejection through the
// send-error template.
func (h *CommandHandler) validationAnswer(err error, numbers []string) string {
	return Render(h.templates.SendError, map[string]string{
		"error":           err.Error(),
		"receiverNumbers": strings.Join(numbers, ", "),
	})
}

func (h *CommandHandler) usage() string {
	return "Usage: " + h.prefix + " send -t <number> [-t <number>...] [-n <room name>] " +
		"[-m auto|always|no|single] [-i <matrix id>...] [-a <time>] <message>"
}

// splitCommandLine splits a command into arguments, honoring single and
// double quotes. There is no escaping; a quote opened inside a word extends
// the word.
func splitCommandLine(line string) []string {
	var args []string
	var current strings.Builder
	var quote rune
	inWord := false
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				args = append(args, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}
	if inWord {
		args = append(args, current.String())
	}
	return args
}
