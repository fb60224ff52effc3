// Copyright 2024-2026 Aiku AI

package bridge

import "strings"

// Templates holds the user-facing answer and message templates. Placeholders
// are written as {name} and substituted by Render; an empty template renders
// to an empty string, which callers treat as "no answer".
type Templates struct {
	OutgoingMessage            string `yaml:"outgoing_message"`
	OutgoingMessageTokenSuffix string `yaml:"outgoing_message_token_suffix"`
	DefaultRoomIncomingMessage string `yaml:"default_room_incoming_message"`

	MessageSent              string `yaml:"message_sent"`
	NoMessage                string `yaml:"no_message"`
	TooManyRooms             string `yaml:"too_many_rooms"`
	DisabledRoomCreation     string `yaml:"disabled_room_creation"`
	CreatedRoomAndSent       string `yaml:"created_room_and_sent"`
	CreatedRoomNoMessage     string `yaml:"created_room_no_message"`
	SingleModeDisabled       string `yaml:"single_mode_disabled"`
	SingleModeTooManyNumbers string `yaml:"single_mode_too_many_numbers"`
	NoticeDelayedMessage     string `yaml:"notice_delayed_message"`
	SendError                string `yaml:"send_error"`

	MissingTokenWithDefaultRoom    string `yaml:"missing_token_with_default_room"`
	MissingTokenWithoutDefaultRoom string `yaml:"missing_token_without_default_room"`
}

// Render substitutes every {key} placeholder present in vars. Placeholders
// not present in vars are left untouched.
func Render(tmpl string, vars map[string]string) string {
	if tmpl == "" || len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
