package slack

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const (
	InteractionBlockActions   = "block_actions"
	InteractionViewSubmission = "view_submission"
)

var ErrMissingPayload = errors.New("slack: interaction payload missing")

// Command is a slash command invocation.
type Command struct {
	Command   string
	Text      string
	TriggerID string
	UserID    string
	ChannelID string
}

func ParseCommand(r *http.Request) (Command, error) {
	if err := r.ParseForm(); err != nil {
		return Command{}, err
	}
	return Command{
		Command:   r.PostForm.Get("command"),
		Text:      strings.TrimSpace(r.PostForm.Get("text")),
		TriggerID: r.PostForm.Get("trigger_id"),
		UserID:    r.PostForm.Get("user_id"),
		ChannelID: r.PostForm.Get("channel_id"),
	}, nil
}

type Action struct {
	ActionID string `json:"action_id"`
	BlockID  string `json:"block_id"`
	Value    string `json:"value"`
}

type InputValue struct {
	Type           string  `json:"type"`
	Value          string  `json:"value"`
	SelectedOption *Option `json:"selected_option"`
}

type ViewState struct {
	CallbackID      string `json:"callback_id"`
	PrivateMetadata string `json:"private_metadata"`
	State           struct {
		Values map[string]map[string]InputValue `json:"values"`
	} `json:"state"`
}

// Value returns the submitted text or selected option of one input.
func (v *ViewState) Value(blockID, actionID string) string {
	if v == nil {
		return ""
	}
	in, ok := v.State.Values[blockID][actionID]
	if !ok {
		return ""
	}
	if in.SelectedOption != nil {
		return in.SelectedOption.Value
	}
	return in.Value
}

type Interaction struct {
	Type      string `json:"type"`
	TriggerID string `json:"trigger_id"`
	User      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	Actions []Action `json:"actions"`
	Message *struct {
		Metadata *Metadata `json:"metadata"`
	} `json:"message"`
	View *ViewState `json:"view"`
}

// ParseInteraction decodes the JSON carried in the "payload" form field.
func ParseInteraction(r *http.Request) (Interaction, error) {
	if err := r.ParseForm(); err != nil {
		return Interaction{}, err
	}
	raw := r.PostForm.Get("payload")
	if raw == "" {
		return Interaction{}, ErrMissingPayload
	}
	var in Interaction
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return Interaction{}, err
	}
	return in, nil
}

// Team is the team a button click refers to: the preview message metadata,
// else the button value.
func (i Interaction) Team() string {
	if i.Message != nil && i.Message.Metadata != nil {
		if t := i.Message.Metadata.EventPayload["team_name"]; t != "" {
			return t
		}
	}
	if len(i.Actions) > 0 {
		return i.Actions[0].Value
	}
	return ""
}

// RequestID is the request a button click answers, or "" for messages that
// carry none.
func (i Interaction) RequestID() string {
	if i.Message != nil && i.Message.Metadata != nil {
		return i.Message.Metadata.EventPayload["request_id"]
	}
	return ""
}

// ParseModalRef reads the edit modal's private metadata. Plain text is taken
// as a bare team name.
func ParseModalRef(raw string) (team, requestID string) {
	var ref modalRef
	if err := json.Unmarshal([]byte(raw), &ref); err != nil || ref.Team == "" {
		return strings.TrimSpace(raw), ""
	}
	return ref.Team, ref.RequestID
}

// SplitEmails splits the edit modal text into one address per line.
func SplitEmails(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
