package slack

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	CallbackTeamSelection = "team_selection_modal"
	CallbackEditPeople    = "edit_people_modal"

	BlockTeamName      = "team_name"
	ActionTeamSelect   = "team_name_select"
	BlockEmailList     = "email_list"
	ActionEmailInput   = "email_input"
	ActionConfirm      = "confirm_prod_access"
	ActionEditPeople   = "edit_people"
	ActionCancel       = "cancel_prod_access"
	MetadataEventType  = "prod_access_request"
	maxOptionsPerGroup = 100
)

type Text struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

func plain(s string) *Text    { return &Text{Type: "plain_text", Text: s} }
func markdown(s string) *Text { return &Text{Type: "mrkdwn", Text: s} }

type Option struct {
	Text  *Text  `json:"text"`
	Value string `json:"value"`
}

type OptionGroup struct {
	Label   *Text    `json:"label"`
	Options []Option `json:"options"`
}

type Element struct {
	Type         string        `json:"type"`
	ActionID     string        `json:"action_id,omitempty"`
	Text         *Text         `json:"text,omitempty"`
	Style        string        `json:"style,omitempty"`
	Value        string        `json:"value,omitempty"`
	Placeholder  *Text         `json:"placeholder,omitempty"`
	OptionGroups []OptionGroup `json:"option_groups,omitempty"`
	Multiline    bool          `json:"multiline,omitempty"`
	InitialValue string        `json:"initial_value,omitempty"`
}

type Block struct {
	Type     string    `json:"type"`
	BlockID  string    `json:"block_id,omitempty"`
	Text     *Text     `json:"text,omitempty"`
	Label    *Text     `json:"label,omitempty"`
	Element  *Element  `json:"element,omitempty"`
	Elements []Element `json:"elements,omitempty"`
}

type Metadata struct {
	EventType    string            `json:"event_type"`
	EventPayload map[string]string `json:"event_payload"`
}

type Message struct {
	Channel  string    `json:"channel"`
	Text     string    `json:"text"`
	Blocks   []Block   `json:"blocks,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

type View struct {
	Type            string  `json:"type"`
	CallbackID      string  `json:"callback_id"`
	Title           *Text   `json:"title"`
	Submit          *Text   `json:"submit,omitempty"`
	Close           *Text   `json:"close,omitempty"`
	PrivateMetadata string  `json:"private_metadata,omitempty"`
	Blocks          []Block `json:"blocks"`
}

func bullets(emails []string) string {
	if len(emails) == 0 {
		return "_(nobody)_"
	}
	return "• " + strings.Join(emails, "\n• ")
}

// PreviewMessage asks the operator to confirm the list. The team and request
// ride along in the message metadata so button clicks can be routed back to
// the request they were shown for.
func PreviewMessage(channel, team, requestID string, emails []string) Message {
	return Message{
		Channel: channel,
		Text:    fmt.Sprintf("Please confirm the following people for next week's production access for team %s:\n%s", team, strings.Join(emails, "\n")),
		Blocks: []Block{
			{
				Type: "section",
				Text: markdown(fmt.Sprintf("Who will have production access next week for team *%s*?\n\n*People for next week's production access:*\n%s", team, bullets(emails))),
			},
			{
				Type: "actions",
				Elements: []Element{
					{Type: "button", ActionID: ActionConfirm, Text: plain("Confirm"), Style: "primary", Value: team},
					{Type: "button", ActionID: ActionEditPeople, Text: plain("Edit People"), Value: team},
					{Type: "button", ActionID: ActionCancel, Text: plain("Cancel"), Style: "danger", Value: team},
				},
			},
		},
		Metadata: &Metadata{EventType: MetadataEventType, EventPayload: map[string]string{
			"team_name":  team,
			"request_id": requestID,
		}},
	}
}

// modalRef is the edit modal's private metadata.
type modalRef struct {
	Team      string `json:"team"`
	RequestID string `json:"request_id,omitempty"`
}

func EditModal(team, requestID string, emails []string) View {
	ref, _ := json.Marshal(modalRef{Team: team, RequestID: requestID})
	return View{
		Type:            "modal",
		CallbackID:      CallbackEditPeople,
		Title:           plain("Edit People"),
		Submit:          plain("Submit"),
		Close:           plain("Cancel"),
		PrivateMetadata: string(ref),
		Blocks: []Block{{
			Type:    "input",
			BlockID: BlockEmailList,
			Label:   plain("Edit email list (one per line)"),
			Element: &Element{
				Type:         "plain_text_input",
				ActionID:     ActionEmailInput,
				Multiline:    true,
				InitialValue: strings.Join(emails, "\n"),
			},
		}},
	}
}

// TeamPicker groups teams by upper-cased first letter. Slack caps a group at
// 100 options; extra teams in a crowded letter are dropped.
func TeamPicker(teams []string) View {
	groups := map[string][]string{}
	for _, t := range teams {
		if t == "" {
			continue
		}
		r, _ := utf8.DecodeRuneInString(t)
		letter := string(unicode.ToUpper(r))
		groups[letter] = append(groups[letter], t)
	}
	letters := make([]string, 0, len(groups))
	for l := range groups {
		letters = append(letters, l)
	}
	sort.Strings(letters)
	optionGroups := make([]OptionGroup, 0, len(letters))
	for _, l := range letters {
		names := groups[l]
		sort.Strings(names)
		if len(names) > maxOptionsPerGroup {
			names = names[:maxOptionsPerGroup]
		}
		opts := make([]Option, 0, len(names))
		for _, n := range names {
			opts = append(opts, Option{Text: plain(n), Value: n})
		}
		optionGroups = append(optionGroups, OptionGroup{Label: plain(l), Options: opts})
	}
	return View{
		Type:       "modal",
		CallbackID: CallbackTeamSelection,
		Title:      plain("Select Team"),
		Submit:     plain("Confirm"),
		Close:      plain("Cancel"),
		Blocks: []Block{{
			Type:    "input",
			BlockID: BlockTeamName,
			Label:   plain("Select Team"),
			Element: &Element{
				Type:         "static_select",
				ActionID:     ActionTeamSelect,
				Placeholder:  plain("Choose a team"),
				OptionGroups: optionGroups,
			},
		}},
	}
}

func TextMessage(channel, text string) Message {
	return Message{
		Channel: channel,
		Text:    text,
		Blocks:  []Block{{Type: "section", Text: markdown(text)}},
	}
}
