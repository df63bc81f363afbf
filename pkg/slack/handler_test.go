package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"breakglass/pkg/auth"
	"breakglass/pkg/failure"
)

const signingSecret = "slack-secret"

var fixedNow = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type fakeSessions struct {
	mu        sync.Mutex
	calls     []string
	emails    []string
	cancelErr error
}

func (f *fakeSessions) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeSessions) Start(_ context.Context, team string) error {
	f.record("start:" + team)
	return nil
}

func (f *fakeSessions) OpenEditor(_ context.Context, team, requestID, trigger string) error {
	f.record("editor:" + team + ":" + requestID + ":" + trigger)
	return nil
}

func (f *fakeSessions) Edit(_ context.Context, team, requestID string, emails []string) error {
	f.mu.Lock()
	f.emails = emails
	f.mu.Unlock()
	f.record("edit:" + team + ":" + requestID)
	return nil
}

func (f *fakeSessions) Confirm(_ context.Context, team, requestID string) error {
	f.record("confirm:" + team + ":" + requestID)
	return nil
}

func (f *fakeSessions) Cancel(_ context.Context, team, requestID string) error {
	f.record("cancel:" + team + ":" + requestID)
	return f.cancelErr
}

type fakePicker struct {
	mu       sync.Mutex
	trigger  string
	teams    []string
	notified []string
}

func (f *fakePicker) OpenTeamPicker(_ context.Context, trigger string, teams []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trigger, f.teams = trigger, teams
	return nil
}

func (f *fakePicker) Notify(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, text)
	return nil
}

type staticTeams []string

func (s staticTeams) Teams(context.Context) ([]string, error) { return s, nil }

func newTestHandler() (*Handler, *fakeSessions, *fakePicker) {
	sessions := &fakeSessions{}
	picker := &fakePicker{}
	h := NewHandler(HandlerConfig{
		SigningSecret: signingSecret,
		Sessions:      sessions,
		Teams:         staticTeams{"payments", "billing"},
		Picker:        picker,
		Now:           func() time.Time { return fixedNow },
	})
	return h, sessions, picker
}

func signedForm(t *testing.T, form url.Values) *http.Request {
	t.Helper()
	body := form.Encode()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	ts, sig := auth.SignSlack(signingSecret, []byte(body), fixedNow)
	req.Header.Set(auth.SlackTimestampHeader, ts)
	req.Header.Set(auth.SlackSignatureHeader, sig)
	return req
}

func interaction(t *testing.T, payload any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return signedForm(t, url.Values{"payload": {string(raw)}})
}

func TestUnsignedRequestRejected(t *testing.T) {
	h, sessions, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("command=%2Fprod-access"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.Commands().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	h.Wait()
	if len(sessions.calls) != 0 {
		t.Fatalf("unexpected calls: %v", sessions.calls)
	}
}

func TestCommandOpensTeamPicker(t *testing.T) {
	h, _, picker := newTestHandler()
	rec := httptest.NewRecorder()
	h.Commands().ServeHTTP(rec, signedForm(t, url.Values{"command": {"/prod-access"}, "trigger_id": {"trig-1"}}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	h.Wait()
	if picker.trigger != "trig-1" || strings.Join(picker.teams, ",") != "payments,billing" {
		t.Fatalf("picker not opened: %+v", picker)
	}
}

func TestCommandWithTeamStarts(t *testing.T) {
	h, sessions, _ := newTestHandler()
	rec := httptest.NewRecorder()
	h.Commands().ServeHTTP(rec, signedForm(t, url.Values{"command": {"/prod-access"}, "text": {" payments "}}))
	h.Wait()
	if strings.Join(sessions.calls, ",") != "start:payments" {
		t.Fatalf("unexpected calls: %v", sessions.calls)
	}
}

func TestTeamSelectionStartsSession(t *testing.T) {
	h, sessions, _ := newTestHandler()
	payload := map[string]any{
		"type": "view_submission",
		"view": map[string]any{
			"callback_id": CallbackTeamSelection,
			"state": map[string]any{"values": map[string]any{
				BlockTeamName: map[string]any{ActionTeamSelect: map[string]any{
					"type":            "static_select",
					"selected_option": map[string]any{"value": "billing"},
				}},
			}},
		},
	}
	rec := httptest.NewRecorder()
	h.Actions().ServeHTTP(rec, interaction(t, payload))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	h.Wait()
	if strings.Join(sessions.calls, ",") != "start:billing" {
		t.Fatalf("unexpected calls: %v", sessions.calls)
	}
}

func TestEditSubmissionSplitsLines(t *testing.T) {
	h, sessions, _ := newTestHandler()
	payload := map[string]any{
		"type": "view_submission",
		"view": map[string]any{
			"callback_id":      CallbackEditPeople,
			"private_metadata": EditModal("payments", "req-7", nil).PrivateMetadata,
			"state": map[string]any{"values": map[string]any{
				BlockEmailList: map[string]any{ActionEmailInput: map[string]any{
					"type":  "plain_text_input",
					"value": "a@x.com\n\n  b@x.com \n",
				}},
			}},
		},
	}
	h.Actions().ServeHTTP(httptest.NewRecorder(), interaction(t, payload))
	h.Wait()
	if strings.Join(sessions.calls, ",") != "edit:payments:req-7" || strings.Join(sessions.emails, ",") != "a@x.com,b@x.com" {
		t.Fatalf("unexpected edit: %v %v", sessions.calls, sessions.emails)
	}
}

func TestParseModalRef(t *testing.T) {
	if team, id := ParseModalRef(EditModal("payments", "req-7", nil).PrivateMetadata); team != "payments" || id != "req-7" {
		t.Fatalf("unexpected ref: %q %q", team, id)
	}
	if team, id := ParseModalRef("billing"); team != "billing" || id != "" {
		t.Fatalf("expected bare team, got %q %q", team, id)
	}
}

func TestButtonsDispatchByMetadataTeam(t *testing.T) {
	cases := map[string]string{
		ActionConfirm:    "confirm:payments:req-3",
		ActionEditPeople: "editor:payments:req-3:trig-9",
		ActionCancel:     "cancel:payments:req-3",
	}
	for action, want := range cases {
		t.Run(action, func(t *testing.T) {
			h, sessions, _ := newTestHandler()
			payload := map[string]any{
				"type":       "block_actions",
				"trigger_id": "trig-9",
				"actions":    []map[string]any{{"action_id": action, "value": "ignored"}},
				"message": map[string]any{"metadata": map[string]any{
					"event_type":    MetadataEventType,
					"event_payload": map[string]any{"team_name": "payments", "request_id": "req-3"},
				}},
			}
			h.Actions().ServeHTTP(httptest.NewRecorder(), interaction(t, payload))
			h.Wait()
			if strings.Join(sessions.calls, ",") != want {
				t.Fatalf("expected %s, got %v", want, sessions.calls)
			}
		})
	}
}

func TestCancelReportsResult(t *testing.T) {
	h, sessions, picker := newTestHandler()
	payload := map[string]any{
		"type":    "block_actions",
		"actions": []map[string]any{{"action_id": ActionCancel, "value": "payments"}},
	}
	h.Actions().ServeHTTP(httptest.NewRecorder(), interaction(t, payload))
	h.Wait()
	if len(picker.notified) != 1 || picker.notified[0] != CancelledText("payments") {
		t.Fatalf("unexpected notifications: %v", picker.notified)
	}

	sessions.cancelErr = failure.ErrInProgress
	picker.notified = nil
	h.Actions().ServeHTTP(httptest.NewRecorder(), interaction(t, payload))
	h.Wait()
	if len(picker.notified) != 1 || !strings.Contains(picker.notified[0], "already in progress") {
		t.Fatalf("unexpected notifications: %v", picker.notified)
	}
}

func TestMissingPayloadRejected(t *testing.T) {
	h, _, _ := newTestHandler()
	rec := httptest.NewRecorder()
	h.Actions().ServeHTTP(rec, signedForm(t, url.Values{"other": {"x"}}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
