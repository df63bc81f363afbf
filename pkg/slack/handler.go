package slack

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"breakglass/pkg/auth"
	"breakglass/pkg/failure"
	"breakglass/pkg/session"
)

// Sessions is the part of session.Manager the chat endpoints drive. The
// requestID is the one the answered message was built for.
type Sessions interface {
	Start(ctx context.Context, team string) error
	OpenEditor(ctx context.Context, team, requestID, trigger string) error
	Edit(ctx context.Context, team, requestID string, emails []string) error
	Confirm(ctx context.Context, team, requestID string) error
	Cancel(ctx context.Context, team, requestID string) error
}

type TeamLister interface {
	Teams(ctx context.Context) ([]string, error)
}

type Picker interface {
	OpenTeamPicker(ctx context.Context, trigger string, teams []string) error
	Notify(ctx context.Context, text string) error
}

type HandlerConfig struct {
	SigningSecret string
	Sessions      Sessions
	Teams         TeamLister
	Picker        Picker
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Handler serves the slash command and interaction endpoints. Slack wants
// an answer within three seconds, so all work runs after the response.
type Handler struct {
	secret   string
	sessions Sessions
	teams    TeamLister
	picker   Picker
	log      zerolog.Logger
	now      func() time.Time
	runner   session.Runner
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		secret:   cfg.SigningSecret,
		sessions: cfg.Sessions,
		teams:    cfg.Teams,
		picker:   cfg.Picker,
		log:      cfg.Logger.With().Str("component", "slack").Logger(),
		now:      cfg.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}
	h.runner.Log = h.log
	return h
}

func (h *Handler) Commands() http.Handler {
	return auth.RequireSlackSignature(h.secret, h.now)(http.HandlerFunc(h.serveCommand))
}

func (h *Handler) Actions() http.Handler {
	return auth.RequireSlackSignature(h.secret, h.now)(http.HandlerFunc(h.serveAction))
}

// Wait blocks until dispatched work has finished.
func (h *Handler) Wait() {
	h.runner.Wait()
}

func (h *Handler) serveCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := ParseCommand(r)
	if err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	h.log.Info().Str("command", cmd.Command).Str("user", cmd.UserID).Msg("slash command")
	if cmd.Text != "" {
		team := cmd.Text
		h.dispatch(r, "start", func(ctx context.Context) error { return h.sessions.Start(ctx, team) })
	} else {
		h.dispatch(r, "team_picker", func(ctx context.Context) error { return h.openPicker(ctx, cmd.TriggerID) })
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) openPicker(ctx context.Context, trigger string) error {
	teams, err := h.teams.Teams(ctx)
	if err != nil {
		if nerr := h.picker.Notify(ctx, ":x: Could not list teams from the policy repository. Please try again."); nerr != nil {
			h.log.Error().Err(nerr).Msg("notifying operator failed")
		}
		return err
	}
	return h.picker.OpenTeamPicker(ctx, trigger, teams)
}

func (h *Handler) serveAction(w http.ResponseWriter, r *http.Request) {
	in, err := ParseInteraction(r)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	switch in.Type {
	case InteractionViewSubmission:
		h.submission(r, in)
	case InteractionBlockActions:
		h.blockAction(r, in)
	default:
		h.log.Debug().Str("type", in.Type).Msg("interaction ignored")
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) submission(r *http.Request, in Interaction) {
	switch in.View.callbackID() {
	case CallbackTeamSelection:
		team := in.View.Value(BlockTeamName, ActionTeamSelect)
		h.dispatch(r, "start", func(ctx context.Context) error { return h.sessions.Start(ctx, team) })
	case CallbackEditPeople:
		team, requestID := ParseModalRef(in.View.PrivateMetadata)
		emails := SplitEmails(in.View.Value(BlockEmailList, ActionEmailInput))
		h.dispatch(r, "edit", func(ctx context.Context) error { return h.sessions.Edit(ctx, team, requestID, emails) })
	default:
		h.log.Debug().Str("callback_id", in.View.callbackID()).Msg("view submission ignored")
	}
}

func (h *Handler) blockAction(r *http.Request, in Interaction) {
	if len(in.Actions) == 0 {
		return
	}
	team, requestID := in.Team(), in.RequestID()
	switch in.Actions[0].ActionID {
	case ActionConfirm:
		h.dispatch(r, "confirm", func(ctx context.Context) error { return h.sessions.Confirm(ctx, team, requestID) })
	case ActionEditPeople:
		trigger := in.TriggerID
		h.dispatch(r, "open_editor", func(ctx context.Context) error {
			return h.sessions.OpenEditor(ctx, team, requestID, trigger)
		})
	case ActionCancel:
		h.dispatch(r, "cancel", func(ctx context.Context) error {
			if err := h.sessions.Cancel(ctx, team, requestID); err != nil {
				if nerr := h.picker.Notify(ctx, ":x: "+failure.Message(team, err)); nerr != nil {
					h.log.Error().Err(nerr).Msg("notifying operator failed")
				}
				return err
			}
			return h.picker.Notify(ctx, CancelledText(team))
		})
	default:
		h.log.Debug().Str("action_id", in.Actions[0].ActionID).Msg("action ignored")
	}
}

// dispatch runs task detached from the request. Session errors have
// already been shown to the operator, so they are only logged here.
func (h *Handler) dispatch(r *http.Request, op string, task func(context.Context) error) {
	h.runner.Go(context.WithoutCancel(r.Context()), task, func(err error) {
		if err != nil {
			h.log.Warn().Err(err).Str("op", op).Msg("slack action failed")
		}
	})
}

func (v *ViewState) callbackID() string {
	if v == nil {
		return ""
	}
	return v.CallbackID
}
