// Package webhook receives GitHub pull request review events and announces
// approvals of break-glass pull requests.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"breakglass/pkg/auth"
	"breakglass/pkg/httpx"
	"breakglass/pkg/session"
)

const (
	EventHeader    = "X-GitHub-Event"
	DeliveryHeader = "X-GitHub-Delivery"
)

type Notifier interface {
	NotifyApproved(ctx context.Context, ev session.ApprovalEvent) error
}

// Deliveries reports whether a delivery id is new. Forget undoes First for a
// delivery that was not handled, so its redelivery gets another try.
type Deliveries interface {
	First(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type Config struct {
	Secret     string
	Label      string
	Notifier   Notifier
	Deliveries Deliveries
	Logger     zerolog.Logger
}

type reviewEvent struct {
	Action string `json:"action"`
	Review struct {
		State string `json:"state"`
		User  struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"review"`
	PullRequest struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
		Labels  []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type handler struct {
	label      string
	notifier   Notifier
	deliveries Deliveries
	log        zerolog.Logger
}

// New returns the webhook endpoint. Requests without a valid
// X-Hub-Signature-256 are answered 401 before the payload is read.
func New(cfg Config) http.Handler {
	h := &handler{
		label:      cfg.Label,
		notifier:   cfg.Notifier,
		deliveries: cfg.Deliveries,
		log:        cfg.Logger.With().Str("component", "webhook").Logger(),
	}
	return auth.RequireGitHubSignature(cfg.Secret)(h)
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get(EventHeader)
	delivery := r.Header.Get(DeliveryHeader)
	if event == "ping" {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}
	if event != "pull_request_review" {
		h.ignore(w, delivery, "event "+event)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var ev reviewEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if ev.Action != "submitted" || !strings.EqualFold(ev.Review.State, "approved") {
		h.ignore(w, delivery, "review not an approval")
		return
	}
	if !h.labelled(ev) {
		h.ignore(w, delivery, "pull request not labelled "+h.label)
		return
	}
	if h.deliveries != nil {
		first, err := h.deliveries.First(r.Context(), delivery)
		if err != nil {
			h.log.Warn().Err(err).Str("delivery", delivery).Msg("delivery dedup unavailable")
		} else if !first {
			h.ignore(w, delivery, "duplicate delivery")
			return
		}
	}
	approval := session.ApprovalEvent{
		Number:   ev.PullRequest.Number,
		Title:    ev.PullRequest.Title,
		URL:      ev.PullRequest.HTMLURL,
		Approver: ev.Review.User.Login,
		Repo:     ev.Repository.FullName,
	}
	if err := h.notifier.NotifyApproved(r.Context(), approval); err != nil {
		h.log.Error().Err(err).Int("pr", approval.Number).Msg("approval notification failed")
		if h.deliveries != nil {
			if ferr := h.deliveries.Forget(context.WithoutCancel(r.Context()), delivery); ferr != nil {
				h.log.Warn().Err(ferr).Str("delivery", delivery).Msg("could not forget failed delivery")
			}
		}
		httpx.Error(w, http.StatusBadGateway, "notification failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "notified"})
}

func (h *handler) labelled(ev reviewEvent) bool {
	for _, l := range ev.PullRequest.Labels {
		if strings.EqualFold(l.Name, h.label) {
			return true
		}
	}
	return false
}

func (h *handler) ignore(w http.ResponseWriter, delivery, reason string) {
	h.log.Debug().Str("delivery", delivery).Str("reason", reason).Msg("webhook ignored")
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
}
