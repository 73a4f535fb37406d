package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ezlytics/ezlytics/internal/domain"
	"github.com/ezlytics/ezlytics/internal/pkg/httputil"
	"github.com/ezlytics/ezlytics/internal/pkg/logger"
	"github.com/ezlytics/ezlytics/internal/repository/postgres"
	"github.com/ezlytics/ezlytics/internal/webhook"
)

// maxWebhookBytes bounds a provider payload; providers send kilobytes.
const maxWebhookBytes = 1 << 20

// handleWebhook verifies and processes a payment provider callback.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := domain.RevenueProvider(chi.URLParam(r, "provider"))
	websiteID := chi.URLParam(r, "websiteId")
	if provider != domain.ProviderStripe && provider != domain.ProviderLemonsqueezy {
		httputil.NotFound(w, "unknown provider")
		return
	}

	site, err := s.sites.GetByWebsiteID(r.Context(), websiteID)
	if errors.Is(err, postgres.ErrNotFound) {
		httputil.NotFound(w, "unknown website")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	secret, err := s.webhookSecret(site, provider)
	if err != nil {
		logger.Error("webhook secret unavailable", "site_id", site.ID, "provider", provider, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "webhook secret misconfigured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}

	var ev *webhook.Event
	switch provider {
	case domain.ProviderStripe:
		if err := webhook.VerifyStripe(body, r.Header.Get("Stripe-Signature"), secret, s.now()); err != nil {
			httputil.BadRequest(w, "invalid signature")
			return
		}
		ev, err = webhook.ParseStripe(body)
	default:
		if err := webhook.VerifyLemonsqueezy(body, r.Header.Get("X-Signature"), secret); err != nil {
			httputil.BadRequest(w, "invalid signature")
			return
		}
		ev, err = webhook.ParseLemonsqueezy(body)
	}
	if errors.Is(err, webhook.ErrUnsupportedEvent) {
		// Ack so the provider stops retrying.
		httputil.OK(w, map[string]any{"ok": true, "ignored": true})
		return
	}
	if err != nil {
		httputil.BadRequest(w, "invalid payload")
		return
	}

	res, err := s.processor.Process(r.Context(), site, ev)
	if errors.Is(err, webhook.ErrMissingVisitor) {
		httputil.BadRequest(w, "missing visitor attribution in custom data")
		return
	}
	if err != nil {
		logger.Error("webhook processing failed", "site_id", site.ID, "provider", provider, "error", err)
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, ingestResponse{OK: true, Deduped: res.Deduped})
}

// webhookSecret prefers the site's own (encrypted) provider key and falls
// back to the globally configured secret for the provider.
func (s *Server) webhookSecret(site *domain.Site, provider domain.RevenueProvider) (string, error) {
	if site.ProviderKey != "" && s.box != nil {
		return s.box.Decrypt(site.ProviderKey)
	}
	var secret string
	if provider == domain.ProviderStripe {
		secret = s.cfg.Webhooks.StripeSecret
	} else {
		secret = s.cfg.Webhooks.LemonsqueezySecret
	}
	if secret == "" {
		return "", errors.New("no webhook secret configured")
	}
	return secret, nil
}
