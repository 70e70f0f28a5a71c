package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"catalog-sync-service/internal/admin"
	"catalog-sync-service/internal/platform"
)

const (
	maxBodyBytes    = 1 << 20
	maxWebhookBytes = 5 << 20
)

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, key)
	}
	return n, nil
}

func queryFloat(r *http.Request, key string, def float64) (float64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", errBadRequest, key)
	}
	return f, nil
}

func requireQuery(r *http.Request, key string) (string, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", errBadRequest, key)
	}
	return v, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func (h *Handler) TriggerProductSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.syncer.TriggerProductSync(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("exclude"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, res)
}

func (h *Handler) TriggerStoreSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.syncer.TriggerStoreSync(r.Context(), chi.URLParam(r, "integrationId"), r.URL.Query().Get("kind"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, res)
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.syncer.GetSyncStatus(r.Context(), r.URL.Query().Get("integrationId"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, statuses)
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		respondError(w, r, err)
		return
	}
	runs, err := h.syncer.ListRuns(r.Context(), r.URL.Query().Get("integrationId"), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, runs)
}

func (h *Handler) PriceTrend(w http.ResponseWriter, r *http.Request) {
	productID, err := requireQuery(r, "productId")
	if err != nil {
		respondError(w, r, err)
		return
	}
	days, err := queryInt(r, "days", 0)
	if err != nil {
		respondError(w, r, err)
		return
	}
	trend, err := h.syncer.PriceTrend(r.Context(), productID, days)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, trend)
}

func (h *Handler) DetectAnomalies(w http.ResponseWriter, r *http.Request) {
	productID, err := requireQuery(r, "productId")
	if err != nil {
		respondError(w, r, err)
		return
	}
	threshold, err := queryFloat(r, "threshold", 0)
	if err != nil {
		respondError(w, r, err)
		return
	}
	report, err := h.syncer.DetectAnomalies(r.Context(), productID, threshold)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, report)
}

func (h *Handler) SimilarProducts(w http.ResponseWriter, r *http.Request) {
	threshold, err := queryFloat(r, "threshold", 0)
	if err != nil {
		respondError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondError(w, r, err)
		return
	}
	similar, err := h.syncer.SimilarProducts(r.Context(), chi.URLParam(r, "id"), threshold, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, similar)
}

func (h *Handler) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	views, err := h.integrations.List(r.Context(), activeOnly)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, views)
}

func (h *Handler) CreateIntegration(w http.ResponseWriter, r *http.Request) {
	var in admin.IntegrationInput
	if err := decodeBody(w, r, &in); err != nil {
		respondError(w, r, err)
		return
	}
	view, err := h.integrations.Create(r.Context(), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, view)
}

func (h *Handler) ValidateIntegration(w http.ResponseWriter, r *http.Request) {
	var in admin.IntegrationInput
	if err := decodeBody(w, r, &in); err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, h.integrations.ValidateConfig(in.Platform, in))
}

func (h *Handler) GetIntegration(w http.ResponseWriter, r *http.Request) {
	view, err := h.integrations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, view)
}

func (h *Handler) UpdateIntegration(w http.ResponseWriter, r *http.Request) {
	var in admin.IntegrationInput
	if err := decodeBody(w, r, &in); err != nil {
		respondError(w, r, err)
		return
	}
	view, err := h.integrations.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, view)
}

func (h *Handler) DeactivateIntegration(w http.ResponseWriter, r *http.Request) {
	view, err := h.integrations.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, view)
}

func (h *Handler) TestIntegration(w http.ResponseWriter, r *http.Request) {
	res, err := h.integrations.TestIntegration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, res)
}

// ReceiveWebhook reads the platform's own signature and topic headers and
// hands the raw body to the ingress.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	kind := platform.Kind(chi.URLParam(r, "platform"))
	decoder, err := platform.Decoder(kind)
	if err != nil {
		respondError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	res, err := h.webhooks.Handle(
		r.Context(),
		kind,
		chi.URLParam(r, "integrationId"),
		r.Header.Get(decoder.TopicHeader()),
		body,
		r.Header.Get(decoder.SignatureHeader()),
	)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, res)
}
