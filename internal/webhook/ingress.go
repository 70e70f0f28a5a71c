// Package webhook turns verified platform push notifications into the same
// reconciliation calls a scheduled sync makes.
package webhook

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/metrics"
	"catalog-sync-service/internal/platform"
	"catalog-sync-service/internal/realtime"
	"catalog-sync-service/internal/store"
	"catalog-sync-service/internal/sync"
)

// SecretCredential is the integration credential that keys webhook HMACs.
const SecretCredential = "webhook_secret"

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Reconciler is the part of the orchestrator webhooks drive.
type Reconciler interface {
	ProcessListing(ctx context.Context, ic *store.IntegrationConfig, l platform.ExternalListing) (sync.ListingResult, error)
	RefreshFromUpstream(ctx context.Context, ic *store.IntegrationConfig, externalID, kind string) (sync.ListingResult, error)
	DeactivateListing(ctx context.Context, ic *store.IntegrationConfig, externalID string) (sync.ListingResult, error)
}

type ProductSyncer interface {
	TriggerProductSync(ctx context.Context, productID, excludeIntegrationID string) (*realtime.ProductSyncResult, error)
}

type Result struct {
	Processed  bool                        `json:"processed"`
	Event      platform.EventKind          `json:"event,omitempty"`
	ExternalID string                      `json:"external_id,omitempty"`
	Outcome    sync.Outcome                `json:"outcome,omitempty"`
	ProductID  string                      `json:"product_id,omitempty"`
	Reason     string                      `json:"reason,omitempty"`
	FanOut     *realtime.ProductSyncResult `json:"fan_out,omitempty"`
}

type Ingress struct {
	store      store.Store
	reconciler Reconciler
	products   ProductSyncer
	metrics    *metrics.Metrics
}

func NewIngress(st store.Store, reconciler Reconciler, products ProductSyncer, m *metrics.Metrics) *Ingress {
	return &Ingress{store: st, reconciler: reconciler, products: products, metrics: m}
}

// Handle verifies and applies one push notification. Nothing reaches the
// orchestrator unless the signature matches the integration's secret.
func (in *Ingress) Handle(ctx context.Context, kind platform.Kind, integrationID, topic string, body []byte, signature string) (*Result, error) {
	res, err := in.handle(ctx, kind, integrationID, topic, body, signature)
	in.metrics.WebhookReceived(kind.String(), resultLabel(res, err))
	return res, err
}

func (in *Ingress) handle(ctx context.Context, kind platform.Kind, integrationID, topic string, body []byte, signature string) (*Result, error) {
	decoder, err := platform.Decoder(kind)
	if err != nil {
		return nil, err
	}

	ic, err := in.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if ic.Platform != kind.String() {
		return nil, fmt.Errorf("integration %s is not a %s integration: %w", ic.ID, kind, store.ErrNotFound)
	}
	if !decoder.VerifySignature(body, signature, ic.Credentials[SecretCredential]) {
		return nil, ErrInvalidSignature
	}

	log := logger.Log.With(
		zap.String("integration_id", ic.ID),
		zap.String("platform", kind.String()),
		zap.String("topic", topic),
	)
	if !ic.Active {
		log.Info("Ignoring webhook for inactive integration")
		return &Result{Reason: "integration inactive"}, nil
	}

	ev, err := decoder.Decode(topic, body, platform.Settings{StoreURL: ic.StoreURL, Credentials: ic.Credentials})
	if errors.Is(err, platform.ErrUnknownTopic) {
		log.Debug("Ignoring webhook topic")
		return &Result{Reason: "unhandled topic"}, nil
	}
	if err != nil {
		return nil, err
	}

	res := &Result{Processed: true, Event: ev.Kind, ExternalID: ev.ExternalID}
	var lr sync.ListingResult
	switch ev.Kind {
	case platform.EventCreate, platform.EventUpdate:
		if ev.Listing != nil {
			lr, err = in.reconciler.ProcessListing(ctx, ic, *ev.Listing)
		} else {
			lr, err = in.reconciler.RefreshFromUpstream(ctx, ic, ev.ExternalID, store.RunFull)
		}
	case platform.EventDelete:
		lr, err = in.reconciler.DeactivateListing(ctx, ic, ev.ExternalID)
	case platform.EventInventoryUpdate:
		lr, err = in.reconciler.RefreshFromUpstream(ctx, ic, ev.ExternalID, store.RunPriceOnly)
	default:
		return &Result{Event: ev.Kind, ExternalID: ev.ExternalID, Reason: "unhandled event"}, nil
	}
	res.Outcome = lr.Outcome
	res.ProductID = lr.ProductID
	if err != nil {
		log.Warn("Webhook reconciliation failed", zap.String("external_id", ev.ExternalID), zap.Error(err))
		return res, err
	}

	log.Info("Webhook applied",
		zap.String("external_id", ev.ExternalID),
		zap.String("outcome", string(lr.Outcome)),
		zap.String("product_id", lr.ProductID),
	)

	if fansOut(ev.Kind, lr) {
		fan, err := in.products.TriggerProductSync(ctx, lr.ProductID, ic.ID)
		if err != nil {
			log.Warn("Failed to fan out product sync", zap.String("product_id", lr.ProductID), zap.Error(err))
		} else {
			res.FanOut = fan
		}
	}
	return res, nil
}

// fansOut reports whether other stores should re-check the product. The
// source integration is always excluded so the update does not echo back.
func fansOut(kind platform.EventKind, lr sync.ListingResult) bool {
	if kind != platform.EventCreate && kind != platform.EventUpdate {
		return false
	}
	if lr.ProductID == "" {
		return false
	}
	switch lr.Outcome {
	case sync.OutcomeCreated, sync.OutcomeLinked, sync.OutcomeUpdated:
		return true
	}
	return false
}

func resultLabel(res *Result, err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "rejected"
	case err != nil:
		return "failed"
	case res != nil && !res.Processed:
		return "ignored"
	}
	return "processed"
}
