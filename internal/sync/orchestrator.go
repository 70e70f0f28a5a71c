package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"catalog-sync-service/internal/events"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/matching"
	"catalog-sync-service/internal/metrics"
	"catalog-sync-service/internal/platform"
	"catalog-sync-service/internal/pricehistory"
	"catalog-sync-service/internal/store"
)

const (
	defaultCurrency = "USD"
	maxRunErrors    = 100
)

// AdapterFactory builds the platform adapter for an integration.
type AdapterFactory func(ic *store.IntegrationConfig) (platform.Adapter, error)

type Options struct {
	PageSize       int
	RunTimeout     time.Duration
	DedupThreshold float64
	CandidateLimit int
}

type Orchestrator struct {
	store    store.Store
	adapters AdapterFactory
	matcher  *matching.Matcher
	recorder *pricehistory.Recorder
	events   events.Publisher
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time
}

func NewOrchestrator(
	st store.Store,
	adapters AdapterFactory,
	matcher *matching.Matcher,
	recorder *pricehistory.Recorder,
	publisher events.Publisher,
	m *metrics.Metrics,
	opts Options,
) *Orchestrator {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.DedupThreshold <= 0 {
		opts.DedupThreshold = matching.DedupThreshold
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = 200
	}
	if publisher == nil {
		publisher = events.LogPublisher{}
	}
	return &Orchestrator{
		store:    st,
		adapters: adapters,
		matcher:  matcher,
		recorder: recorder,
		events:   publisher,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
	}
}

// Run executes one attempt for an integration and records it as a SyncRun.
// The returned error is the whole-run failure, if any; per-listing failures
// only show up in the run's counts and error detail.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*store.SyncRun, error) {
	ic, err := o.store.GetIntegration(ctx, req.IntegrationID)
	if err != nil {
		return nil, err
	}
	if !ic.Active {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationInactive, ic.ID)
	}
	if req.Kind == "" {
		req.Kind = store.RunIncremental
	}
	if req.Attempt < 1 {
		req.Attempt = 1
	}

	run := &store.SyncRun{
		IntegrationID: ic.ID,
		Kind:          req.Kind,
		Attempt:       req.Attempt,
		StartedAt:     o.now(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	log := logger.Log.With(
		zap.String("integration_id", ic.ID),
		zap.String("run_id", run.ID),
		zap.String("kind", run.Kind),
		zap.Int("attempt", run.Attempt),
	)
	log.Info("Starting sync run", zap.String("platform", ic.Platform))

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.opts.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
	}
	t := &tally{run: run}
	runErr := o.execute(runCtx, ic, run, req, t)
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		runErr = fmt.Errorf("%w after %s: %v", ErrRunTimeout, o.opts.RunTimeout, runErr)
	}
	cancel()

	// The caller's context may already be done; the run must still be closed.
	o.finish(context.WithoutCancel(ctx), ic, run, t, runErr, log)
	return run, runErr
}

func (o *Orchestrator) execute(ctx context.Context, ic *store.IntegrationConfig, run *store.SyncRun, req RunRequest, t *tally) error {
	adapter, err := o.adapters(ic)
	if err != nil {
		return err
	}
	if err := adapter.Authenticate(ctx); err != nil {
		return err
	}

	if req.ProductID != "" {
		return o.refreshProduct(ctx, ic, adapter, req.ProductID, t)
	}

	resumable := run.Kind != store.RunPriceOnly
	cursor := ""
	if resumable && ic.ResumeCursor.Valid && (run.Kind == store.RunIncremental || run.Attempt > 1) {
		cursor = ic.ResumeCursor.String
	}
	fromStart := cursor == ""

	for {
		listings, next, err := adapter.FetchListings(ctx, o.opts.PageSize, cursor)
		if err != nil {
			return fmt.Errorf("fetch page %q: %w", cursor, err)
		}
		for i := range listings {
			if err := ctx.Err(); err != nil {
				return err
			}
			var (
				res ListingResult
				err error
			)
			if run.Kind == store.RunPriceOnly {
				res, err = o.applyPriceOnly(ctx, ic, listings[i])
			} else {
				res, err = o.ProcessListing(ctx, ic, listings[i])
			}
			t.add(listings[i].ExternalID, res, err)
			o.metrics.ListingProcessed(ic.Platform, string(res.Outcome))
		}

		if next == "" {
			break
		}
		if next == cursor {
			// Restart from the first page next time rather than from the stuck one.
			if resumable {
				if err := o.store.SaveResumeCursor(ctx, ic.ID, ""); err != nil {
					return fmt.Errorf("clear cursor: %w", err)
				}
			}
			return fmt.Errorf("%w: %q", ErrCursorStalled, cursor)
		}
		if resumable {
			if err := o.store.SaveResumeCursor(ctx, ic.ID, next); err != nil {
				return fmt.Errorf("save cursor: %w", err)
			}
		}
		cursor = next
	}

	if resumable {
		if err := o.store.SaveResumeCursor(ctx, ic.ID, ""); err != nil {
			return fmt.Errorf("clear cursor: %w", err)
		}
	}
	if run.Kind == store.RunFull && fromStart {
		return o.disableUnseen(ctx, ic, run.StartedAt)
	}
	return nil
}

// disableUnseen soft-disables mappings a complete full pass did not visit and
// deactivates products no longer listed by any store.
func (o *Orchestrator) disableUnseen(ctx context.Context, ic *store.IntegrationConfig, since time.Time) error {
	productIDs, err := o.store.DisableUnseenMappings(ctx, ic.ID, since)
	if err != nil {
		return fmt.Errorf("disable unseen mappings: %w", err)
	}
	for _, id := range productIDs {
		if _, err := o.deactivateIfOrphaned(ctx, id); err != nil {
			return err
		}
	}
	if len(productIDs) > 0 {
		logger.Log.Info("Disabled listings missing upstream",
			zap.String("integration_id", ic.ID),
			zap.Int("count", len(productIDs)),
		)
	}
	return nil
}

func (o *Orchestrator) refreshProduct(ctx context.Context, ic *store.IntegrationConfig, adapter platform.Adapter, productID string, t *tally) error {
	m, err := o.store.GetMappingByProduct(ctx, ic.ID, productID)
	if err != nil {
		return err
	}
	res, err := o.refresh(ctx, ic, adapter, m.ExternalID, store.RunPriceOnly)
	if err != nil && (platform.IsAuth(err) || platform.IsTransient(err)) {
		return err
	}
	t.add(m.ExternalID, res, err)
	o.metrics.ListingProcessed(ic.Platform, string(res.Outcome))
	return nil
}

// RefreshFromUpstream re-reads one listing and reconciles it. Price-only
// refreshes touch the price ledger and mapping only. A listing gone upstream
// is deactivated.
func (o *Orchestrator) RefreshFromUpstream(ctx context.Context, ic *store.IntegrationConfig, externalID, kind string) (ListingResult, error) {
	adapter, err := o.adapters(ic)
	if err != nil {
		return ListingResult{Outcome: OutcomeFailed}, err
	}
	return o.refresh(ctx, ic, adapter, externalID, kind)
}

func (o *Orchestrator) refresh(ctx context.Context, ic *store.IntegrationConfig, adapter platform.Adapter, externalID, kind string) (ListingResult, error) {
	l, err := adapter.FetchListingDetail(ctx, externalID)
	if errors.Is(err, platform.ErrListingNotFound) {
		return o.DeactivateListing(ctx, ic, externalID)
	}
	if err != nil {
		return ListingResult{Outcome: OutcomeFailed}, err
	}
	if kind == store.RunPriceOnly {
		return o.applyPriceOnly(ctx, ic, *l)
	}
	return o.ProcessListing(ctx, ic, *l)
}

// ProcessListing reconciles one upstream listing against the catalog.
func (o *Orchestrator) ProcessListing(ctx context.Context, ic *store.IntegrationConfig, l platform.ExternalListing) (ListingResult, error) {
	if err := l.Validate(); err != nil {
		return ListingResult{Outcome: OutcomeFailed}, err
	}
	if !l.IsActive {
		return o.DeactivateListing(ctx, ic, l.ExternalID)
	}

	m, err := o.store.GetMapping(ctx, ic.ID, l.ExternalID)
	if errors.Is(err, store.ErrNotFound) {
		return o.createOrLink(ctx, ic, l)
	}
	if err != nil {
		return ListingResult{Outcome: OutcomeFailed}, err
	}

	res, err := o.updateMapped(ctx, ic, m, l)
	if err != nil {
		o.markMappingError(ctx, m, err)
	}
	return res, err
}

func (o *Orchestrator) createOrLink(ctx context.Context, ic *store.IntegrationConfig, l platform.ExternalListing) (ListingResult, error) {
	candidates, err := o.store.ListMatchCandidates(ctx, ic.ID, l.Category, o.opts.CandidateLimit)
	if err != nil {
		return ListingResult{Outcome: OutcomeFailed}, fmt.Errorf("list match candidates: %w", err)
	}

	m := &store.ProductMapping{
		IntegrationID: ic.ID,
		ExternalID:    l.ExternalID,
		ExternalSKU:   l.SKU,
		ExternalURL:   l.URL,
		Status:        store.MappingSynced,
		ContentHash:   Fingerprint(l),
		LastSyncedAt:  sql.NullTime{Time: o.now().UTC(), Valid: true},
	}

	res := ListingResult{Outcome: OutcomeCreated}
	if match, ok := o.matcher.BestMatch(listingCandidate(l), productCandidates(candidates), o.opts.DedupThreshold); ok {
		m.ProductID = match.ID
		err = o.store.CreateMapping(ctx, m)
		res.Outcome = OutcomeLinked
		logger.Log.Debug("Linked listing to existing product",
			zap.String("integration_id", ic.ID),
			zap.String("external_id", l.ExternalID),
			zap.String("product_id", match.ID),
			zap.Float64("score", match.Score),
		)
	} else {
		p := &store.Product{Active: true}
		applyListing(p, l)
		err = o.store.CreateProductWithMapping(ctx, p, m)
	}

	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent run mapped this listing first.
		existing, getErr := o.store.GetMapping(ctx, ic.ID, l.ExternalID)
		if getErr != nil {
			return ListingResult{Outcome: OutcomeFailed}, err
		}
		return o.updateMapped(ctx, ic, existing, l)
	}
	if err != nil {
		return ListingResult{Outcome: OutcomeFailed}, err
	}

	res.ProductID = m.ProductID
	res.MappingID = m.ID
	res.ObservationAdded, err = o.recordObservation(ctx, ic, m.ProductID, l)
	if err != nil {
		return ListingResult{Outcome: OutcomeFailed, ProductID: m.ProductID}, err
	}
	return res, nil
}

func (o *Orchestrator) updateMapped(ctx context.Context, ic *store.IntegrationConfig, m *store.ProductMapping, l platform.ExternalListing) (ListingResult, error) {
	res := ListingResult{Outcome: OutcomeUnchanged, ProductID: m.ProductID, MappingID: m.ID}
	fp := Fingerprint(l)

	switch {
	case m.ContentHash != fp:
		p, err := o.store.GetProduct(ctx, m.ProductID)
		if err != nil {
			return ListingResult{Outcome: OutcomeFailed, ProductID: m.ProductID}, err
		}
		applyListing(p, l)
		p.Active = true
		if err := o.store.UpdateProductFields(ctx, p); err != nil {
			return ListingResult{Outcome: OutcomeFailed, ProductID: m.ProductID}, err
		}
		res.Outcome = OutcomeUpdated
	case m.Status == store.MappingDisabled:
		if err := o.store.SetProductActive(ctx, m.ProductID, true); err != nil {
			return ListingResult{Outcome: OutcomeFailed, ProductID: m.ProductID}, err
		}
		res.Outcome = OutcomeUpdated
	}

	m.ContentHash = fp
	m.ExternalSKU = l.SKU
	m.ExternalURL = l.URL
	m.Status = store.MappingSynced
	m.LastSyncedAt = sql.NullTime{Time: o.now().UTC(), Valid: true}
	m.LastError = sql.NullString{}
	if err := o.store.UpdateMapping(ctx, m); err != nil {
		return ListingResult{Outcome: OutcomeFailed, ProductID: m.ProductID}, err
	}

	added, err := o.recordObservation(ctx, ic, m.ProductID, l)
	if err != nil {
		return ListingResult{Outcome: OutcomeFailed, ProductID: m.ProductID}, err
	}
	res.ObservationAdded = added
	if added && res.Outcome == OutcomeUnchanged {
		res.Outcome = OutcomeUpdated
	}
	return res, nil
}

// applyPriceOnly records price and availability for an already mapped
// listing without touching the product row.
func (o *Orchestrator) applyPriceOnly(ctx context.Context, ic *store.IntegrationConfig, l platform.ExternalListing) (ListingResult, error) {
	if err := l.Validate(); err != nil {
		return ListingResult{Outcome: OutcomeFailed}, err
	}
	m, err := o.store.GetMapping(ctx, ic.ID, l.ExternalID)
	if errors.Is(err, store.ErrNotFound) {
		return ListingResult{Outcome: OutcomeSkipped}, nil
	}
	if err != nil {
		return ListingResult{Outcome: OutcomeFailed}, err
	}
	if !l.IsActive {
		return o.DeactivateListing(ctx, ic, l.ExternalID)
	}
	if m.Status == store.MappingDisabled {
		return ListingResult{Outcome: OutcomeSkipped, ProductID: m.ProductID, MappingID: m.ID}, nil
	}

	res := ListingResult{Outcome: OutcomeUnchanged, ProductID: m.ProductID, MappingID: m.ID}
	res.ObservationAdded, err = o.recordObservation(ctx, ic, m.ProductID, l)
	if err != nil {
		o.markMappingError(ctx, m, err)
		return ListingResult{Outcome: OutcomeFailed, ProductID: m.ProductID}, err
	}
	if res.ObservationAdded {
		res.Outcome = OutcomeUpdated
	}

	m.Status = store.MappingSynced
	m.LastSyncedAt = sql.NullTime{Time: o.now().UTC(), Valid: true}
	m.LastError = sql.NullString{}
	if err := o.store.UpdateMapping(ctx, m); err != nil {
		return ListingResult{Outcome: OutcomeFailed, ProductID: m.ProductID}, err
	}
	return res, nil
}

// DeactivateListing soft-disables the mapping of a listing removed upstream.
// The product is deactivated only when no other store still lists it.
func (o *Orchestrator) DeactivateListing(ctx context.Context, ic *store.IntegrationConfig, externalID string) (ListingResult, error) {
	m, err := o.store.GetMapping(ctx, ic.ID, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return ListingResult{Outcome: OutcomeSkipped}, nil
	}
	if err != nil {
		return ListingResult{Outcome: OutcomeFailed}, err
	}
	res := ListingResult{Outcome: OutcomeDeactivated, ProductID: m.ProductID, MappingID: m.ID}

	if m.Status != store.MappingDisabled {
		m.Status = store.MappingDisabled
		m.LastSyncedAt = sql.NullTime{Time: o.now().UTC(), Valid: true}
		if err := o.store.UpdateMapping(ctx, m); err != nil {
			return ListingResult{Outcome: OutcomeFailed, ProductID: m.ProductID}, err
		}
	}

	latest, err := o.recorder.Latest(ctx, m.ProductID, ic.StoreID)
	if err != nil {
		return ListingResult{Outcome: OutcomeFailed, ProductID: m.ProductID}, err
	}
	if latest != nil && latest.Available {
		gone := *latest
		gone.ID = ""
		gone.Available = false
		gone.StockQuantity = sql.NullInt64{Int64: 0, Valid: true}
		gone.RecordedAt = o.now()
		rec, err := o.recorder.Record(ctx, m.ProductID, ic.StoreID, gone)
		if err != nil {
			return ListingResult{Outcome: OutcomeFailed, ProductID: m.ProductID}, err
		}
		res.ObservationAdded = rec.Inserted
		o.afterRecord(ctx, ic, rec)
	}

	res.ProductDeactivated, err = o.deactivateIfOrphaned(ctx, m.ProductID)
	if err != nil {
		return ListingResult{Outcome: OutcomeFailed, ProductID: m.ProductID}, err
	}
	return res, nil
}

func (o *Orchestrator) deactivateIfOrphaned(ctx context.Context, productID string) (bool, error) {
	remaining, err := o.store.ListActiveMappingsForProduct(ctx, productID)
	if err != nil {
		return false, err
	}
	if len(remaining) > 0 {
		return false, nil
	}
	if err := o.store.SetProductActive(ctx, productID, false); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) recordObservation(ctx context.Context, ic *store.IntegrationConfig, productID string, l platform.ExternalListing) (bool, error) {
	obs := store.PriceObservation{
		Price:         l.Price,
		OriginalPrice: l.OriginalPrice,
		Currency:      l.Currency,
		Available:     l.IsAvailable,
		RecordedAt:    o.now(),
	}
	if obs.Currency == "" {
		obs.Currency = defaultCurrency
	}
	if l.StockQuantity != nil {
		obs.StockQuantity = sql.NullInt64{Int64: int64(*l.StockQuantity), Valid: true}
	}

	rec, err := o.recorder.Record(ctx, productID, ic.StoreID, obs)
	if err != nil {
		return false, fmt.Errorf("record observation: %w", err)
	}
	o.afterRecord(ctx, ic, rec)
	return rec.Inserted, nil
}

// afterRecord emits change events for an inserted observation that has a predecessor.
func (o *Orchestrator) afterRecord(ctx context.Context, ic *store.IntegrationConfig, rec pricehistory.RecordResult) {
	if !rec.Inserted {
		return
	}
	o.metrics.ObservationRecorded(ic.StoreID)
	if rec.Previous == nil {
		return
	}

	cur, prev := rec.Observation, rec.Previous
	base := events.Event{
		ProductID:     cur.ProductID,
		StoreID:       cur.StoreID,
		IntegrationID: ic.ID,
		Price:         cur.Price,
		Currency:      cur.Currency,
		Available:     cur.Available,
		OccurredAt:    cur.RecordedAt,
	}
	if cur.StockQuantity.Valid {
		qty := cur.StockQuantity.Int64
		base.StockQuantity = &qty
	}

	var out []events.Event
	if !cur.Price.Equal(prev.Price) {
		ev := base
		ev.Kind = events.KindPriceChange
		previous := prev.Price
		ev.PreviousPrice = &previous
		out = append(out, ev)
	}
	if cur.Available != prev.Available || cur.StockQuantity != prev.StockQuantity {
		ev := base
		ev.Kind = events.KindInventoryUpdate
		was := prev.Available
		ev.PreviousAvailable = &was
		out = append(out, ev)
	}

	for _, ev := range out {
		if err := o.events.Publish(ctx, ev); err != nil {
			logger.Log.Warn("Failed to publish catalog event",
				zap.String("kind", string(ev.Kind)),
				zap.String("product_id", ev.ProductID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) markMappingError(ctx context.Context, m *store.ProductMapping, cause error) {
	m.Status = store.MappingError
	m.LastError = sql.NullString{String: cause.Error(), Valid: true}
	if err := o.store.UpdateMapping(ctx, m); err != nil {
		logger.Log.Warn("Failed to flag mapping error", zap.String("mapping_id", m.ID), zap.Error(err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, ic *store.IntegrationConfig, run *store.SyncRun, t *tally, runErr error, log *zap.Logger) {
	switch {
	case runErr != nil:
		run.Status = store.RunFailed
		t.errs = append(t.errs, store.RunError{Message: runErr.Error()})
	case run.Errors == 0:
		run.Status = store.RunCompleted
	case run.Errors < run.Processed:
		run.Status = store.RunPartial
	default:
		run.Status = store.RunFailed
	}
	if len(t.errs) > 0 {
		detail, _ := json.Marshal(t.errs)
		run.ErrorDetail = detail
	}
	finishedAt := o.now()
	run.FinishedAt = sql.NullTime{Time: finishedAt, Valid: true}

	if err := o.store.FinishRun(ctx, run); err != nil {
		log.Error("Failed to finalize sync run", zap.Error(err))
	}

	lastErr := ""
	switch {
	case runErr != nil:
		lastErr = runErr.Error()
	case run.Status == store.RunFailed:
		lastErr = fmt.Sprintf("all %d listings failed", run.Errors)
	}
	if err := o.store.MarkIntegrationRun(ctx, ic.ID, finishedAt, lastErr); err != nil {
		log.Error("Failed to update integration after run", zap.Error(err))
	}

	o.metrics.RunFinished(ic.Platform, run.Kind, run.Status, finishedAt.Sub(run.StartedAt))
	fields := []zap.Field{
		zap.String("status", run.Status),
		zap.Int("processed", run.Processed),
		zap.Int("created", run.Created),
		zap.Int("updated", run.Updated),
		zap.Int("errors", run.Errors),
	}
	if runErr != nil {
		if platform.IsAuth(runErr) {
			log.Warn("Sync run rejected by platform credentials", append(fields, zap.Error(runErr))...)
			return
		}
		log.Error("Sync run failed", append(fields, zap.Error(runErr))...)
		return
	}
	log.Info("Finished sync run", fields...)
}

// tally accumulates per-listing results into the run counters.
type tally struct {
	run  *store.SyncRun
	errs []store.RunError
}

func (t *tally) add(externalID string, res ListingResult, err error) {
	t.run.Processed++
	if err != nil {
		t.run.Errors++
		if len(t.errs) < maxRunErrors {
			t.errs = append(t.errs, store.RunError{ExternalID: externalID, Message: err.Error()})
		}
		return
	}
	switch res.Outcome {
	case OutcomeCreated, OutcomeLinked:
		t.run.Created++
	case OutcomeUpdated, OutcomeDeactivated:
		t.run.Updated++
	}
}

func applyListing(p *store.Product, l platform.ExternalListing) {
	p.Name = l.Name
	p.Description = l.Description
	p.Price = l.Price
	p.OriginalPrice = l.OriginalPrice
	p.ImageURL = l.ImageURL
	p.Category = l.Category
	p.Brand = l.Brand
}

func listingCandidate(l platform.ExternalListing) matching.Candidate {
	return matching.Candidate{
		Name:        l.Name,
		Brand:       l.Brand,
		Description: l.Description,
		Price:       l.Price,
		UpdatedAt:   l.UpdatedAt,
	}
}

func productCandidates(products []*store.Product) []matching.Candidate {
	out := make([]matching.Candidate, 0, len(products))
	for _, p := range products {
		out = append(out, ProductCandidate(p))
	}
	return out
}

func ProductCandidate(p *store.Product) matching.Candidate {
	return matching.Candidate{
		ID:          p.ID,
		Name:        p.Name,
		Brand:       p.Brand,
		Description: p.Description,
		Price:       p.Price,
		UpdatedAt:   p.UpdatedAt,
	}
}
