package sync

import (
	"errors"
	"fmt"
)

var (
	ErrSyncInProgress      = errors.New("sync already in progress")
	ErrRunTimeout          = errors.New("sync run timed out")
	ErrIntegrationInactive = errors.New("integration is inactive")
	ErrQueueFull           = errors.New("task queue is full")
	ErrPoolStopped         = errors.New("worker pool stopped")
	ErrCursorStalled       = errors.New("listing cursor did not advance")
)

type Outcome string

const (
	OutcomeCreated     Outcome = "created"
	OutcomeLinked      Outcome = "linked"
	OutcomeUpdated     Outcome = "updated"
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeDeactivated Outcome = "deactivated"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeFailed      Outcome = "failed"
)

// ListingResult is what reconciling one upstream listing changed.
type ListingResult struct {
	Outcome            Outcome `json:"outcome"`
	ProductID          string  `json:"product_id,omitempty"`
	MappingID          string  `json:"mapping_id,omitempty"`
	ObservationAdded   bool    `json:"observation_added"`
	ProductDeactivated bool    `json:"product_deactivated,omitempty"`
}

// RunRequest describes one orchestration attempt. ProductID narrows a
// price-only run to the single mapping of that product.
type RunRequest struct {
	IntegrationID string
	Kind          string
	Attempt       int
	ProductID     string
}

func (r RunRequest) String() string {
	if r.ProductID != "" {
		return fmt.Sprintf("%s[%s product=%s attempt=%d]", r.IntegrationID, r.Kind, r.ProductID, r.Attempt)
	}
	return fmt.Sprintf("%s[%s attempt=%d]", r.IntegrationID, r.Kind, r.Attempt)
}

// CatalogChange is a row change on the shared products table.
type CatalogChange struct {
	ProductID string
	Action    string
	Timestamp uint32
}

func (c CatalogChange) String() string {
	return fmt.Sprintf("[%s] product %s", c.Action, c.ProductID)
}
