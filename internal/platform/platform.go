package platform

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

type Kind string

const (
	Shopify     Kind = "shopify"
	WooCommerce Kind = "woocommerce"
	Magento     Kind = "magento"
)

func (k Kind) IsValid() bool {
	_, ok := registry[k]
	return ok
}

func (k Kind) String() string {
	return string(k)
}

// ExternalListing is the canonical form every adapter normalizes into.
type ExternalListing struct {
	ExternalID    string              `json:"external_id"`
	Name          string              `json:"name"`
	Description   string              `json:"description"`
	Price         decimal.Decimal     `json:"price"`
	OriginalPrice decimal.NullDecimal `json:"original_price"`
	Currency      string              `json:"currency"`
	SKU           string              `json:"sku"`
	Brand         string              `json:"brand"`
	Category      string              `json:"category"`
	ImageURL      string              `json:"image_url"`
	IsActive      bool                `json:"is_active"`
	IsAvailable   bool                `json:"is_available"`
	StockQuantity *int                `json:"stock_quantity,omitempty"`
	URL           string              `json:"url"`
	UpdatedAt     time.Time           `json:"updated_at"`

	// priceErr is set when the upstream price could not be read.
	priceErr string
}

// setPrice parses an upstream price string into Price.
func (l *ExternalListing) setPrice(raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		l.priceErr = "is missing"
		return
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		l.priceErr = fmt.Sprintf("%q is not a number", raw)
		return
	}
	l.Price = price
}

func (l ExternalListing) Validate() error {
	switch {
	case strings.TrimSpace(l.ExternalID) == "":
		return &ValidationError{Field: "external_id", Reason: "is empty"}
	case strings.TrimSpace(l.Name) == "":
		return &ValidationError{ExternalID: l.ExternalID, Field: "name", Reason: "is empty"}
	case l.priceErr != "":
		return &ValidationError{ExternalID: l.ExternalID, Field: "price", Reason: l.priceErr}
	case l.Price.IsNegative():
		return &ValidationError{ExternalID: l.ExternalID, Field: "price", Reason: "is negative"}
	case l.OriginalPrice.Valid && l.OriginalPrice.Decimal.IsNegative():
		return &ValidationError{ExternalID: l.ExternalID, Field: "original_price", Reason: "is negative"}
	}
	return nil
}

// Adapter talks to one external storefront.
type Adapter interface {
	Kind() Kind
	// Authenticate returns nil when the credentials are accepted and an
	// *AuthError when they are not.
	Authenticate(ctx context.Context) error
	// FetchListings returns one page. An empty next cursor means the last page.
	FetchListings(ctx context.Context, pageSize int, cursor string) ([]ExternalListing, string, error)
	FetchListingDetail(ctx context.Context, externalID string) (*ExternalListing, error)
}

type Credentials map[string]string

type Settings struct {
	StoreURL    string
	Credentials Credentials
	Currency    string
	HTTPClient  *http.Client
	RateLimit   rate.Limit
	Burst       int
}

type factory func(Settings) (Adapter, error)

var registry = map[Kind]factory{
	Shopify:     newShopifyAdapter,
	WooCommerce: newWooCommerceAdapter,
	Magento:     newMagentoAdapter,
}

var requiredCredentials = map[Kind][]string{
	Shopify:     {"access_token"},
	WooCommerce: {"consumer_key", "consumer_secret"},
	Magento:     {"access_token"},
}

// New builds the adapter registered for kind.
func New(kind Kind, s Settings) (Adapter, error) {
	f, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, kind)
	}
	if missing := MissingCredentials(kind, s.Credentials); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingCredential, strings.Join(missing, ", "))
	}
	if s.HTTPClient == nil {
		s.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if s.RateLimit == 0 {
		s.RateLimit = rate.Limit(2)
	}
	if s.Burst <= 0 {
		s.Burst = 1
	}
	if s.Currency == "" {
		s.Currency = "USD"
	}
	return f(s)
}

func Kinds() []Kind {
	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func RequiredCredentials(kind Kind) []string {
	return requiredCredentials[kind]
}

func MissingCredentials(kind Kind, creds Credentials) []string {
	var missing []string
	for _, key := range requiredCredentials[kind] {
		if strings.TrimSpace(creds[key]) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
