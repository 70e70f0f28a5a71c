package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type wooAdapter struct {
	client   *restClient
	currency string
}

func newWooCommerceAdapter(s Settings) (Adapter, error) {
	key, secret := s.Credentials["consumer_key"], s.Credentials["consumer_secret"]
	client, err := newRestClient(WooCommerce, s, func(req *http.Request) {
		req.SetBasicAuth(key, secret)
	})
	if err != nil {
		return nil, err
	}
	return &wooAdapter{client: client, currency: s.Currency}, nil
}

var _ Adapter = (*wooAdapter)(nil)

func (a *wooAdapter) Kind() Kind { return WooCommerce }

func (a *wooAdapter) Authenticate(ctx context.Context) error {
	q := url.Values{}
	q.Set("per_page", "1")
	_, err := a.client.getJSON(ctx, a.client.endpoint("/wp-json/wc/v3/products", q), nil)
	return err
}

type wooProduct struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	Description      string  `json:"description"`
	ShortDescription string  `json:"short_description"`
	Permalink        string  `json:"permalink"`
	SKU              string  `json:"sku"`
	Price            string  `json:"price"`
	RegularPrice     string  `json:"regular_price"`
	Status           string  `json:"status"`
	StockStatus      string  `json:"stock_status"`
	StockQuantity    *int    `json:"stock_quantity"`
	DateModifiedGMT  string  `json:"date_modified_gmt"`
	Categories       []named `json:"categories"`
	Brands           []named `json:"brands"`
	Images           []struct {
		Src string `json:"src"`
	} `json:"images"`
}

type named struct {
	Name string `json:"name"`
}

// FetchListings uses the page number as cursor.
func (a *wooAdapter) FetchListings(ctx context.Context, pageSize int, cursor string) ([]ExternalListing, string, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return nil, "", fmt.Errorf("%w: invalid cursor %q", ErrRequestFailed, cursor)
		}
		page = n
	}

	q := url.Values{}
	q.Set("per_page", strconv.Itoa(pageSize))
	q.Set("page", strconv.Itoa(page))
	q.Set("orderby", "id")
	q.Set("order", "asc")

	var products []wooProduct
	header, err := a.client.getJSON(ctx, a.client.endpoint("/wp-json/wc/v3/products", q), &products)
	if err != nil {
		return nil, "", err
	}

	listings := make([]ExternalListing, 0, len(products))
	for _, p := range products {
		listings = append(listings, a.transform(p))
	}

	next := ""
	if total, err := strconv.Atoi(header.Get("X-WP-TotalPages")); err == nil {
		if page < total {
			next = strconv.Itoa(page + 1)
		}
	} else if len(products) == pageSize {
		next = strconv.Itoa(page + 1)
	}
	return listings, next, nil
}

func (a *wooAdapter) FetchListingDetail(ctx context.Context, externalID string) (*ExternalListing, error) {
	var p wooProduct
	path := "/wp-json/wc/v3/products/" + url.PathEscape(externalID)
	if _, err := a.client.getJSON(ctx, a.client.endpoint(path, nil), &p); err != nil {
		return nil, err
	}
	l := a.transform(p)
	return &l, nil
}

func (a *wooAdapter) transform(p wooProduct) ExternalListing {
	l := ExternalListing{
		ExternalID:    strconv.FormatInt(p.ID, 10),
		Name:          p.Name,
		Description:   stripHTML(firstNonEmpty(p.Description, p.ShortDescription)),
		Currency:      a.currency,
		SKU:           p.SKU,
		IsActive:      p.Status == "" || p.Status == "publish",
		IsAvailable:   p.StockStatus == "" || p.StockStatus == "instock" || p.StockStatus == "onbackorder",
		StockQuantity: p.StockQuantity,
		URL:           p.Permalink,
	}
	if len(p.Categories) > 0 {
		l.Category = p.Categories[0].Name
	}
	if len(p.Brands) > 0 {
		l.Brand = p.Brands[0].Name
	}
	if len(p.Images) > 0 {
		l.ImageURL = p.Images[0].Src
	}
	if t, err := time.Parse("2006-01-02T15:04:05", p.DateModifiedGMT); err == nil {
		l.UpdatedAt = t.UTC()
	}

	l.setPrice(firstNonEmpty(p.Price, p.RegularPrice))
	if regular, err := decimal.NewFromString(p.RegularPrice); err == nil && !regular.Equal(l.Price) {
		l.OriginalPrice = decimal.NewNullDecimal(regular)
	}
	return l
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type wooWebhooks struct{}

func (wooWebhooks) SignatureHeader() string { return "X-WC-Webhook-Signature" }
func (wooWebhooks) TopicHeader() string     { return "X-WC-Webhook-Topic" }

func (wooWebhooks) VerifySignature(body []byte, signature, secret string) bool {
	return verifyBase64HMAC(body, signature, secret)
}

func (wooWebhooks) Decode(topic string, body []byte, s Settings) (*WebhookEvent, error) {
	var kind EventKind
	switch topic {
	case "product.created":
		kind = EventCreate
	case "product.updated", "product.restored":
		kind = EventUpdate
	case "product.deleted":
		kind = EventDelete
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	var p wooProduct
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &ValidationError{Field: "body", Reason: err.Error()}
	}
	ev := &WebhookEvent{Kind: kind, ExternalID: strconv.FormatInt(p.ID, 10)}
	if kind != EventDelete {
		l := (&wooAdapter{currency: s.Currency}).transform(p)
		ev.Listing = &l
	}
	return ev, nil
}
