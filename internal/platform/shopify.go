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

const shopifyAPIVersion = "2023-10"

type shopifyAdapter struct {
	client   *restClient
	storeURL string
	currency string
}

func newShopifyAdapter(s Settings) (Adapter, error) {
	token := s.Credentials["access_token"]
	client, err := newRestClient(Shopify, s, func(req *http.Request) {
		req.Header.Set("X-Shopify-Access-Token", token)
	})
	if err != nil {
		return nil, err
	}
	return &shopifyAdapter{
		client:   client,
		storeURL: strings.TrimRight(s.StoreURL, "/"),
		currency: s.Currency,
	}, nil
}

var _ Adapter = (*shopifyAdapter)(nil)

func (a *shopifyAdapter) Kind() Kind { return Shopify }

func (a *shopifyAdapter) Authenticate(ctx context.Context) error {
	_, err := a.client.getJSON(ctx, a.client.endpoint("/admin/api/"+shopifyAPIVersion+"/shop.json", nil), nil)
	return err
}

type shopifyProduct struct {
	ID          int64            `json:"id"`
	Title       string           `json:"title"`
	BodyHTML    string           `json:"body_html"`
	Vendor      string           `json:"vendor"`
	ProductType string           `json:"product_type"`
	Handle      string           `json:"handle"`
	Status      string           `json:"status"`
	UpdatedAt   string           `json:"updated_at"`
	Variants    []shopifyVariant `json:"variants"`
	Images      []struct {
		Src string `json:"src"`
	} `json:"images"`
}

type shopifyVariant struct {
	Price             string  `json:"price"`
	CompareAtPrice    *string `json:"compare_at_price"`
	SKU               string  `json:"sku"`
	InventoryQuantity *int    `json:"inventory_quantity"`
	InventoryPolicy   string  `json:"inventory_policy"`
}

// FetchListings pages with Shopify's cursor-based page_info links.
func (a *shopifyAdapter) FetchListings(ctx context.Context, pageSize int, cursor string) ([]ExternalListing, string, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("page_info", cursor)
	}

	var resp struct {
		Products []shopifyProduct `json:"products"`
	}
	header, err := a.client.getJSON(ctx, a.client.endpoint("/admin/api/"+shopifyAPIVersion+"/products.json", q), &resp)
	if err != nil {
		return nil, "", err
	}

	listings := make([]ExternalListing, 0, len(resp.Products))
	for _, p := range resp.Products {
		listings = append(listings, a.transform(p))
	}
	return listings, nextPageInfo(header.Get("Link")), nil
}

func (a *shopifyAdapter) FetchListingDetail(ctx context.Context, externalID string) (*ExternalListing, error) {
	var resp struct {
		Product shopifyProduct `json:"product"`
	}
	path := fmt.Sprintf("/admin/api/%s/products/%s.json", shopifyAPIVersion, url.PathEscape(externalID))
	if _, err := a.client.getJSON(ctx, a.client.endpoint(path, nil), &resp); err != nil {
		return nil, err
	}
	l := a.transform(resp.Product)
	return &l, nil
}

// transform takes price, sku and stock from the first variant.
func (a *shopifyAdapter) transform(p shopifyProduct) ExternalListing {
	l := ExternalListing{
		ExternalID:  strconv.FormatInt(p.ID, 10),
		Name:        p.Title,
		Description: stripHTML(p.BodyHTML),
		Currency:    a.currency,
		Brand:       p.Vendor,
		Category:    p.ProductType,
		IsActive:    p.Status == "" || p.Status == "active",
	}
	if p.Handle != "" {
		l.URL = a.storeURL + "/products/" + p.Handle
	}
	if len(p.Images) > 0 {
		l.ImageURL = p.Images[0].Src
	}
	if t, err := time.Parse(time.RFC3339, p.UpdatedAt); err == nil {
		l.UpdatedAt = t
	}
	if len(p.Variants) > 0 {
		v := p.Variants[0]
		l.SKU = v.SKU
		l.setPrice(v.Price)
		if v.CompareAtPrice != nil && *v.CompareAtPrice != "" {
			if cmp, err := decimal.NewFromString(*v.CompareAtPrice); err == nil {
				l.OriginalPrice = decimal.NewNullDecimal(cmp)
			}
		}
		if v.InventoryQuantity != nil {
			qty := *v.InventoryQuantity
			l.StockQuantity = &qty
			l.IsAvailable = qty > 0 || v.InventoryPolicy == "continue"
		} else {
			l.IsAvailable = true
		}
	} else {
		l.priceErr = "is missing, product has no variants"
	}
	return l
}

func nextPageInfo(link string) string {
	for _, part := range strings.Split(link, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		isNext := false
		for _, attr := range segs[1:] {
			if strings.TrimSpace(attr) == `rel="next"` {
				isNext = true
			}
		}
		if !isNext {
			continue
		}
		u, err := url.Parse(strings.Trim(strings.TrimSpace(segs[0]), "<>"))
		if err != nil {
			return ""
		}
		return u.Query().Get("page_info")
	}
	return ""
}

type shopifyWebhooks struct{}

func (shopifyWebhooks) SignatureHeader() string { return "X-Shopify-Hmac-Sha256" }
func (shopifyWebhooks) TopicHeader() string     { return "X-Shopify-Topic" }

func (shopifyWebhooks) VerifySignature(body []byte, signature, secret string) bool {
	return verifyBase64HMAC(body, signature, secret)
}

func (shopifyWebhooks) Decode(topic string, body []byte, s Settings) (*WebhookEvent, error) {
	var kind EventKind
	switch topic {
	case "products/create":
		kind = EventCreate
	case "products/update":
		kind = EventUpdate
	case "products/delete":
		kind = EventDelete
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	var p shopifyProduct
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &ValidationError{Field: "body", Reason: err.Error()}
	}
	ev := &WebhookEvent{Kind: kind, ExternalID: strconv.FormatInt(p.ID, 10)}
	if kind != EventDelete {
		a := &shopifyAdapter{storeURL: strings.TrimRight(s.StoreURL, "/"), currency: s.Currency}
		l := a.transform(p)
		ev.Listing = &l
	}
	return ev, nil
}
