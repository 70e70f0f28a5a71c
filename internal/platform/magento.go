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

type magentoAdapter struct {
	client   *restClient
	storeURL string
	currency string
}

func newMagentoAdapter(s Settings) (Adapter, error) {
	token := s.Credentials["access_token"]
	client, err := newRestClient(Magento, s, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	})
	if err != nil {
		return nil, err
	}
	return &magentoAdapter{
		client:   client,
		storeURL: strings.TrimRight(s.StoreURL, "/"),
		currency: s.Currency,
	}, nil
}

var _ Adapter = (*magentoAdapter)(nil)

func (a *magentoAdapter) Kind() Kind { return Magento }

func (a *magentoAdapter) Authenticate(ctx context.Context) error {
	_, err := a.client.getJSON(ctx, a.client.endpoint("/rest/V1/store/storeConfigs", nil), nil)
	return err
}

type magentoAttribute struct {
	Code  string          `json:"attribute_code"`
	Value json.RawMessage `json:"value"`
}

type magentoProduct struct {
	ID               int64              `json:"id"`
	SKU              string             `json:"sku"`
	Name             string             `json:"name"`
	Price            json.Number        `json:"price"`
	Status           int                `json:"status"`
	UpdatedAt        string             `json:"updated_at"`
	CustomAttributes []magentoAttribute `json:"custom_attributes"`
	Extension        struct {
		StockItem *struct {
			Qty       float64 `json:"qty"`
			IsInStock bool    `json:"is_in_stock"`
		} `json:"stock_item"`
	} `json:"extension_attributes"`
	Media []struct {
		File string `json:"file"`
	} `json:"media_gallery_entries"`
}

func (p magentoProduct) attribute(code string) string {
	for _, attr := range p.CustomAttributes {
		if attr.Code != code {
			continue
		}
		var s string
		if err := json.Unmarshal(attr.Value, &s); err == nil {
			return s
		}
		return strings.Trim(string(attr.Value), `"`)
	}
	return ""
}

// FetchListings uses searchCriteria paging; the cursor is the page number.
func (a *magentoAdapter) FetchListings(ctx context.Context, pageSize int, cursor string) ([]ExternalListing, string, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return nil, "", fmt.Errorf("%w: invalid cursor %q", ErrRequestFailed, cursor)
		}
		page = n
	}

	q := url.Values{}
	q.Set("searchCriteria[pageSize]", strconv.Itoa(pageSize))
	q.Set("searchCriteria[currentPage]", strconv.Itoa(page))
	q.Set("searchCriteria[sortOrders][0][field]", "entity_id")
	q.Set("searchCriteria[sortOrders][0][direction]", "ASC")

	var resp struct {
		Items      []magentoProduct `json:"items"`
		TotalCount int              `json:"total_count"`
	}
	if _, err := a.client.getJSON(ctx, a.client.endpoint("/rest/V1/products", q), &resp); err != nil {
		return nil, "", err
	}

	listings := make([]ExternalListing, 0, len(resp.Items))
	for _, p := range resp.Items {
		listings = append(listings, a.transform(p))
	}

	next := ""
	if page*pageSize < resp.TotalCount && len(resp.Items) > 0 {
		next = strconv.Itoa(page + 1)
	}
	return listings, next, nil
}

func (a *magentoAdapter) FetchListingDetail(ctx context.Context, externalID string) (*ExternalListing, error) {
	var p magentoProduct
	path := "/rest/V1/products/" + url.PathEscape(externalID)
	if _, err := a.client.getJSON(ctx, a.client.endpoint(path, nil), &p); err != nil {
		return nil, err
	}
	l := a.transform(p)
	return &l, nil
}

// transform keys listings by SKU; special_price, when lower, becomes the
// selling price and the catalog price the original.
func (a *magentoAdapter) transform(p magentoProduct) ExternalListing {
	l := ExternalListing{
		ExternalID:  p.SKU,
		Name:        p.Name,
		Description: stripHTML(firstNonEmpty(p.attribute("description"), p.attribute("short_description"))),
		Currency:    a.currency,
		SKU:         p.SKU,
		Brand:       firstNonEmpty(p.attribute("brand"), p.attribute("manufacturer")),
		Category:    p.attribute("category_name"),
		IsActive:    p.Status == 1,
		IsAvailable: true,
	}

	l.setPrice(p.Price.String())
	if special, err := decimal.NewFromString(p.attribute("special_price")); err == nil && l.priceErr == "" && special.LessThan(l.Price) {
		l.OriginalPrice = decimal.NewNullDecimal(l.Price)
		l.Price = special
	}

	if st := p.Extension.StockItem; st != nil {
		qty := int(st.Qty)
		l.StockQuantity = &qty
		l.IsAvailable = st.IsInStock
	}
	if key := p.attribute("url_key"); key != "" && a.storeURL != "" {
		l.URL = a.storeURL + "/" + key + ".html"
	}
	if len(p.Media) > 0 && a.storeURL != "" {
		l.ImageURL = a.storeURL + "/media/catalog/product" + p.Media[0].File
	}
	if t, err := time.Parse("2006-01-02 15:04:05", p.UpdatedAt); err == nil {
		l.UpdatedAt = t.UTC()
	}
	return l
}

type magentoWebhooks struct{}

func (magentoWebhooks) SignatureHeader() string { return "X-Magento-Signature" }
func (magentoWebhooks) TopicHeader() string     { return "X-Magento-Topic" }

func (magentoWebhooks) VerifySignature(body []byte, signature, secret string) bool {
	return verifyHexHMAC(body, signature, secret)
}

func (magentoWebhooks) Decode(topic string, body []byte, s Settings) (*WebhookEvent, error) {
	var kind EventKind
	switch topic {
	case "catalog_product_save_after":
		kind = EventUpdate
	case "catalog_product_create_after":
		kind = EventCreate
	case "catalog_product_delete_after":
		kind = EventDelete
	case "cataloginventory_stock_item_save_after":
		kind = EventInventoryUpdate
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	var p magentoProduct
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &ValidationError{Field: "body", Reason: err.Error()}
	}
	if p.SKU == "" {
		return nil, &ValidationError{Field: "sku", Reason: "is empty"}
	}
	ev := &WebhookEvent{Kind: kind, ExternalID: p.SKU}
	if kind == EventCreate || kind == EventUpdate {
		a := &magentoAdapter{storeURL: strings.TrimRight(s.StoreURL, "/"), currency: s.Currency}
		l := a.transform(p)
		ev.Listing = &l
	}
	return ev, nil
}
