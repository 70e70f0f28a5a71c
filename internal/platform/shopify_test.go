package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shopifyPage1 = `{"products":[
 {"id":101,"title":"Blue Kettle","body_html":"<p>Boils <b>fast</b></p>","vendor":"Acme","product_type":"Kitchen","handle":"blue-kettle","status":"active","updated_at":"2026-01-02T10:00:00Z",
  "variants":[{"price":"29.99","compare_at_price":"39.99","sku":"KET-1","inventory_quantity":4,"inventory_policy":"deny"},{"price":"99.00","sku":"KET-2"}],
  "images":[{"src":"https://cdn.example.com/k.jpg"}]},
 {"id":102,"title":"Draft Mug","vendor":"Acme","product_type":"Kitchen","handle":"mug","status":"draft",
  "variants":[{"price":"5.00","compare_at_price":null,"sku":"MUG","inventory_quantity":0,"inventory_policy":"deny"}]}
]}`

func newShopifyServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/api/2023-10/shop.json", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Shopify-Access-Token") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"shop":{"name":"demo"}}`)
	})
	mux.HandleFunc("/admin/api/2023-10/products.json", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page_info") {
		case "":
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/admin/api/2023-10/products.json?limit=2&page_info=cur2>; rel="next"`, r.Host))
			fmt.Fprint(w, shopifyPage1)
		case "cur2":
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/admin/api/2023-10/products.json?limit=2&page_info=cur1>; rel="previous"`, r.Host))
			fmt.Fprint(w, `{"products":[{"id":103,"title":"Last","variants":[{"price":"1.00"}]}]}`)
		case "throttled":
			w.Header().Set("Retry-After", "2.0")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/admin/api/2023-10/products/101.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"product":{"id":101,"title":"Blue Kettle","handle":"blue-kettle","variants":[{"price":"27.50","inventory_quantity":3}]}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestShopify_Authenticate(t *testing.T) {
	srv := newShopifyServer(t)

	good, err := New(Shopify, testSettings(srv.URL, Credentials{"access_token": "good"}))
	require.NoError(t, err)
	assert.NoError(t, good.Authenticate(context.Background()))

	bad, err := New(Shopify, testSettings(srv.URL, Credentials{"access_token": "bad"}))
	require.NoError(t, err)
	err = bad.Authenticate(context.Background())
	assert.True(t, IsAuth(err))
	assert.False(t, IsTransient(err))
}

func TestShopify_FetchListingsPaginates(t *testing.T) {
	srv := newShopifyServer(t)
	a, err := New(Shopify, testSettings(srv.URL, Credentials{"access_token": "good"}))
	require.NoError(t, err)

	listings, next, err := a.FetchListings(context.Background(), 2, "")
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, "cur2", next)

	k := listings[0]
	assert.Equal(t, "101", k.ExternalID)
	assert.Equal(t, "Blue Kettle", k.Name)
	assert.Equal(t, "Boils fast", k.Description)
	assert.Equal(t, "Acme", k.Brand)
	assert.Equal(t, "Kitchen", k.Category)
	assert.Equal(t, "KET-1", k.SKU)
	assert.Equal(t, "29.99", k.Price.StringFixed(2))
	require.True(t, k.OriginalPrice.Valid)
	assert.Equal(t, "39.99", k.OriginalPrice.Decimal.StringFixed(2))
	assert.Equal(t, srv.URL+"/products/blue-kettle", k.URL)
	assert.Equal(t, "https://cdn.example.com/k.jpg", k.ImageURL)
	require.NotNil(t, k.StockQuantity)
	assert.Equal(t, 4, *k.StockQuantity)
	assert.True(t, k.IsAvailable)
	assert.True(t, k.IsActive)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), k.UpdatedAt.UTC())

	mug := listings[1]
	assert.False(t, mug.IsActive)
	assert.False(t, mug.IsAvailable)
	assert.False(t, mug.OriginalPrice.Valid)

	listings, next, err = a.FetchListings(context.Background(), 2, next)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Empty(t, next)
}

func TestShopify_ErrorsAreClassified(t *testing.T) {
	srv := newShopifyServer(t)
	a, err := New(Shopify, testSettings(srv.URL, Credentials{"access_token": "good"}))
	require.NoError(t, err)

	_, _, err = a.FetchListings(context.Background(), 2, "throttled")
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 2*time.Second, te.RetryAfter)

	_, _, err = a.FetchListings(context.Background(), 2, "broken")
	assert.True(t, IsTransient(err))

	_, err = a.FetchListingDetail(context.Background(), "999")
	assert.ErrorIs(t, err, ErrListingNotFound)
}

func TestShopify_FetchListingDetail(t *testing.T) {
	srv := newShopifyServer(t)
	a, err := New(Shopify, testSettings(srv.URL, Credentials{"access_token": "good"}))
	require.NoError(t, err)

	l, err := a.FetchListingDetail(context.Background(), "101")
	require.NoError(t, err)
	assert.Equal(t, "27.50", l.Price.StringFixed(2))
	assert.Equal(t, 3, *l.StockQuantity)
}

func TestShopify_NetworkFailureIsTransient(t *testing.T) {
	srv := newShopifyServer(t)
	url := srv.URL
	srv.Close()

	a, err := New(Shopify, testSettings(url, Credentials{"access_token": "good"}))
	require.NoError(t, err)
	assert.True(t, IsTransient(a.Authenticate(context.Background())))
}

func TestNextPageInfo(t *testing.T) {
	tests := []struct {
		link string
		want string
	}{
		{link: "", want: ""},
		{link: `<https://s/products.json?page_info=abc&limit=5>; rel="next"`, want: "abc"},
		{link: `<https://s/p.json?page_info=prev>; rel="previous", <https://s/p.json?page_info=nxt>; rel="next"`, want: "nxt"},
		{link: `<https://s/p.json?page_info=prev>; rel="previous"`, want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextPageInfo(tt.link), tt.link)
	}
}
