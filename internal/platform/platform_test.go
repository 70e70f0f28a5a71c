package platform

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testSettings(url string, creds Credentials) Settings {
	return Settings{StoreURL: url, Credentials: creds, RateLimit: rate.Inf, Burst: 1}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		creds   Credentials
		wantErr error
	}{
		{name: "shopify", kind: Shopify, creds: Credentials{"access_token": "t"}},
		{name: "woocommerce", kind: WooCommerce, creds: Credentials{"consumer_key": "k", "consumer_secret": "s"}},
		{name: "magento", kind: Magento, creds: Credentials{"access_token": "t"}},
		{name: "unknown kind", kind: "etsy", wantErr: ErrUnsupportedPlatform},
		{name: "missing secret", kind: WooCommerce, creds: Credentials{"consumer_key": "k"}, wantErr: ErrMissingCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.kind, testSettings("https://shop.example.com", tt.creds))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, a.Kind())
		})
	}
}

func TestNew_InvalidStoreURL(t *testing.T) {
	_, err := New(Shopify, testSettings("not a url", Credentials{"access_token": "t"}))
	assert.Error(t, err)
}

func TestKindsAndCredentials(t *testing.T) {
	assert.Equal(t, []Kind{Magento, Shopify, WooCommerce}, Kinds())
	assert.True(t, Shopify.IsValid())
	assert.False(t, Kind("etsy").IsValid())
	assert.Equal(t, []string{"consumer_key", "consumer_secret"}, RequiredCredentials(WooCommerce))
	assert.Equal(t, []string{"consumer_secret"}, MissingCredentials(WooCommerce, Credentials{"consumer_key": "k", "consumer_secret": " "}))
}

func TestListingValidate(t *testing.T) {
	valid := ExternalListing{ExternalID: "1", Name: "Kettle", Price: decimal.NewFromInt(10)}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		edit  func(l *ExternalListing)
		field string
	}{
		{name: "no id", edit: func(l *ExternalListing) { l.ExternalID = " " }, field: "external_id"},
		{name: "no name", edit: func(l *ExternalListing) { l.Name = "" }, field: "name"},
		{name: "negative price", edit: func(l *ExternalListing) { l.Price = decimal.NewFromInt(-1) }, field: "price"},
		{name: "missing price", edit: func(l *ExternalListing) { l.setPrice(" ") }, field: "price"},
		{name: "unreadable price", edit: func(l *ExternalListing) { l.setPrice("N/A") }, field: "price"},
		{name: "negative original", edit: func(l *ExternalListing) {
			l.OriginalPrice = decimal.NewNullDecimal(decimal.NewFromInt(-5))
		}, field: "original_price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := valid
			tt.edit(&l)
			err := l.Validate()
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestErrorClassification(t *testing.T) {
	auth := &AuthError{Platform: Shopify, Err: errors.New("401")}
	transient := &TransientError{Platform: Shopify, Err: errors.New("503")}

	assert.True(t, IsAuth(auth))
	assert.False(t, IsTransient(auth))
	assert.True(t, IsTransient(transient))
	assert.False(t, IsAuth(transient))
	assert.Contains(t, auth.Error(), "authentication failed")
}
