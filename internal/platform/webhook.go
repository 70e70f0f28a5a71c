package platform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

type EventKind string

const (
	EventCreate          EventKind = "create"
	EventUpdate          EventKind = "update"
	EventDelete          EventKind = "delete"
	EventInventoryUpdate EventKind = "inventory-update"
)

// WebhookEvent is a decoded push notification. Listing is nil for deletes and
// inventory updates, which only carry the external id.
type WebhookEvent struct {
	Kind       EventKind
	ExternalID string
	Listing    *ExternalListing
}

// WebhookDecoder knows a platform's push format.
type WebhookDecoder interface {
	SignatureHeader() string
	TopicHeader() string
	VerifySignature(body []byte, signature, secret string) bool
	Decode(topic string, body []byte, s Settings) (*WebhookEvent, error)
}

var webhookDecoders = map[Kind]WebhookDecoder{
	Shopify:     shopifyWebhooks{},
	WooCommerce: wooWebhooks{},
	Magento:     magentoWebhooks{},
}

func Decoder(kind Kind) (WebhookDecoder, error) {
	d, ok := webhookDecoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, kind)
	}
	return d, nil
}

func computeHMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func verifyBase64HMAC(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, computeHMAC(body, secret))
}

func verifyHexHMAC(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, computeHMAC(body, secret))
}

// Sign produces the signature header value kind expects for body.
func Sign(kind Kind, body []byte, secret string) string {
	sum := computeHMAC(body, secret)
	if kind == Magento {
		return hex.EncodeToString(sum)
	}
	return base64.StdEncoding.EncodeToString(sum)
}
