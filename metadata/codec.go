// Package metadata encodes the PaymentMetadata token that links a redirect
// payment attempt back to its cart.
//
// Tokens are HS256-signed JWTs, so a customer cannot change the cart id in a
// redirect URL without invalidating the signature. The signature alone is not
// trusted: the confirmation path still cross-checks the token against the
// processor's own record of the payment.
package metadata

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/arkantrust/payment-reconciler/methods"
	"github.com/arkantrust/payment-reconciler/models"
	"github.com/arkantrust/payment-reconciler/processor"
)

// ChargeMetadataKey is the processor-side metadata key holding the encoded
// token on intents and charges.
const ChargeMetadataKey = "payment_metadata"

// ErrMalformedMetadata is returned for any token that cannot be decoded into
// a complete PaymentMetadata.
var ErrMalformedMetadata = errors.New("malformed payment metadata")

type claims struct {
	Type          models.MetadataType `json:"typ"`
	Ref           string              `json:"ref"`
	CartID        int64               `json:"cart"`
	MethodID      string              `json:"method"`
	CorrelationID string              `json:"cid,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies metadata tokens.
type Codec struct {
	secret []byte
}

// NewCodec returns a codec signing with secret.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("metadata signing secret is empty")
	}
	return &Codec{secret: []byte(secret)}, nil
}

// ForPaymentObject builds the metadata of a new attempt. The type follows the
// processor object: a checkout session wrapper yields SESSION, a direct
// payment intent yields PAYMENT_INTENT.
func ForPaymentObject(methodID string, cart models.Cart, obj any) (models.PaymentMetadata, error) {
	m := models.PaymentMetadata{
		CartID:        cart.ID,
		MethodID:      methodID,
		CorrelationID: uuid.New().String(),
	}

	switch o := obj.(type) {
	case *processor.PaymentIntent:
		m.Type = models.MetadataPaymentIntent
		m.ID = o.ID
	case *processor.CheckoutSession:
		m.Type = models.MetadataSession
		m.ID = o.ID
	default:
		return models.PaymentMetadata{}, fmt.Errorf("unsupported payment object %T", obj)
	}

	if m.ID == "" {
		return models.PaymentMetadata{}, errors.New("payment object has no id")
	}
	return m, nil
}

// Encode serializes m into a signed token.
func (c *Codec) Encode(m models.PaymentMetadata) (string, error) {
	if err := check(m); err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Type:          m.Type,
		Ref:           m.ID,
		CartID:        m.CartID,
		MethodID:      m.MethodID,
		CorrelationID: m.CorrelationID,
	})
	return token.SignedString(c.secret)
}

// Decode verifies and parses a token. Any failure wraps ErrMalformedMetadata.
func (c *Codec) Decode(s string) (models.PaymentMetadata, error) {
	var cl claims
	_, err := jwt.ParseWithClaims(s, &cl, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.PaymentMetadata{}, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}

	m := models.PaymentMetadata{
		Type:          cl.Type,
		ID:            cl.Ref,
		CartID:        cl.CartID,
		MethodID:      cl.MethodID,
		CorrelationID: cl.CorrelationID,
	}
	if err := check(m); err != nil {
		return models.PaymentMetadata{}, err
	}
	return m, nil
}

// Validate cross-checks the token against the live cart and the method's
// eligibility rules. An empty result means proceed.
func Validate(m models.PaymentMetadata, method methods.Method, cart models.Cart) []string {
	var errs []string
	if m.CartID != cart.ID {
		errs = append(errs, fmt.Sprintf("payment was started for cart %d, not cart %d", m.CartID, cart.ID))
	}
	if method == nil {
		return append(errs, fmt.Sprintf("unknown payment method %q", m.MethodID))
	}
	if method.ID() != m.MethodID {
		errs = append(errs, fmt.Sprintf("payment method %q does not match %q", method.ID(), m.MethodID))
	}
	return append(errs, method.Eligible(cart)...)
}

func check(m models.PaymentMetadata) error {
	switch {
	case m.Type != models.MetadataPaymentIntent && m.Type != models.MetadataSession:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMetadata, m.Type)
	case m.ID == "":
		return fmt.Errorf("%w: missing reference id", ErrMalformedMetadata)
	case m.CartID <= 0:
		return fmt.Errorf("%w: missing cart id", ErrMalformedMetadata)
	case m.MethodID == "":
		return fmt.Errorf("%w: missing method id", ErrMalformedMetadata)
	}
	return nil
}
