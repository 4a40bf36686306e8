// Package methods holds the closed set of payment methods the reconciler
// knows about.
package methods

import (
	"fmt"
	"slices"
	"strings"

	"github.com/arkantrust/payment-reconciler/models"
)

// Method is the capability every payment method variant provides.
type Method interface {
	ID() string
	Name() string

	// Eligible returns the reasons the cart cannot be paid with the method.
	Eligible(cart models.Cart) []string

	// Redirect reports whether the customer leaves the shop to pay and the
	// order is only created once the payment is known to have succeeded.
	Redirect() bool
}

// card covers synchronous methods confirmed on the checkout page.
type card struct {
	id, name string
}

func (c card) ID() string { return c.id }
func (c card) Name() string { return c.name }
func (c card) Redirect() bool { return false }

func (c card) Eligible(cart models.Cart) []string {
	if cart.Total <= 0 {
		return []string{"cart total must be positive"}
	}
	return nil
}

// redirect covers bank redirect methods, restricted to some currencies.
type redirect struct {
	id, name   string
	currencies []string
}

func (r redirect) ID() string { return r.id }
func (r redirect) Name() string { return r.name }
func (r redirect) Redirect() bool { return true }

func (r redirect) Eligible(cart models.Cart) []string {
	var errs []string
	if cart.Total <= 0 {
		errs = append(errs, "cart total must be positive")
	}
	if !slices.Contains(r.currencies, strings.ToLower(cart.Currency)) {
		errs = append(errs, fmt.Sprintf("%s does not support currency %q", r.name, cart.Currency))
	}
	return errs
}

// Registry resolves methods by id.
type Registry struct {
	byID map[string]Method
}

// NewRegistry returns a registry holding the given methods.
func NewRegistry(ms ...Method) *Registry {
	r := &Registry{byID: make(map[string]Method, len(ms))}
	for _, m := range ms {
		r.byID[m.ID()] = m
	}
	return r
}

// Default returns the registry of every supported method.
func Default() *Registry {
	return NewRegistry(
		card{id: "card", name: "Card"},
		card{id: "sepa_debit", name: "SEPA Direct Debit"},
		redirect{id: "ideal", name: "iDEAL", currencies: []string{"eur"}},
		redirect{id: "bancontact", name: "Bancontact", currencies: []string{"eur"}},
		redirect{id: "giropay", name: "giropay", currencies: []string{"eur"}},
		redirect{id: "eps", name: "EPS", currencies: []string{"eur"}},
		redirect{id: "p24", name: "Przelewy24", currencies: []string{"eur", "pln"}},
		redirect{id: "sofort", name: "SOFORT", currencies: []string{"eur"}},
		redirect{id: "klarna", name: "Klarna", currencies: []string{"eur", "usd", "gbp", "dkk", "nok", "sek"}},
	)
}

// Lookup returns the method with the given id.
func (r *Registry) Lookup(id string) (Method, bool) {
	m, ok := r.byID[id]
	return m, ok
}
