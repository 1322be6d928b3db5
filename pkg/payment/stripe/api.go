package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocycle/pkg/payment"
)

// checkoutAPI is the slice of the Stripe API the provider calls.
type checkoutAPI interface {
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	SearchCustomer(ctx context.Context, customerID string) (string, error)
}

type clientAPI struct {
	client *stripe.Client
}

func (c *clientAPI) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}

// SearchCustomer finds the Stripe customer tagged with metadata customer_id.
func (c *clientAPI) SearchCustomer(ctx context.Context, customerID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['customer_id']:'%s'", strings.ReplaceAll(customerID, "'", `\'`))

	for cust, err := range c.client.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("%w: customer search: %w", payment.ErrProviderAPIError, err)
		}
		// Search can return partial matches
		if cust.Metadata != nil && cust.Metadata["customer_id"] == customerID {
			return cust.ID, nil
		}
	}
	return "", payment.ErrCustomerNotFound
}
