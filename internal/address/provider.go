package address

import (
	"context"
	"errors"
	"fmt"
)

// DonationAddress is the placeholder merchant address shipped with the upstream
// plugin. Payments to it would never reach the merchant.
const DonationAddress = "18vzABPyVbbia8TDCKDtXJYXcoAFAPk2cj"

var ErrProvisioning = errors.New("address provisioning failed")

// ProvisioningError carries a reason the operator can act on.
type ProvisioningError struct {
	Reason string
	Err    error
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

func (e *ProvisioningError) Is(target error) bool { return target == ErrProvisioning }

func provisioningErr(reason string, err error) error {
	return &ProvisioningError{Reason: reason, Err: err}
}

// OrderContext is what a provider may bind into the issued address.
type OrderContext struct {
	OrderID   string
	SecretKey string
}

type Issued struct {
	Address         string
	Provider        string
	DerivationIndex *int64
	Metadata        map[string]string
}

// Provider issues a fresh receiving address per order.
type Provider interface {
	Name() string
	// Validate reports whether the provider is configured well enough to take orders.
	Validate() error
	IssueAddress(ctx context.Context, oc OrderContext) (Issued, error)
}
