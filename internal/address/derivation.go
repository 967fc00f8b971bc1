package address

import (
	"context"
	"math"

	"CMMPayWatch/internal/chain"
	"CMMPayWatch/internal/config"
)

// IndexAllocator hands out derivation indexes. Each value is returned at most once.
type IndexAllocator interface {
	NextDerivationIndex(ctx context.Context) (int64, error)
}

// Derivation derives addresses from a master public key.
type Derivation struct {
	deriver *chain.Deriver
	initErr error
	indexes IndexAllocator
}

// NewDerivation never fails; a bad key is reported by Validate and IssueAddress
// so the gateway can describe itself as not operational.
func NewDerivation(mpk string, version []byte, indexes IndexAllocator) *Derivation {
	d, err := chain.NewDeriver(mpk, version)
	return &Derivation{deriver: d, initErr: err, indexes: indexes}
}

func (d *Derivation) Name() string { return config.ProviderDerivation }

func (d *Derivation) Validate() error {
	if d.initErr != nil {
		return provisioningErr("master public key is not usable", d.initErr)
	}
	if d.indexes == nil {
		return provisioningErr("no derivation index allocator configured", nil)
	}
	return nil
}

func (d *Derivation) IssueAddress(ctx context.Context, oc OrderContext) (Issued, error) {
	if err := d.Validate(); err != nil {
		return Issued{}, err
	}
	idx, err := d.indexes.NextDerivationIndex(ctx)
	if err != nil {
		return Issued{}, provisioningErr("cannot reserve derivation index", err)
	}
	if idx < 0 || idx > math.MaxInt32 {
		return Issued{}, provisioningErr("derivation index space exhausted", nil)
	}
	addr, err := d.deriver.Derive(uint32(idx))
	if err != nil {
		return Issued{}, provisioningErr("address derivation failed", err)
	}
	return Issued{
		Address:         addr,
		Provider:        d.Name(),
		DerivationIndex: &idx,
	}, nil
}
