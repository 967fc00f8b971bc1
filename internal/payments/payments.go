package payments

import (
	"CMMPayWatch/internal/chain"
	"CMMPayWatch/internal/models"
)

// Payment is what one transaction paid to one address.
type Payment struct {
	TxHash        string
	Address       string
	Amount        models.Amount
	Sender        string
	Confirmations int64
}

// ExtractPayment sums the outputs of tx paying address. Several outputs to the
// same address in one transaction count as one payment, since received
// transactions are keyed by hash. ok is false when tx pays nothing to address.
func ExtractPayment(tx chain.Tx, address string) (Payment, bool) {
	p := Payment{
		TxHash:        tx.Hash,
		Address:       address,
		Confirmations: tx.Confirmations,
	}
	found := false
	for _, out := range tx.Outputs {
		if out.Address != address {
			continue
		}
		p.Amount += out.Amount
		found = true
	}
	if !found {
		return Payment{}, false
	}
	if len(tx.Inputs) > 0 {
		p.Sender = tx.Inputs[0]
	}
	return p, true
}

// ExtractPayments returns one payment per watched address that tx pays.
func ExtractPayments(tx chain.Tx, watched map[string]string) map[string]Payment {
	out := map[string]Payment{}
	for _, o := range tx.Outputs {
		orderID, ok := watched[o.Address]
		if !ok {
			continue
		}
		if _, done := out[orderID]; done {
			continue
		}
		if p, ok := ExtractPayment(tx, o.Address); ok {
			out[orderID] = p
		}
	}
	return out
}
