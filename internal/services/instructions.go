package services

import (
	"fmt"

	"CMMPayWatch/internal/models"
)

const multiPaymentNote = "You may send payments from multiple accounts to reach the total required."

// Instructions is what the customer needs to pay an order.
type Instructions struct {
	Address   string        `json:"address"`
	Amount    models.Amount `json:"amount"`
	Remaining models.Amount `json:"remaining"`
	URI       string        `json:"uri"`
	Note      string        `json:"note"`
}

func PaymentInstructions(rec *models.OrderPaymentRecord) Instructions {
	return Instructions{
		Address:   rec.ReceivingAddress,
		Amount:    rec.RequiredTotal,
		Remaining: rec.Remaining(),
		URI:       fmt.Sprintf("commercium:%s?amount=%s", rec.ReceivingAddress, rec.RequiredTotal),
		Note:      multiPaymentNote,
	}
}
