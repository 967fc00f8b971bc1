package address

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"CMMPayWatch/internal/chain"
	"CMMPayWatch/internal/config"
)

// Forwarding asks a hosted wallet API for a one-time address that sweeps to
// the merchant address and calls back on every payment.
type Forwarding struct {
	APIURL          string
	MerchantAddress string
	CallbackURL     string
	Origin          string
	Client          *http.Client
}

func NewForwarding(apiURL, merchant, callbackURL, origin string, timeout time.Duration) *Forwarding {
	return &Forwarding{
		APIURL:          strings.TrimRight(apiURL, "/"),
		MerchantAddress: strings.TrimSpace(merchant),
		CallbackURL:     callbackURL,
		Origin:          origin,
		Client:          &http.Client{Timeout: timeout},
	}
}

func (f *Forwarding) Name() string { return config.ProviderForwarding }

func (f *Forwarding) Validate() error {
	switch {
	case f.MerchantAddress == "":
		return provisioningErr("merchant commercium address is not configured", nil)
	case f.MerchantAddress == DonationAddress:
		return provisioningErr("merchant commercium address is still the donation placeholder; set your own address", nil)
	case f.APIURL == "":
		return provisioningErr("forwarding api url is not configured", nil)
	case f.CallbackURL == "":
		return provisioningErr("callback url is not configured", nil)
	}
	if err := chain.ValidateAddress(f.MerchantAddress, nil); err != nil {
		return provisioningErr("merchant commercium address is invalid", err)
	}
	return nil
}

// callbackFor embeds the order binding the hosted API echoes back on payment.
func (f *Forwarding) callbackFor(oc OrderContext) (string, error) {
	u, err := url.Parse(f.CallbackURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("commercium", "1")
	q.Set("src", f.Origin)
	q.Set("order_id", oc.OrderID)
	q.Set("secret_key", oc.SecretKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Forwarding) IssueAddress(ctx context.Context, oc OrderContext) (Issued, error) {
	if err := f.Validate(); err != nil {
		return Issued{}, err
	}
	callback, err := f.callbackFor(oc)
	if err != nil {
		return Issued{}, provisioningErr("callback url is invalid", err)
	}

	q := url.Values{}
	q.Set("method", "create")
	q.Set("address", f.MerchantAddress)
	q.Set("callback", callback)
	endpoint := f.APIURL + "/api/receive?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Issued{}, provisioningErr("cannot build forwarding request", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return Issued{}, provisioningErr("forwarding api unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Issued{}, provisioningErr(
			fmt.Sprintf("forwarding api returned status %d", resp.StatusCode),
			fmt.Errorf("%s", strings.TrimSpace(string(body))),
		)
	}

	var out struct {
		InputAddress string  `json:"input_address"`
		Destination  string  `json:"destination"`
		FeePercent   float64 `json:"fee_percent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Issued{}, provisioningErr("forwarding api returned malformed response", err)
	}
	if out.InputAddress == "" {
		return Issued{}, provisioningErr("forwarding api returned no address", nil)
	}
	if out.Destination != "" && out.Destination != f.MerchantAddress {
		return Issued{}, provisioningErr("forwarding api bound the address to a different destination", nil)
	}

	return Issued{
		Address:  out.InputAddress,
		Provider: f.Name(),
		Metadata: map[string]string{
			"destination": f.MerchantAddress,
			"fee_percent": fmt.Sprintf("%g", out.FeePercent),
		},
	}, nil
}
