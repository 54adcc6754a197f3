package etherscan

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/spf13/cast"

	"dashfeed/internal/fetcher"
	"dashfeed/internal/ratelimit"
)

const (
	weiPerEth = 1e18

	// DefaultBaseURL is the production v2 endpoint.
	DefaultBaseURL = "https://api.etherscan.io/v2/api"
)

// EthPriceResponse represents the Etherscan API response for ETH price
type EthPriceResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  struct {
		EthBTC          string `json:"ethbtc"`
		EthBTCTimestamp string `json:"ethbtc_timestamp"`
		EthUSD          string `json:"ethusd"`
		EthUSDTimestamp string `json:"ethusd_timestamp"`
	} `json:"result"`
}

// BalanceResponse represents the Etherscan API response for account balance
type BalanceResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  string `json:"result"` // Balance in wei as a string
}

// Upstream describes the Etherscan API. The key travels as the apikey query parameter.
func Upstream(apiKey, baseURL string) fetcher.Upstream {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return fetcher.Upstream{
		Name:        ratelimit.APIEtherscan,
		BaseURL:     baseURL,
		APIKey:      apiKey,
		APIKeyParam: "apikey",
	}
}

// PriceRequest builds the ETH/USD price request
func PriceRequest() fetcher.Request {
	return fetcher.Request{
		Upstream: ratelimit.APIEtherscan,
		Options: fetcher.Options{
			Query: map[string]string{
				"chainid": "1",
				"module":  "stats",
				"action":  "ethprice",
			},
		},
		Check: CheckEnvelope,
	}
}

// BalanceRequest builds the latest-balance request for address
func BalanceRequest(address string) fetcher.Request {
	return fetcher.Request{
		Upstream: ratelimit.APIEtherscan,
		Options: fetcher.Options{
			Query: map[string]string{
				"chainid": "1",
				"module":  "account",
				"action":  "balance",
				"address": address,
				"tag":     "latest",
			},
		},
		Check: CheckEnvelope,
	}
}

// SourceName returns the dashboard name for a wallet balance
func SourceName(address string) string {
	return fmt.Sprintf("etherscan:%s", address)
}

// EthPrice is the transform for price sources: it extracts ETH/USD.
func EthPrice(payload any) (any, error) {
	if err := CheckEnvelope(payload); err != nil {
		return nil, err
	}
	var result EthPriceResponse
	if err := fetcher.DecodeInto(payload, &result); err != nil {
		return nil, err
	}

	if result.Result.EthUSD == "" {
		return nil, fetcher.NewValidationError("ETH price not found in response")
	}

	price, err := cast.ToFloat64E(result.Result.EthUSD)
	if err != nil {
		return nil, fetcher.NewValidationError(fmt.Sprintf("failed to parse ETH price: %v", err))
	}

	return price, nil
}

// Balance is the transform for wallet sources: it converts the wei balance to ETH.
func Balance(payload any) (any, error) {
	if err := CheckEnvelope(payload); err != nil {
		return nil, err
	}
	var result BalanceResponse
	if err := fetcher.DecodeInto(payload, &result); err != nil {
		return nil, err
	}

	if result.Result == "" {
		return nil, fetcher.NewValidationError("balance not found in response")
	}

	return WeiToEth(result.Result)
}

// WeiToEth converts a base-10 wei amount to ETH.
func WeiToEth(wei string) (float64, error) {
	weiBalance, ok := new(big.Int).SetString(strings.TrimSpace(wei), 10)
	if !ok {
		return 0, fetcher.NewValidationError(fmt.Sprintf("failed to parse balance: %s", wei))
	}

	// Convert wei to ETH: divide by 10^18
	ethBalance := new(big.Float).SetInt(weiBalance)
	ethBalance.Quo(ethBalance, big.NewFloat(weiPerEth))

	ethFloat, _ := ethBalance.Float64()
	return ethFloat, nil
}

// CheckEnvelope rejects responses Etherscan marks as failed (status "0"). They
// arrive with HTTP 200 and carry the reason as a string result.
func CheckEnvelope(payload any) error {
	var envelope struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Result  any    `json:"result"`
	}
	if err := fetcher.DecodeInto(payload, &envelope); err != nil {
		return err
	}
	if envelope.Status != "0" {
		return nil
	}

	message := envelope.Message
	if message == "" {
		message = "NOTOK"
	}
	if detail, ok := envelope.Result.(string); ok && detail != "" {
		return fetcher.NewValidationError(fmt.Sprintf("etherscan returned %s: %s", message, detail))
	}
	return fetcher.NewValidationError(fmt.Sprintf("etherscan returned %s", message))
}
