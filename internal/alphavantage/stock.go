package alphavantage

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"dashfeed/internal/fetcher"
	"dashfeed/internal/ratelimit"
)

// DefaultBaseURL is the production query endpoint.
const DefaultBaseURL = "https://www.alphavantage.co/query"

// GlobalQuoteResponse represents the AlphaVantage API response for stock quotes
type GlobalQuoteResponse struct {
	GlobalQuote struct {
		Symbol           string `json:"01. symbol"`
		Open             string `json:"02. open"`
		High             string `json:"03. high"`
		Low              string `json:"04. low"`
		Price            string `json:"05. price"`
		Volume           string `json:"06. volume"`
		LatestTradingDay string `json:"07. latest trading day"`
		PreviousClose    string `json:"08. previous close"`
		Change           string `json:"09. change"`
		ChangePercent    string `json:"10. change percent"`
	} `json:"Global Quote"`
	// Note and Information are returned with a 200 when the key is throttled or invalid.
	Note        string `json:"Note"`
	Information string `json:"Information"`
}

// Upstream describes the AlphaVantage API. The key travels as the apikey query parameter.
func Upstream(apiKey, baseURL string) fetcher.Upstream {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return fetcher.Upstream{
		Name:        ratelimit.APIAlphaVantage,
		BaseURL:     baseURL,
		APIKey:      apiKey,
		APIKeyParam: "apikey",
	}
}

// QuoteRequest builds the GLOBAL_QUOTE request for ticker.
func QuoteRequest(ticker string) fetcher.Request {
	return fetcher.Request{
		Upstream: ratelimit.APIAlphaVantage,
		Options: fetcher.Options{
			Query: map[string]string{
				"function": "GLOBAL_QUOTE",
				"symbol":   ticker,
			},
		},
		Check: CheckQuote,
	}
}

// CheckQuote rejects the throttle and key notices AlphaVantage sends with a 200
// in place of a quote.
func CheckQuote(payload any) error {
	result, err := ParseQuote(payload)
	if err != nil {
		return err
	}
	if result.GlobalQuote.Price != "" {
		return nil
	}
	if msg := strings.TrimSpace(result.Note + " " + result.Information); msg != "" {
		return fetcher.NewValidationError(fmt.Sprintf("alphavantage: %s", msg))
	}
	return nil
}

// SourceName returns the dashboard name for a ticker's quote
func SourceName(ticker string) string {
	return fmt.Sprintf("alphavantage:%s", ticker)
}

// ParseQuote decodes a cached GLOBAL_QUOTE payload.
func ParseQuote(payload any) (GlobalQuoteResponse, error) {
	var result GlobalQuoteResponse
	if err := fetcher.DecodeInto(payload, &result); err != nil {
		return result, err
	}
	return result, nil
}

// Price is the transform for quote sources: it extracts the latest price.
func Price(payload any) (any, error) {
	result, err := ParseQuote(payload)
	if err != nil {
		return nil, err
	}

	if result.GlobalQuote.Price == "" {
		if err := CheckQuote(payload); err != nil {
			return nil, err
		}
		return nil, fetcher.NewValidationError("price not found in response")
	}

	price, err := cast.ToFloat64E(result.GlobalQuote.Price)
	if err != nil {
		return nil, fetcher.NewValidationError(fmt.Sprintf("failed to parse stock price: %v", err))
	}

	return price, nil
}
