package rentcast

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"dashfeed/internal/fetcher"
	"dashfeed/internal/ratelimit"
)

// DefaultBaseURL is the production v1 endpoint.
const DefaultBaseURL = "https://api.rentcast.io/v1"

// SubjectProperty represents the property being valued
type SubjectProperty struct {
	ID               string   `json:"id"`
	FormattedAddress string   `json:"formattedAddress"`
	AddressLine1     string   `json:"addressLine1"`
	AddressLine2     *string  `json:"addressLine2"`
	City             string   `json:"city"`
	State            string   `json:"state"`
	StateFips        string   `json:"stateFips"`
	ZipCode          string   `json:"zipCode"`
	County           string   `json:"county"`
	CountyFips       string   `json:"countyFips"`
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	PropertyType     string   `json:"propertyType"`
	Bedrooms         int      `json:"bedrooms"`
	Bathrooms        float64  `json:"bathrooms"`
	SquareFootage    int      `json:"squareFootage"`
	LotSize          int      `json:"lotSize"`
	YearBuilt        int      `json:"yearBuilt"`
	LastSaleDate     *string  `json:"lastSaleDate"`
	LastSalePrice    *float64 `json:"lastSalePrice"`
}

// Comparable represents a comparable property
type Comparable struct {
	ID               string  `json:"id"`
	FormattedAddress string  `json:"formattedAddress"`
	AddressLine1     string  `json:"addressLine1"`
	AddressLine2     *string `json:"addressLine2"`
	City             string  `json:"city"`
	State            string  `json:"state"`
	StateFips        string  `json:"stateFips"`
	ZipCode          string  `json:"zipCode"`
	County           string  `json:"county"`
	CountyFips       string  `json:"countyFips"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	PropertyType     string  `json:"propertyType"`
	Bedrooms         int     `json:"bedrooms"`
	Bathrooms        float64 `json:"bathrooms"`
	SquareFootage    int     `json:"squareFootage"`
	LotSize          int     `json:"lotSize"`
	YearBuilt        int     `json:"yearBuilt"`
	Status           string  `json:"status"`
	Price            float64 `json:"price"`
	ListingType      string  `json:"listingType"`
	ListedDate       string  `json:"listedDate"`
	RemovedDate      *string `json:"removedDate"`
	LastSeenDate     string  `json:"lastSeenDate"`
	DaysOnMarket     int     `json:"daysOnMarket"`
	Distance         float64 `json:"distance"`
	DaysOld          int     `json:"daysOld"`
	Correlation      float64 `json:"correlation"`
}

// PropertyValueResponse represents the Rentcast API response for property valuations
type PropertyValueResponse struct {
	Price           float64         `json:"price"`
	PriceRangeLow   float64         `json:"priceRangeLow"`
	PriceRangeHigh  float64         `json:"priceRangeHigh"`
	SubjectProperty SubjectProperty `json:"subjectProperty"`
	Comparables     []Comparable    `json:"comparables"`
}

// PropertyParams holds the parameters needed for a property valuation request
type PropertyParams struct {
	Address       string
	PropertyType  string
	Bedrooms      int
	Bathrooms     float64
	SquareFootage int
}

// Upstream describes the Rentcast API. The key travels in the X-Api-Key header.
func Upstream(apiKey, baseURL string) fetcher.Upstream {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return fetcher.Upstream{
		Name:         ratelimit.APIRentcast,
		BaseURL:      baseURL,
		APIKey:       apiKey,
		APIKeyHeader: "X-Api-Key",
	}
}

// ValueRequest builds the AVM value request for a property.
// Zero-valued optional parameters are left out of the query.
func ValueRequest(params PropertyParams) fetcher.Request {
	query := map[string]string{"address": params.Address}
	if params.PropertyType != "" {
		query["propertyType"] = params.PropertyType
	}
	if params.Bedrooms > 0 {
		query["bedrooms"] = cast.ToString(params.Bedrooms)
	}
	if params.Bathrooms > 0 {
		query["bathrooms"] = fmt.Sprintf("%.1f", params.Bathrooms)
	}
	if params.SquareFootage > 0 {
		query["squareFootage"] = cast.ToString(params.SquareFootage)
	}

	return fetcher.Request{
		Upstream: ratelimit.APIRentcast,
		Target:   "/avm/value",
		Options:  fetcher.Options{Query: query},
	}
}

// SourceName returns the dashboard name for a property.
// Creates a stub from the address by replacing spaces with underscores and lowercasing
func SourceName(address string) string {
	addressStub := strings.ToLower(strings.ReplaceAll(address, " ", "_"))
	addressStub = strings.ReplaceAll(addressStub, ",", "")
	return fmt.Sprintf("rentcast:%s", addressStub)
}

// ParseValue decodes a cached AVM value payload.
func ParseValue(payload any) (PropertyValueResponse, error) {
	var result PropertyValueResponse
	if err := fetcher.DecodeInto(payload, &result); err != nil {
		return result, err
	}
	return result, nil
}

// Value is the transform for property sources: it extracts the estimated price.
func Value(payload any) (any, error) {
	result, err := ParseValue(payload)
	if err != nil {
		return nil, err
	}

	if result.Price == 0 {
		return nil, fetcher.NewValidationError("price not found in response")
	}

	return result.Price, nil
}
