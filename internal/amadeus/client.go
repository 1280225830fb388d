package amadeus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultSearchURL = "https://test.api.amadeus.com/v2/shopping/flight-offers"

// SearchError wraps any upstream failure of a flight-offers search, keeping
// the upstream status and body for diagnostics.
type SearchError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *SearchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("amadeus: flight search failed (status %d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("amadeus: flight search failed: %v", e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

// FlightSearchQuery carries the parameters of one flight-offers search.
// JSON tags double as the model's tool-argument names and, lower-cased the
// same way, as the upstream query parameter names.
type FlightSearchQuery struct {
	OriginLocationCode      string `json:"originLocationCode"`
	DestinationLocationCode string `json:"destinationLocationCode"`
	DepartureDate           string `json:"departureDate"`
	Adults                  int    `json:"adults"`
	ReturnDate              string `json:"returnDate,omitempty"`
	Children                int    `json:"children,omitempty"`
	Infants                 int    `json:"infants,omitempty"`
	TravelClass             string `json:"travelClass,omitempty"` // ECONOMY | PREMIUM_ECONOMY | BUSINESS | FIRST
	IncludedAirlineCodes    string `json:"includedAirlineCodes,omitempty"`
	ExcludedAirlineCodes    string `json:"excludedAirlineCodes,omitempty"`
	NonStop                 bool   `json:"nonStop,omitempty"`
	CurrencyCode            string `json:"currencyCode,omitempty"`
	MaxPrice                int    `json:"maxPrice,omitempty"`
	Max                     int    `json:"max,omitempty"`
}

// Validate checks the required fields before any network call is made.
func (q FlightSearchQuery) Validate() error {
	if q.OriginLocationCode == "" {
		return errors.New("amadeus: originLocationCode is required")
	}
	if q.DestinationLocationCode == "" {
		return errors.New("amadeus: destinationLocationCode is required")
	}
	if q.DepartureDate == "" {
		return errors.New("amadeus: departureDate is required")
	}
	if q.Adults < 1 {
		return errors.New("amadeus: adults must be at least 1")
	}
	return nil
}

func (q FlightSearchQuery) values() url.Values {
	v := url.Values{}
	v.Set("originLocationCode", q.OriginLocationCode)
	v.Set("destinationLocationCode", q.DestinationLocationCode)
	v.Set("departureDate", q.DepartureDate)
	v.Set("adults", strconv.Itoa(q.Adults))
	if q.ReturnDate != "" {
		v.Set("returnDate", q.ReturnDate)
	}
	if q.Children > 0 {
		v.Set("children", strconv.Itoa(q.Children))
	}
	if q.Infants > 0 {
		v.Set("infants", strconv.Itoa(q.Infants))
	}
	if q.TravelClass != "" {
		v.Set("travelClass", q.TravelClass)
	}
	if q.IncludedAirlineCodes != "" {
		v.Set("includedAirlineCodes", q.IncludedAirlineCodes)
	}
	if q.ExcludedAirlineCodes != "" {
		v.Set("excludedAirlineCodes", q.ExcludedAirlineCodes)
	}
	if q.NonStop {
		v.Set("nonStop", "true")
	}
	if q.CurrencyCode != "" {
		v.Set("currencyCode", q.CurrencyCode)
	}
	if q.MaxPrice > 0 {
		v.Set("maxPrice", strconv.Itoa(q.MaxPrice))
	}
	if q.Max > 0 {
		v.Set("max", strconv.Itoa(q.Max))
	}
	return v
}

// Client searches flight offers with a bearer token from the TokenCache.
// Results are never cached.
type Client struct {
	tokens     *TokenCache
	searchURL  string
	httpClient *http.Client
}

func NewClient(tokens *TokenCache) *Client {
	return &Client{
		tokens:     tokens,
		searchURL:  defaultSearchURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SearchFlightOffers issues one search request. Any transport or non-2xx
// failure comes back as *SearchError; credential failures as *CredentialError.
func (c *Client) SearchFlightOffers(ctx context.Context, q FlightSearchQuery) (*FlightOffersResponse, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL+"?"+q.values().Encode(), nil)
	if err != nil {
		return nil, &SearchError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &SearchError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &SearchError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var offers FlightOffersResponse
	if err := json.NewDecoder(resp.Body).Decode(&offers); err != nil {
		return nil, &SearchError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return &offers, nil
}
