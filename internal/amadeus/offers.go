package amadeus

// Wire types for the flight-offers search response. Mirrors the upstream
// schema: offers contain itineraries, itineraries contain segments, and each
// offer carries a price breakdown. Passed through to the model as the tool
// result, so field names follow the API exactly.

type FlightOffersResponse struct {
	Meta         Meta          `json:"meta"`
	Data         []FlightOffer `json:"data"`
	Dictionaries *Dictionaries `json:"dictionaries,omitempty"`
}

type Meta struct {
	Count int `json:"count"`
}

type FlightOffer struct {
	Type                     string            `json:"type"`
	ID                       string            `json:"id"`
	Source                   string            `json:"source"`
	InstantTicketingRequired bool              `json:"instantTicketingRequired"`
	OneWay                   bool              `json:"oneWay"`
	LastTicketingDate        string            `json:"lastTicketingDate"`
	NumberOfBookableSeats    int               `json:"numberOfBookableSeats"`
	Itineraries              []Itinerary       `json:"itineraries"`
	Price                    Price             `json:"price"`
	ValidatingAirlineCodes   []string          `json:"validatingAirlineCodes"`
	TravelerPricings         []TravelerPricing `json:"travelerPricings"`
}

type Itinerary struct {
	Duration string    `json:"duration"`
	Segments []Segment `json:"segments"`
}

type Segment struct {
	Departure     FlightEndpoint `json:"departure"`
	Arrival       FlightEndpoint `json:"arrival"`
	CarrierCode   string         `json:"carrierCode"`
	Number        string         `json:"number"`
	Duration      string         `json:"duration"`
	ID            string         `json:"id"`
	NumberOfStops int            `json:"numberOfStops"`
}

type FlightEndpoint struct {
	IATACode string `json:"iataCode"`
	Terminal string `json:"terminal,omitempty"`
	At       string `json:"at"`
}

type Price struct {
	Currency   string `json:"currency"`
	Total      string `json:"total"`
	Base       string `json:"base"`
	Fees       []Fee  `json:"fees,omitempty"`
	GrandTotal string `json:"grandTotal,omitempty"`
}

type Fee struct {
	Amount string `json:"amount"`
	Type   string `json:"type"`
}

type TravelerPricing struct {
	TravelerID   string `json:"travelerId"`
	FareOption   string `json:"fareOption"`
	TravelerType string `json:"travelerType"`
	Price        Price  `json:"price"`
}

type Dictionaries struct {
	Locations  map[string]Location `json:"locations,omitempty"`
	Aircraft   map[string]string   `json:"aircraft,omitempty"`
	Currencies map[string]string   `json:"currencies,omitempty"`
	Carriers   map[string]string   `json:"carriers,omitempty"`
}

type Location struct {
	CityCode    string `json:"cityCode"`
	CountryCode string `json:"countryCode"`
}
