package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"tripdesk/internal/amadeus"
)

// FlightSearcher executes a flight-offers search on behalf of the handler.
type FlightSearcher interface {
	SearchFlightOffers(ctx context.Context, q amadeus.FlightSearchQuery) (*amadeus.FlightOffersResponse, error)
}

// SearchFlights exposes the flight-offers search directly, bypassing the
// conversation loop. Query parameters mirror FlightSearchQuery; adults
// defaults to 1 when absent.
func SearchFlights(flights FlightSearcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := flightQueryFromRequest(r)

		if err := q.Validate(); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		offers, err := flights.SearchFlightOffers(r.Context(), q)
		if err != nil {
			log.Printf("flights: search %s-%s: %v", q.OriginLocationCode, q.DestinationLocationCode, err)
			writeJSONError(w, http.StatusBadGateway, "flight search failed")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(offers); err != nil {
			log.Printf("flights: encode response: %v", err)
		}
	}
}

func flightQueryFromRequest(r *http.Request) amadeus.FlightSearchQuery {
	params := r.URL.Query()
	adults := intParam(params.Get("adults"))
	if adults == 0 {
		adults = 1
	}
	return amadeus.FlightSearchQuery{
		OriginLocationCode:      params.Get("originLocationCode"),
		DestinationLocationCode: params.Get("destinationLocationCode"),
		DepartureDate:           params.Get("departureDate"),
		Adults:                  adults,
		ReturnDate:              params.Get("returnDate"),
		Children:                intParam(params.Get("children")),
		Infants:                 intParam(params.Get("infants")),
		TravelClass:             params.Get("travelClass"),
		IncludedAirlineCodes:    params.Get("includedAirlineCodes"),
		ExcludedAirlineCodes:    params.Get("excludedAirlineCodes"),
		NonStop:                 params.Get("nonStop") == "true",
		CurrencyCode:            params.Get("currencyCode"),
		MaxPrice:                intParam(params.Get("maxPrice")),
		Max:                     intParam(params.Get("max")),
	}
}

func intParam(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
