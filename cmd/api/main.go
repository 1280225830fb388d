package main

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"tripdesk/internal/amadeus"
	"tripdesk/internal/config"
	"tripdesk/internal/database"
	"tripdesk/internal/handlers"
	"tripdesk/internal/llm"
)

func main() {
	// 1. Load and validate all environment variables — fail fast if any are missing.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// 2. Load and compile the YAML system prompt.
	llm.LoadPrompt("templates/system_prompt.yaml")

	// 3. Initialise the SQLite conversation store and run migrations.
	db := database.Init(cfg.DBPath)

	// 4. Wire the flight-search gateway and the dialogue orchestrator.
	tokens := amadeus.NewTokenCache(cfg.AmadeusAPIKey, cfg.AmadeusAPISecret)
	flights := amadeus.NewClient(tokens)
	model := llm.NewClient(cfg.GeminiAPIKey, cfg.GeminiBaseURL)
	bot := llm.NewOrchestrator(model, db, flights, cfg.GeminiModel)

	// 5. Set up the router.
	r := mux.NewRouter()

	r.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// Meta / WhatsApp routes.
	r.HandleFunc("/whatsapp/webhook", handlers.VerifyWebhook(cfg)).Methods(http.MethodGet)
	r.HandleFunc("/whatsapp/webhook", handlers.HandleWhatsAppMessage(db, cfg, bot)).Methods(http.MethodPost)

	// Direct flight search, bypassing the conversation loop.
	r.HandleFunc("/amadeus/flight-offers", handlers.SearchFlights(flights)).Methods(http.MethodGet)

	// 6. Start the server.
	addr := ":8080"
	log.Printf("server: listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("server: %v", err)
	}
}
