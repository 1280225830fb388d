package config

import (
	"fmt"
	"os"
)

type Config struct {
	DBPath string

	MetaVerifyToken   string
	MetaAppSecret     string
	MetaAccessToken   string
	MetaAPIVersion    string
	MetaPhoneNumberID string

	GeminiAPIKey  string
	GeminiBaseURL string
	GeminiModel   string

	AmadeusAPIKey    string
	AmadeusAPISecret string
}

// Load reads all required environment variables. Fails fast if any are missing.
func Load() (*Config, error) {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "/data/db.sqlite" // default: Docker volume path
	}

	c := &Config{
		DBPath:            dbPath,
		MetaVerifyToken:   os.Getenv("WHATSAPP_CLOUD_API_WEBHOOK_VERIFICATION_TOKEN"),
		MetaAppSecret:     os.Getenv("WHATSAPP_CLOUD_API_APP_SECRET"),
		MetaAccessToken:   os.Getenv("WHATSAPP_CLOUD_API_ACCESS_TOKEN"),
		MetaAPIVersion:    getenvDefault("WHATSAPP_CLOUD_API_VERSION", "v18.0"),
		MetaPhoneNumberID: os.Getenv("WHATSAPP_CLOUD_API_PHONE_NUMBER_ID"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		GeminiBaseURL:     getenvDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai/"),
		GeminiModel:       getenvDefault("GEMINI_MODEL", "gemini-2.0-flash-lite"),
		AmadeusAPIKey:     os.Getenv("AMADEUS_API_KEY"),
		AmadeusAPISecret:  os.Getenv("AMADEUS_API_SECRET"),
	}

	required := map[string]string{
		"WHATSAPP_CLOUD_API_WEBHOOK_VERIFICATION_TOKEN": c.MetaVerifyToken,
		"WHATSAPP_CLOUD_API_APP_SECRET":                 c.MetaAppSecret,
		"WHATSAPP_CLOUD_API_ACCESS_TOKEN":               c.MetaAccessToken,
		"WHATSAPP_CLOUD_API_PHONE_NUMBER_ID":            c.MetaPhoneNumberID,
		"GEMINI_API_KEY":                                c.GeminiAPIKey,
		"AMADEUS_API_KEY":                               c.AmadeusAPIKey,
		"AMADEUS_API_SECRET":                            c.AmadeusAPISecret,
	}

	for key, val := range required {
		if val == "" {
			return nil, fmt.Errorf("missing required environment variable: %s", key)
		}
	}

	return c, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
