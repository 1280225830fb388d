package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"tripdesk/internal/config"
	"tripdesk/internal/database"
	"tripdesk/internal/models"
)

// Responder produces the reply for one inbound user message. It must return
// non-empty text and never fail — the pipeline has no fallback of its own.
type Responder interface {
	Reply(ctx context.Context, conversationID, text string) string
}

// turnTimeout bounds one full turn: two model round-trips plus an optional
// flight search.
const turnTimeout = 90 * time.Second

// verifyErrorBody is returned on any failed GET verification. Always with
// HTTP 200 — a non-2xx here would make Meta retry the handshake.
const verifyErrorBody = "Error verifying token"

// conversationLocks serialises processing per phone number to prevent race
// conditions when a user sends multiple messages in quick succession.
// Entries are never evicted; one mutex per phone number ever seen stays
// negligible at this bot's traffic.
var (
	conversationLocks sync.Map // map[phoneNumber] -> *sync.Mutex
)

func lockFor(phone string) *sync.Mutex {
	v, _ := conversationLocks.LoadOrStore(phone, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// ─── GET /whatsapp/webhook ────────────────────────────────────────────────────

func VerifyWebhook(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := r.URL.Query().Get("hub.mode")
		challenge := r.URL.Query().Get("hub.challenge")
		token := r.URL.Query().Get("hub.verify_token")

		w.WriteHeader(http.StatusOK)
		if mode == "subscribe" && token != "" && token == cfg.MetaVerifyToken {
			fmt.Fprint(w, challenge)
			return
		}
		log.Println("whatsapp: webhook verification failed")
		fmt.Fprint(w, verifyErrorBody)
	}
}

// ─── POST /whatsapp/webhook ───────────────────────────────────────────────────

func HandleWhatsAppMessage(db *database.DB, cfg *config.Config, bot Responder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// 1. Read raw body first — required for HMAC verification.
		rawBody, err := io.ReadAll(r.Body)
		if err != nil {
			log.Printf("whatsapp: failed to read body: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		// 2. Verify HMAC-SHA256 signature.
		if !verifyMetaSignature(cfg.MetaAppSecret, rawBody, r.Header.Get("X-Hub-Signature-256")) {
			log.Println("whatsapp: invalid signature")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// 3. Return 200 immediately — Meta requires a fast ack, and any
		// non-2xx triggers redelivery storms.
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "received")

		// 4. Process asynchronously.
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("whatsapp: recovered from panic: %v", rec)
				}
			}()
			processInbound(db, cfg, bot, rawBody)
		}()
	}
}

func verifyMetaSignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	expected := strings.TrimPrefix(header, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := fmt.Sprintf("%x", mac.Sum(nil))
	return hmac.Equal([]byte(computed), []byte(expected))
}

func processInbound(db *database.DB, cfg *config.Config, bot Responder, rawBody []byte) {
	var payload models.WAPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		log.Printf("whatsapp: unmarshal error: %v", err)
		return
	}

	// Status/delivery receipt webhooks carry no messages array — a no-op.
	if len(payload.Entry) == 0 ||
		len(payload.Entry[0].Changes) == 0 ||
		len(payload.Entry[0].Changes[0].Value.Messages) == 0 {
		return
	}

	// Only the first message of the first change of the first entry is
	// processed, matching the upstream delivery shape.
	msg := payload.Entry[0].Changes[0].Value.Messages[0]
	handleMessage(db, cfg, bot, &msg)
}

func handleMessage(db *database.DB, cfg *config.Config, bot Responder, msg *models.WAMessage) {
	// Unsupported message types are ignored silently.
	if msg.Type != "text" || msg.Text == nil {
		log.Printf("whatsapp: ignoring message type=%s from=%s", msg.Type, msg.From)
		return
	}

	phone := msg.From

	// Per-conversation lock.
	mu := lockFor(phone)
	mu.Lock()
	defer mu.Unlock()

	// Idempotency check.
	fresh, err := db.MarkProcessed(msg.ID)
	if err != nil {
		log.Printf("whatsapp: idempotency check failed: %v", err)
		return
	}
	if !fresh {
		log.Printf("whatsapp: duplicate message %s, skipping", msg.ID)
		return
	}

	if err := db.UpsertConversation(phone); err != nil {
		log.Printf("whatsapp: upsert conversation: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	// Acknowledge receipt first. Failure is non-fatal to the turn.
	if err := markAsRead(ctx, cfg, msg.ID); err != nil {
		log.Printf("whatsapp: mark as read %s: %v", msg.ID, err)
	}

	reply := bot.Reply(ctx, phone, msg.Text.Body)

	if err := sendText(ctx, cfg, phone, reply, msg.ID); err != nil {
		log.Printf("whatsapp: send reply to %s: %v", phone, err)
	}
}
