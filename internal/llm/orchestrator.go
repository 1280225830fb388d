package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"tripdesk/internal/amadeus"
	"tripdesk/internal/models"
)

const (
	searchFlightsTool = "searchFlightOffers"

	temperature = 0.7
	maxTokens   = 800
)

// User-facing fixed strings. The orchestrator must never produce a blank
// reply, so every degraded path lands on one of these.
const (
	promptForInput = "Hmm, I didn't receive any text. What can I help you with? ✈️"
	retryReply     = "Sorry, I didn't quite get that. Could you try again?"
	fallbackReply  = "Sorry, I am unable to process your request at the moment."
)

// ContextStore is the append-only history log keyed by conversation identity.
type ContextStore interface {
	// SaveAndFetchContext appends a turn and returns the recent window,
	// oldest first, including the turn just appended.
	SaveAndFetchContext(conversationID, role, content string) ([]models.ConversationTurn, error)
	// SaveToContext appends a turn.
	SaveToContext(conversationID, role, content string) error
}

// FlightSearcher executes the flight-search tool.
type FlightSearcher interface {
	SearchFlightOffers(ctx context.Context, q amadeus.FlightSearchQuery) (*amadeus.FlightOffersResponse, error)
}

// Orchestrator runs one conversation turn: load history, call the model,
// execute at most one tool call, and produce the final reply text.
type Orchestrator struct {
	client  ChatCompleter
	store   ContextStore
	flights FlightSearcher
	model   string
}

func NewOrchestrator(client ChatCompleter, store ContextStore, flights FlightSearcher, model string) *Orchestrator {
	return &Orchestrator{
		client:  client,
		store:   store,
		flights: flights,
		model:   model,
	}
}

// Reply turns one inbound user message into a non-empty reply string. It
// never returns an error: any failure inside the turn degrades to a fixed
// apology, and the assistant turn is persisted in every case. The caller has
// no fallback text of its own, so this contract is load-bearing.
func (o *Orchestrator) Reply(ctx context.Context, conversationID, userInput string) string {
	if strings.TrimSpace(userInput) == "" {
		// No model call and no history mutation for blank input.
		return promptForInput
	}

	text, err := o.respond(ctx, conversationID, userInput)
	if err != nil {
		log.Printf("llm: turn failed for %s: %v", conversationID, err)
		text = fallbackReply
	}
	if strings.TrimSpace(text) == "" {
		text = fallbackReply
	}

	if err := o.store.SaveToContext(conversationID, models.RoleAssistant, text); err != nil {
		log.Printf("llm: persist assistant turn for %s: %v", conversationID, err)
	}
	return text
}

func (o *Orchestrator) respond(ctx context.Context, conversationID, userInput string) (string, error) {
	history, err := o.store.SaveAndFetchContext(conversationID, models.RoleUser, userInput)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	msgs := buildMessages(history, userInput)

	resp, err := o.client.CreateChatCompletion(ctx, o.request(msgs))
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion: empty choices")
	}

	msg := resp.Choices[0].Message
	call, ok := firstFlightSearchCall(msg)
	if !ok {
		if strings.TrimSpace(msg.Content) == "" {
			return retryReply, nil
		}
		return msg.Content, nil
	}

	// Tool branch: run the search, feed the result back into the same
	// dialogue, and take the model's follow-up text as the reply. A failed
	// search degrades to an error-shaped tool result, never a failed turn.
	// Only the honored call stays in the replayed assistant message: every
	// tool_call must have a matching tool response or strict endpoints
	// reject the request.
	msg.ToolCalls = []openai.ToolCall{call}
	msgs = append(msgs, msg, openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    o.runFlightSearch(ctx, call),
		ToolCallID: call.ID,
	})

	resp, err = o.client.CreateChatCompletion(ctx, o.request(msgs))
	if err != nil {
		return "", fmt.Errorf("follow-up completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("follow-up completion: empty choices")
	}

	final := resp.Choices[0].Message.Content
	if strings.TrimSpace(final) == "" {
		return fallbackReply, nil
	}
	return final, nil
}

// buildMessages assembles the chat request: system prompt, prior turns
// (blanks filtered, excluding the just-appended current message), and the
// current message last.
func buildMessages(history []models.ConversationTurn, userInput string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: SystemPrompt(),
	})

	if n := len(history); n > 0 {
		history = history[:n-1]
	}
	for _, t := range history {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		role := openai.ChatMessageRoleAssistant
		if t.Role == models.RoleUser {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}

	return append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userInput,
	})
}

func (o *Orchestrator) request(msgs []openai.ChatCompletionMessage) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Tools:       tools(),
	}
}

// runFlightSearch decodes the tool arguments and executes the search,
// returning the serialized tool result. Failures come back as an
// error-shaped payload the model can apologise about.
func (o *Orchestrator) runFlightSearch(ctx context.Context, call openai.ToolCall) string {
	query, err := decodeFlightQuery(call.Function.Arguments)
	if err != nil {
		log.Printf("llm: tool arguments rejected: %v", err)
		return `{"error":"the search request was missing required details"}`
	}

	offers, err := o.flights.SearchFlightOffers(ctx, query)
	if err != nil {
		log.Printf("llm: flight search failed: %v", err)
		return `{"error":"flight search is currently unavailable"}`
	}

	payload, err := json.Marshal(offers)
	if err != nil {
		log.Printf("llm: marshal search result: %v", err)
		return `{"error":"flight search is currently unavailable"}`
	}
	return string(payload)
}

// firstFlightSearchCall returns the first flight-search invocation in the
// model's response. Any further tool calls are ignored.
func firstFlightSearchCall(msg openai.ChatCompletionMessage) (openai.ToolCall, bool) {
	for _, tc := range msg.ToolCalls {
		if tc.Type == openai.ToolTypeFunction && tc.Function.Name == searchFlightsTool {
			return tc, true
		}
	}
	return openai.ToolCall{}, false
}

// decodeFlightQuery parses tool arguments into a validated query. Some models
// double-encode arguments as a JSON string, so both shapes are accepted.
// Missing adults defaults to 1.
func decodeFlightQuery(raw string) (amadeus.FlightSearchQuery, error) {
	var q amadeus.FlightSearchQuery
	data := []byte(raw)
	if err := json.Unmarshal(data, &q); err != nil {
		var nested string
		if err2 := json.Unmarshal(data, &nested); err2 != nil {
			return q, fmt.Errorf("decode tool arguments: %w", err)
		}
		if err2 := json.Unmarshal([]byte(nested), &q); err2 != nil {
			return q, fmt.Errorf("decode tool arguments: %w", err2)
		}
	}

	if q.Adults == 0 {
		q.Adults = 1
	}
	if err := q.Validate(); err != nil {
		return q, err
	}
	return q, nil
}

var flightSearchParameters = json.RawMessage(`{
	"type": "object",
	"properties": {
		"originLocationCode": {"type": "string", "description": "IATA code of the departure city or airport, e.g. SYD"},
		"destinationLocationCode": {"type": "string", "description": "IATA code of the arrival city or airport, e.g. BKK"},
		"departureDate": {"type": "string", "description": "Departure date in YYYY-MM-DD format"},
		"adults": {"type": "integer", "description": "Number of adult travellers (age 12 or older)"},
		"returnDate": {"type": "string", "description": "Return date in YYYY-MM-DD format, for round trips"},
		"children": {"type": "integer", "description": "Number of child travellers (age 2-11)"},
		"infants": {"type": "integer", "description": "Number of infant travellers (under 2)"},
		"travelClass": {"type": "string", "enum": ["ECONOMY", "PREMIUM_ECONOMY", "BUSINESS", "FIRST"]},
		"includedAirlineCodes": {"type": "string", "description": "Comma-separated IATA airline codes to include"},
		"excludedAirlineCodes": {"type": "string", "description": "Comma-separated IATA airline codes to exclude"},
		"nonStop": {"type": "boolean", "description": "Only direct flights when true"},
		"currencyCode": {"type": "string", "description": "ISO 4217 currency for prices, e.g. EUR"},
		"maxPrice": {"type": "integer", "description": "Maximum price per traveller"},
		"max": {"type": "integer", "description": "Maximum number of offers to return"}
	},
	"required": ["originLocationCode", "destinationLocationCode", "departureDate", "adults"]
}`)

func tools() []openai.Tool {
	return []openai.Tool{{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        searchFlightsTool,
			Description: "Search live flight offers between two airports for given dates and travellers.",
			Parameters:  flightSearchParameters,
		},
	}}
}
