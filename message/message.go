// Package message defines the JSON messages exchanged between the dispatch
// controller, the in-page capture agent and the extraction caller.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/scout/locator"
)

// Actions carried in the "action" field.
const (
	ActionCaptureFullPage     = "captureFullPage"
	ActionCaptureSelection    = "captureSelection"
	ActionContentScriptLoaded = "contentScriptLoaded"
	ActionProcessHTML         = "processHtml"
)

// Context-menu item identifiers.
const (
	MenuCrawlFullPage  = "crawlFullPage"
	MenuCrawlSelection = "crawlSelection"
)

// StatusAcknowledged is the handshake reply status.
const StatusAcknowledged = "acknowledged"

// NoSelectionText is the Ack error reported when nothing is selected.
const NoSelectionText = "No selection found"

// Capture modes.
const (
	ModeFull      = "full"
	ModeSelection = "selection"
)

// Command is sent by the controller to the agent.
type Command struct {
	Action string `json:"action"`
}

// Valid reports whether Action names a capture command.
func (c Command) Valid() bool {
	return c.Action == ActionCaptureFullPage || c.Action == ActionCaptureSelection
}

// Capture is the normalized fragment an agent produces for one command.
type Capture struct {
	Mode    string           `json:"mode"`
	HTML    string           `json:"html"`
	Locator *locator.Locator `json:"locator,omitempty"`
}

// Ack is the agent's reply to a Command. Capture is set on success so the
// caller gets the fragment back in the same round trip.
type Ack struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
	Capture *Capture `json:"capture,omitempty"`
}

// Hello is the liveness handshake an agent emits once loaded.
type Hello struct {
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}

// HelloAck is the controller's reply to Hello.
type HelloAck struct {
	Status    string `json:"status"`
	ContextID string `json:"contextId"`
}

// ProcessRequest asks for extraction code for a captured fragment.
type ProcessRequest struct {
	Action       string           `json:"action"`
	HTML         string           `json:"html"`
	Query        string           `json:"query"`
	SelectedText *locator.Locator `json:"selectedText,omitempty"`
	Mode         string           `json:"mode"`
	PageURL      string           `json:"pageUrl,omitempty"`
}

// Result is the success payload of a ProcessResponse.
type Result struct {
	Code        string `json:"code"`
	Explanation string `json:"explanation"`
}

// ProcessResponse is the tagged outcome of a ProcessRequest. Kind classifies
// failures so callers can offer recovery paths (for instance, opening
// settings on "missing_credential").
type ProcessResponse struct {
	Success bool    `json:"success"`
	Data    *Result `json:"data,omitempty"`
	Error   string  `json:"error,omitempty"`
	Kind    string  `json:"kind,omitempty"`
}

// Decode unmarshals data into a value of type T.
func Decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("message: decode %T: %w", v, err)
	}
	return v, nil
}

// Encode marshals v.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("message: encode %T: %w", v, err)
	}
	return data, nil
}
