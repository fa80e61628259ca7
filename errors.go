package scout

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hazyhaar/scout/capture"
	"github.com/hazyhaar/scout/dispatch"
	"github.com/hazyhaar/scout/extraction"
	"github.com/hazyhaar/scout/horosafe"
	"github.com/hazyhaar/scout/message"
	"github.com/hazyhaar/scout/settings"
)

// Error kinds reported in failed responses.
const (
	KindNoSelection       = "no_selection"
	KindUnsupportedTarget = "unsupported_target"
	KindDelivery          = "delivery"
	KindMissingCredential = "missing_credential"
	KindRemoteAPI         = "remote_api"
	KindTransport         = "transport"
	KindCapture           = "capture"
	KindSelect            = "select"
	KindInvalidSettings   = "invalid_settings"
	KindUnsafeURL         = "unsafe_url"
	KindUnknownMenuItem   = "unknown_menu_item"
	KindBadRequest        = "bad_request"
	KindCanceled          = "canceled"
	KindInternal          = "internal"
)

// AgentError is an agent acknowledgment reporting failure.
type AgentError struct {
	TargetID string
	Message  string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("scout: agent in %s: %s", e.TargetID, e.Message)
}

// SelectError is returned when the requested selection could not be made.
type SelectError struct {
	Selector string
	Err      error
}

func (e *SelectError) Error() string {
	return fmt.Sprintf("scout: select %q: %v", e.Selector, e.Err)
}

func (e *SelectError) Unwrap() error { return e.Err }

// Kind classifies err into one of the Kind constants, "" for nil.
func Kind(err error) string {
	var (
		unsupported *dispatch.UnsupportedTargetError
		delivery    *dispatch.DeliveryError
		missing     *extraction.MissingCredentialError
		remote      *extraction.RemoteAPIError
		transport   *extraction.TransportError
		agent       *AgentError
		sel         *SelectError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, capture.ErrNoSelection):
		return KindNoSelection
	case errors.As(err, &unsupported):
		return KindUnsupportedTarget
	case errors.As(err, &delivery):
		return KindDelivery
	case errors.As(err, &missing):
		return KindMissingCredential
	case errors.As(err, &remote):
		return KindRemoteAPI
	case errors.As(err, &transport):
		return KindTransport
	case errors.As(err, &agent):
		return KindCapture
	case errors.As(err, &sel):
		return KindSelect
	case settings.IsValidation(err):
		return KindInvalidSettings
	case errors.Is(err, horosafe.ErrSSRF), errors.Is(err, horosafe.ErrUnsafeScheme):
		return KindUnsafeURL
	case errors.Is(err, dispatch.ErrUnknownMenuItem):
		return KindUnknownMenuItem
	case errors.Is(err, errBadRequest):
		return KindBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	return KindInternal
}

// UserMessage returns a short message suitable for display next to the
// failed action.
func UserMessage(err error) string {
	var remote *extraction.RemoteAPIError
	switch Kind(err) {
	case "":
		return ""
	case KindNoSelection:
		return message.NoSelectionText
	case KindUnsupportedTarget:
		return "This page cannot be captured."
	case KindDelivery:
		return "Could not reach the page. Reload it and try again."
	case KindMissingCredential:
		return "API key not set. Add it in settings."
	case KindRemoteAPI:
		if errors.As(err, &remote) {
			return fmt.Sprintf("API error (%d): %s", remote.Status, remote.Message)
		}
	case KindTransport:
		return "Could not reach the extraction API."
	case KindCanceled:
		return "Request canceled."
	case KindInternal:
		return "Internal error."
	}
	return err.Error()
}

func failure(err error) message.ProcessResponse {
	return message.ProcessResponse{Error: UserMessage(err), Kind: Kind(err)}
}

func httpStatus(kind string) int {
	switch kind {
	case KindBadRequest, KindInvalidSettings, KindUnsafeURL, KindMissingCredential:
		return http.StatusBadRequest
	case KindUnknownMenuItem:
		return http.StatusNotFound
	case KindNoSelection, KindUnsupportedTarget, KindSelect, KindCapture:
		return http.StatusUnprocessableEntity
	case KindDelivery, KindRemoteAPI, KindTransport:
		return http.StatusBadGateway
	case KindCanceled:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
