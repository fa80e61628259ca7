package extraction

import "fmt"

// MissingCredentialError is returned before any request is built when the
// configured API key is blank.
type MissingCredentialError struct{}

func (e *MissingCredentialError) Error() string {
	return "extraction: API key is not set; add it in settings"
}

// RemoteAPIError is returned when the endpoint answers with a non-2xx status.
// Message is the upstream error message, or the status text when the body
// carries none.
type RemoteAPIError struct {
	Status  int
	Message string
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("extraction: API error (%d): %s", e.Status, e.Message)
}

// TransportError covers network failures and undecodable responses.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("extraction: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
