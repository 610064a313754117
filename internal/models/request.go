package models

import (
	"net/http"
)

// Request is the description of a single REST call
// It lives for one call and may be re-issued once after a token refresh
type Request struct {
	Method string
	Path   string
	Header http.Header

	// Body is marshaled to JSON unless it is *MultipartBody
	Body any

	// Resend once after a successful refresh when the server answers 401
	RetryAllowed bool

	// Do not attach bearer token
	SkipAuthorize bool

	// Send body as {"message": <ciphertext>}
	Encrypt bool

	// Decrypt string payload of the response envelope
	DecryptResponse bool

	// Do not report server configuration timestamp to the settings cache
	SkipConfigCheck bool
}

// Pre-encoded multipart body; transport sets the Content-Type with boundary
type MultipartBody struct {
	ContentType string
	Data        []byte
}
