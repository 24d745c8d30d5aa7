package models

import "errors"

// Collaborator errors shared by the drivers and the mapping build.
var (
	// ErrNotFound means a coin has no counterpart on the target exchange.
	ErrNotFound = errors.New("no mapping found")

	// ErrSourceUnavailable means the candidate list could not be fetched.
	ErrSourceUnavailable = errors.New("candidate source unavailable")

	// ErrTransport means a lookup failed on the network or with an unexpected response.
	ErrTransport = errors.New("transport error")
)
