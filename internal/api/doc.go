// Package api exposes the HTTP interface for submitting workflows, streaming
// execution events, managing user credentials, and retrieving run history.
package api
