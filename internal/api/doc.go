// Package api exposes the vault, its threshold order book and the trigger
// job queue over a JSON REST interface. Callers are identified by the auth
// package; amounts travel as decimal strings in requests and as JSON numbers
// in responses.
package api
