// Package messages defines the request/response contracts exchanged between the
// requester and responder services.
package messages
