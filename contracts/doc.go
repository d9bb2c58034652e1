// Package contracts provides the core message types and interfaces for the messagebus.
//
// This package defines the base contracts for messages that flow through the system:
//   - Message: Base interface for all messages
//   - Request: A message answered by exactly one correlated Response
//   - Response: The answer to a Request, carrying the request's message ID
//   - Envelope: The transport representation of a message plus its headers
//
// The request message ID is the correlation identifier. It is generated by the
// requester at send time and copied verbatim into the response by the responder.
package contracts
