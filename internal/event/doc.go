// Package event defines the envelope dispatched through the engine and the
// vocabulary around it: entity and event types, priorities, the shared
// property bag, id generation and the payload codec used when envelopes are
// persisted for asynchronous execution.
package event
