// Package ai talks to the conversational AI backend.
//
// Client is the contract the relay depends on. DeepSeek implements it over
// HTTP, and RetryingClient wraps any Client with bounded exponential backoff.
// Failures are classified into Kinds: rate-limit and network failures are
// retried, authentication and backend failures are not. When every attempt
// fails the result is an *ExhaustedError, which matches ErrRetriesExhausted.
package ai
