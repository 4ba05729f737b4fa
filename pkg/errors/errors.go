// Package errors defines the structured error type shared by every layer of
// the delegation core: token validation, role mapping, token exchange and the
// delegation gateway.
//
// # Codes
//
// Each [Error] carries a stable, machine-readable [Code] of the form
// CATEGORY_NNN. The category decides the HTTP status a transport adapter
// returns ([Error.HTTPStatus]) and the gRPC status ([Error.GRPCCode]).
//
// # Families
//
// Callers usually care about which stage of a request failed rather than the
// exact code. [FamilyOf] groups codes into the four failure families of the
// gateway:
//
//   - [FamilyAuthentication]: the bearer token or its role mapping was rejected
//   - [FamilyExchange]: the on-behalf-of token exchange failed
//   - [FamilyDelegation]: the module dispatch failed
//   - [FamilyInternal]: anything else
//
// Cache failures have no family. The delegation cache reports a miss instead
// of an error.
//
// # Usage
//
//	if err := validator.Validate(ctx, raw); err != nil {
//	    if errors.HasCode(err, errors.CodeAuthenticationExpired) {
//	        // ask the client to refresh
//	    }
//	}
package errors
