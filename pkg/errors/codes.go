package errors

import "strings"

// Code is a machine-readable error code in the form CATEGORY_NNN. Codes are
// stable once published; new failure kinds get new numbers.
type Code string

// Categories, and the HTTP status each maps to:
//
//	VAL_xxx     400 Bad Request
//	AUTH_xxx    401 Unauthorized
//	AUTHZ_xxx   403 Forbidden
//	NF_xxx      404 Not Found
//	CONF_xxx    409 Conflict
//	INT_xxx     500 Internal Server Error
//	UNAVAIL_xxx 503 Service Unavailable
//	TIMEOUT_xxx 504 Gateway Timeout
const (
	CodeValidation         Code = "VAL_001"
	CodeValidationRequired Code = "VAL_002"
	CodeValidationFormat   Code = "VAL_003"
	CodeValidationRange    Code = "VAL_004"

	// CodeAuthentication is a generic authentication failure.
	CodeAuthentication Code = "AUTH_001"
	// CodeAuthenticationExpired: exp is in the past (beyond clock tolerance).
	CodeAuthenticationExpired Code = "AUTH_002"
	// CodeAuthenticationInvalid: the token could not be parsed.
	CodeAuthenticationInvalid Code = "AUTH_003"
	// CodeAuthenticationUnknownIssuer: no trusted issuer matches (iss, aud).
	CodeAuthenticationUnknownIssuer Code = "AUTH_004"
	// CodeAuthenticationSignature: the signature did not verify, or no key
	// with the token's kid exists.
	CodeAuthenticationSignature Code = "AUTH_005"
	// CodeAuthenticationAlgorithm: the declared alg is outside the issuer's
	// allow-list. Includes "none".
	CodeAuthenticationAlgorithm Code = "AUTH_006"
	// CodeAuthenticationNotYetValid: nbf (or iat) is in the future.
	CodeAuthenticationNotYetValid Code = "AUTH_007"
	// CodeAuthenticationAudience: aud does not contain the issuer's audience.
	CodeAuthenticationAudience Code = "AUTH_008"
	// CodeAuthenticationTooOld: iat is older than the issuer's max token age.
	CodeAuthenticationTooOld Code = "AUTH_009"

	CodeAuthorization Code = "AUTHZ_001"
	// CodeAuthorizationDenied: the session may not use the requested module.
	CodeAuthorizationDenied Code = "AUTHZ_002"
	// CodeAuthorizationInsufficientScope: the token lacks a required scope.
	CodeAuthorizationInsufficientScope Code = "AUTHZ_003"
	// CodeAuthorizationUnassignedRole: no role mapping matched the token.
	CodeAuthorizationUnassignedRole Code = "AUTHZ_004"
	// CodeExchangeRejected: the token endpoint refused the exchange.
	CodeExchangeRejected Code = "AUTHZ_005"
	// CodeExchangeInvalidGrant: the subject token was not accepted as a grant.
	CodeExchangeInvalidGrant Code = "AUTHZ_006"
	// CodeExchangeMissingClaim: a delegation token lacks a claim the module
	// requires, such as the backend account name.
	CodeExchangeMissingClaim Code = "AUTHZ_007"

	CodeNotFound Code = "NF_001"
	// CodeNotFoundModule: no delegation module is registered under the name.
	CodeNotFoundModule Code = "NF_004"

	CodeConflict              Code = "CONF_001"
	CodeConflictAlreadyExists Code = "CONF_002"

	CodeInternal              Code = "INT_001"
	CodeInternalConfiguration Code = "INT_003"
	// CodeInternalUnexpectedResponse: the token endpoint answered with a body
	// that is not a usable token response.
	CodeInternalUnexpectedResponse Code = "INT_004"

	CodeUnavailable Code = "UNAVAIL_001"
	// CodeUnavailableIssuer: the issuer's key or token endpoint could not be
	// reached.
	CodeUnavailableIssuer Code = "UNAVAIL_004"
	// CodeUnavailableBackend: a delegation module failed talking to its
	// backend.
	CodeUnavailableBackend Code = "UNAVAIL_005"

	CodeTimeout Code = "TIMEOUT_001"
)

// String returns the code as a plain string.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore ("AUTH" for
// "AUTH_002"). A code without an underscore is its own category.
func (c Code) Category() string {
	s := string(c)
	if i := strings.IndexByte(s, '_'); i >= 0 {
		return s[:i]
	}
	return s
}

// Family groups codes by the stage of a delegated request that produced them.
type Family string

const (
	FamilyAuthentication Family = "authentication"
	FamilyExchange       Family = "exchange"
	FamilyDelegation     Family = "delegation"
	FamilyInternal       Family = "internal"
)

// Family reports which failure family the code belongs to.
func (c Code) Family() Family {
	switch c {
	case CodeExchangeRejected, CodeExchangeInvalidGrant, CodeExchangeMissingClaim,
		CodeUnavailableIssuer, CodeInternalUnexpectedResponse:
		return FamilyExchange
	case CodeNotFoundModule, CodeAuthorizationDenied, CodeUnavailableBackend:
		return FamilyDelegation
	case CodeAuthorizationUnassignedRole:
		return FamilyAuthentication
	}
	if c.Category() == "AUTH" {
		return FamilyAuthentication
	}
	return FamilyInternal
}
