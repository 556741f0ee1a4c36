// Package errors provides structured error handling for the host and its
// authentication boundary.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Key errors
	CodeInvalidKeyMaterial Code = "INVALID_KEY_MATERIAL"
	CodeUnknownKey         Code = "UNKNOWN_KEY"
	CodeNoSigningKey       Code = "NO_SIGNING_KEY"

	// Issuance errors
	CodeInvalidTTL    Code = "INVALID_TTL"
	CodeInvalidClaims Code = "INVALID_CLAIMS"

	// Verification errors. Only CodeAuthenticationFailed leaves the process;
	// the others are wrapped causes kept for logs and metrics.
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
	CodeMalformedToken       Code = "MALFORMED_TOKEN"
	CodeBadSignature         Code = "BAD_SIGNATURE"
	CodeTokenExpired         Code = "TOKEN_EXPIRED"
	CodeTokenNotYetValid     Code = "TOKEN_NOT_YET_VALID"
	CodeAlgorithmMismatch    Code = "ALGORITHM_MISMATCH"
	CodeClaimMismatch        Code = "CLAIM_MISMATCH"

	// Lifecycle errors
	CodeAddressInUse    Code = "ADDRESS_IN_USE"
	CodeBindFailed      Code = "BIND_FAILED"
	CodeShutdownTimeout Code = "SHUTDOWN_TIMEOUT"
	CodeInvalidState    Code = "INVALID_STATE"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeInvalidKeyMaterial,
		CodeInvalidTTL,
		CodeInvalidClaims:
		return codes.InvalidArgument

	// Unauthenticated - every verification failure looks the same to callers
	case CodeAuthenticationFailed,
		CodeMalformedToken,
		CodeBadSignature,
		CodeTokenExpired,
		CodeTokenNotYetValid,
		CodeAlgorithmMismatch,
		CodeClaimMismatch:
		return codes.Unauthenticated

	// FailedPrecondition - state doesn't allow operation
	case CodeNoSigningKey,
		CodeInvalidState:
		return codes.FailedPrecondition

	// NotFound - resource doesn't exist
	case CodeUnknownKey:
		return codes.NotFound

	case CodeAddressInUse,
		CodeBindFailed:
		return codes.Unavailable

	case CodeShutdownTimeout:
		return codes.DeadlineExceeded

	default:
		return codes.Internal
	}
}
