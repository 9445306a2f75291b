package callback

import (
	"errors"
	"strings"

	"github.com/pulseplan/iglink/internal/backend"
)

// ExchangeOutcome is the interpreted result of one backend code exchange.
type ExchangeOutcome struct {
	// Success means the linkage went through, whatever the HTTP status
	// said.
	Success bool

	// Accounts are the linked accounts reported alongside the outcome.
	Accounts []backend.Account

	// CodeReused means the exchange failed because the code was consumed
	// earlier; the caller should probe credential status before declaring
	// failure.
	CodeReused bool

	// Detail is a human-readable failure description.
	Detail string
}

// InterpretExchangeOutcome concentrates the backend's quirk handling in
// one place: some failed exchanges still return account data or a
// success-worded message in the error body, and those must be treated as
// success.
func InterpretExchangeOutcome(resp *backend.ExchangeResponse, err error) ExchangeOutcome {
	if err == nil {
		var accounts []backend.Account
		if resp != nil {
			accounts = resp.Accounts
		}
		return ExchangeOutcome{Success: true, Accounts: accounts}
	}

	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		return ExchangeOutcome{Detail: err.Error()}
	}

	if apiErr.Payload != nil {
		if len(apiErr.Payload.Accounts) > 0 {
			return ExchangeOutcome{Success: true, Accounts: apiErr.Payload.Accounts}
		}
		if looksSuccessful(apiErr.Payload.Message) {
			return ExchangeOutcome{Success: true}
		}
	}
	if looksSuccessful(apiErr.Detail) {
		return ExchangeOutcome{Success: true}
	}

	detail := apiErr.Detail
	if detail == "" {
		detail = apiErr.Error()
	}

	if indicatesCodeReuse(apiErr.Detail) {
		return ExchangeOutcome{CodeReused: true, Detail: detail}
	}

	return ExchangeOutcome{Detail: detail}
}

// looksSuccessful reports whether a backend message reads as a success
// despite arriving in an error body.
func looksSuccessful(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "success") || strings.Contains(lower, "connected")
}

// indicatesCodeReuse reports whether the failure says the authorization
// code was already consumed.
func indicatesCodeReuse(detail string) bool {
	if detail == "" {
		return false
	}
	lower := strings.ToLower(detail)
	for _, marker := range []string{
		"already been used",
		"already used",
		"code reuse",
		"reused",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
