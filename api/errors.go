package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/axiomesh/tokendao/core"
	"github.com/axiomesh/tokendao/ledger"
)

// StatusOf maps an engine error to the HTTP status returned for it.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrNotDeployed):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrAlreadyVoted),
		errors.Is(err, core.ErrAlreadyExecuted),
		errors.Is(err, core.ErrVotingClosed),
		errors.Is(err, core.ErrVotingOpen),
		errors.Is(err, core.ErrProposalRejected),
		errors.Is(err, core.ErrQuorumNotMet),
		errors.Is(err, core.ErrAlreadyDeployed),
		errors.Is(err, ledger.ErrNonceMismatch):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// APIError is a non-2xx response decoded by Client.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Is lets callers match a remote failure against the engine's sentinels.
func (e *APIError) Is(target error) bool {
	return e.StatusCode == StatusOf(target) && strings.Contains(e.Message, target.Error())
}
