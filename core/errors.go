package core

import "errors"

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("proposal does not exist")
	ErrAlreadyVoted     = errors.New("already voted")
	ErrVotingClosed     = errors.New("voting period has ended")
	ErrVotingOpen       = errors.New("voting period not over")
	ErrAlreadyExecuted  = errors.New("proposal already executed")
	ErrProposalRejected = errors.New("proposal did not pass")
	ErrQuorumNotMet     = errors.New("quorum not reached")

	ErrAlreadyDeployed = errors.New("governance already deployed")
	ErrNotDeployed     = errors.New("governance not deployed")
	ErrInvalidArgument = errors.New("invalid argument")
)
