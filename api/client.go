package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/axiomesh/tokendao/core"
	"github.com/axiomesh/tokendao/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// RetryBackoff is the first Fibonacci step between GET attempts.
	RetryBackoff = 500 * time.Millisecond

	RetryLimit uint = 4
)

// Client talks to a tokendao server. Reads are retried, writes never are.
type Client struct {
	baseURL string
	http    *http.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	logger  logrus.FieldLogger
}

// NewClient builds a client; key may be nil for read-only use.
func NewClient(baseURL string, key *ecdsa.PrivateKey, logger logrus.FieldLogger) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		key:     key,
		logger:  logger,
	}
	if key != nil {
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c
}

// From is the address requests are signed as.
func (c *Client) From() common.Address {
	return c.from
}

func (c *Client) CreateProposal(ctx context.Context, description string) (uint64, *ledger.Receipt, error) {
	var res CreateProposalResponse
	err := c.send(ctx, http.MethodPost, "/api/proposals", ActionCreateProposal, &CreateProposalRequest{Description: description}, &res)
	if err != nil {
		return 0, nil, err
	}
	return res.ID, res.Receipt, nil
}

func (c *Client) CastVote(ctx context.Context, id uint64, support bool) (*ledger.Receipt, error) {
	var res ReceiptResponse
	path := fmt.Sprintf("/api/proposals/%d/votes", id)
	if err := c.send(ctx, http.MethodPost, path, ActionCastVote, &CastVoteRequest{ProposalID: id, Support: support}, &res); err != nil {
		return nil, err
	}
	return res.Receipt, nil
}

func (c *Client) ExecuteProposal(ctx context.Context, id uint64) (*ledger.Receipt, error) {
	var res ReceiptResponse
	path := fmt.Sprintf("/api/proposals/%d/execute", id)
	if err := c.send(ctx, http.MethodPost, path, ActionExecuteProposal, &ExecuteProposalRequest{ProposalID: id}, &res); err != nil {
		return nil, err
	}
	return res.Receipt, nil
}

func (c *Client) SetVotingPeriod(ctx context.Context, seconds uint64) (*ledger.Receipt, error) {
	var res ReceiptResponse
	if err := c.send(ctx, http.MethodPut, "/api/settings/voting-period", ActionSetVotingPeriod, &SetVotingPeriodRequest{Seconds: seconds}, &res); err != nil {
		return nil, err
	}
	return res.Receipt, nil
}

func (c *Client) SetQuorum(ctx context.Context, quorum *big.Int) (*ledger.Receipt, error) {
	var res ReceiptResponse
	if err := c.send(ctx, http.MethodPut, "/api/settings/quorum", ActionSetQuorum, &SetQuorumRequest{Amount: quorum.String()}, &res); err != nil {
		return nil, err
	}
	return res.Receipt, nil
}

func (c *Client) Settings(ctx context.Context) (*SettingsResponse, error) {
	var res SettingsResponse
	if err := c.get(ctx, "/api/settings", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Proposal(ctx context.Context, id uint64) (*ProposalView, error) {
	var res ProposalView
	if err := c.get(ctx, fmt.Sprintf("/api/proposals/%d", id), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Proposals(ctx context.Context, from, limit uint64) (*ProposalsResponse, error) {
	var res ProposalsResponse
	if err := c.get(ctx, fmt.Sprintf("/api/proposals?from=%d&limit=%d", from, limit), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) HasVoted(ctx context.Context, id uint64, voter common.Address) (bool, error) {
	var res VoterResponse
	if err := c.get(ctx, fmt.Sprintf("/api/proposals/%d/voters/%s", id, voter.Hex()), &res); err != nil {
		return false, err
	}
	return res.HasVoted, nil
}

func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var res BalanceResponse
	if err := c.get(ctx, "/api/balances/"+addr.Hex(), &res); err != nil {
		return nil, err
	}
	return res.Balance, nil
}

func (c *Client) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	var res NonceResponse
	if err := c.get(ctx, fmt.Sprintf("/api/accounts/%s/nonce", addr.Hex()), &res); err != nil {
		return 0, err
	}
	return res.Nonce, nil
}

func (c *Client) History(ctx context.Context) (*HistoryResponse, error) {
	var res HistoryResponse
	if err := c.get(ctx, "/api/history/proposals", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ProposalHistory(ctx context.Context, id uint64) (*core.ProposalRecord, error) {
	var res core.ProposalRecord
	if err := c.get(ctx, fmt.Sprintf("/api/history/proposals/%d", id), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) SettingsHistory(ctx context.Context) (*SettingsHistoryResponse, error) {
	var res SettingsHistoryResponse
	if err := c.get(ctx, "/api/history/settings", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// send signs one mutating request under the caller's current nonce.
func (c *Client) send(ctx context.Context, method, path, action string, payload, out interface{}) error {
	if c.key == nil {
		return errors.New("no signing key configured")
	}
	nonce, err := c.Nonce(ctx, c.from)
	if err != nil {
		return errors.Wrap(err, "fetch nonce")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(&Envelope{
		From:    c.from,
		Nonce:   nonce,
		Action:  action,
		Payload: raw,
	})
	if err != nil {
		return err
	}
	sig, err := Sign(c.key, body)
	if err != nil {
		return errors.Wrap(err, "sign request")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	var final bool
	action := func(attempt uint) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			final = true
			return err
		}
		err = c.do(req, out)
		if err == nil {
			return nil
		}
		if !retryable(err) || ctx.Err() != nil {
			final = true
			return err
		}
		c.logger.WithFields(logrus.Fields{
			"path":    path,
			"attempt": attempt,
			"err":     err,
		}).Warn("Request failed, retrying")
		return err
	}
	keepTrying := func(uint) bool {
		return !final
	}

	return retry.Retry(action, keepTrying, strategy.Limit(RetryLimit), strategy.Backoff(backoff.Fibonacci(RetryBackoff)))
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e ErrorResponse
		if jerr := json.Unmarshal(data, &e); jerr != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(data, out), "decode %s response", req.URL.Path)
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}
