package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/axiomesh/tokendao/core"
	"github.com/axiomesh/tokendao/repo"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	RequestIDHeader = "X-Request-ID"

	maxBodySize = 1 << 20
)

// NonceReader reports how many transactions an account has committed.
type NonceReader interface {
	Nonce(addr common.Address) uint64
}

type Server struct {
	dao     *core.DAO
	nonces  NonceReader
	history *core.Indexer
	cfg     *repo.API
	logger  logrus.FieldLogger

	router   *mux.Router
	server   *http.Server
	listener net.Listener
}

// NewServer builds the HTTP front of the voting engine. history may be nil
// when the indexer is disabled.
func NewServer(cfg *repo.API, dao *core.DAO, nonces NonceReader, history *core.Indexer, logger logrus.FieldLogger) *Server {
	s := &Server{
		dao:     dao,
		nonces:  nonces,
		history: history,
		cfg:     cfg,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.requestID, enableCORS)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/settings", s.getSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings/voting-period", s.setVotingPeriod).Methods(http.MethodPut, http.MethodOptions)
	api.HandleFunc("/settings/quorum", s.setQuorum).Methods(http.MethodPut, http.MethodOptions)

	api.HandleFunc("/proposals", s.listProposals).Methods(http.MethodGet)
	api.HandleFunc("/proposals", s.createProposal).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/proposals/{id:[0-9]+}", s.getProposal).Methods(http.MethodGet)
	api.HandleFunc("/proposals/{id:[0-9]+}/votes", s.castVote).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/proposals/{id:[0-9]+}/execute", s.executeProposal).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/proposals/{id:[0-9]+}/voters/{address}", s.getVoter).Methods(http.MethodGet)

	api.HandleFunc("/balances/{address}", s.getBalance).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{address}/nonce", s.getNonce).Methods(http.MethodGet)

	api.HandleFunc("/history/proposals", s.listHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/proposals/{id:[0-9]+}", s.getHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/settings", s.getSettingsHistory).Methods(http.MethodGet)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithField("err", err).Error("HTTP server stopped")
		}
	}()

	s.logger.WithField("addr", listener.Addr().String()).Info("HTTP server started")
	return nil
}

// Addr is the bound address once Start returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Listen
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+SignatureHeader+", "+RequestIDHeader)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))

		s.logger.WithFields(logrus.Fields{
			"request_id": id,
			"method":     r.Method,
			"path":       r.URL.Path,
			"elapsed":    time.Since(start),
		}).Debug("Handle request")
	})
}

func (s *Server) log(r *http.Request) logrus.FieldLogger {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return s.logger.WithField("request_id", id)
}

func (s *Server) createProposal(w http.ResponseWriter, r *http.Request) {
	var req CreateProposalRequest
	call, ok := s.readSigned(w, r, ActionCreateProposal, &req)
	if !ok {
		return
	}

	id, receipt, err := s.dao.CreateProposal(r.Context(), call, req.Description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &CreateProposalResponse{ID: id, Receipt: receipt})
}

func (s *Server) castVote(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req CastVoteRequest
	call, ok := s.readSigned(w, r, ActionCastVote, &req)
	if !ok {
		return
	}
	if req.ProposalID != id {
		s.writeError(w, r, fmt.Errorf("%w: signed proposal %d does not match %d", core.ErrInvalidArgument, req.ProposalID, id))
		return
	}

	receipt, err := s.dao.CastVote(r.Context(), call, id, req.Support)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &ReceiptResponse{Receipt: receipt})
}

func (s *Server) executeProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req ExecuteProposalRequest
	call, ok := s.readSigned(w, r, ActionExecuteProposal, &req)
	if !ok {
		return
	}
	if req.ProposalID != id {
		s.writeError(w, r, fmt.Errorf("%w: signed proposal %d does not match %d", core.ErrInvalidArgument, req.ProposalID, id))
		return
	}

	receipt, err := s.dao.ExecuteProposal(r.Context(), call, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &ReceiptResponse{Receipt: receipt})
}

func (s *Server) setVotingPeriod(w http.ResponseWriter, r *http.Request) {
	var req SetVotingPeriodRequest
	call, ok := s.readSigned(w, r, ActionSetVotingPeriod, &req)
	if !ok {
		return
	}

	receipt, err := s.dao.SetVotingPeriod(r.Context(), call, req.Seconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &ReceiptResponse{Receipt: receipt})
}

func (s *Server) setQuorum(w http.ResponseWriter, r *http.Request) {
	var req SetQuorumRequest
	call, ok := s.readSigned(w, r, ActionSetQuorum, &req)
	if !ok {
		return
	}
	quorum, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: quorum %q is not a decimal amount", core.ErrInvalidArgument, req.Amount))
		return
	}

	receipt, err := s.dao.SetQuorum(r.Context(), call, quorum)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &ReceiptResponse{Receipt: receipt})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.dao.Settings()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &SettingsResponse{
		Owner:        settings.Owner,
		Token:        settings.Token,
		Contract:     s.dao.Address(),
		Quorum:       settings.Quorum,
		VotingPeriod: settings.VotingPeriod,
		Now:          s.dao.Now(),
	})
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	from, err := queryUint(r, "from")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	proposals, err := s.dao.Proposals(from, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := s.dao.Now()
	views := make([]*ProposalView, 0, len(proposals))
	for _, p := range proposals {
		views = append(views, &ProposalView{Proposal: p, Status: p.Status(now)})
	}
	writeJSON(w, http.StatusOK, &ProposalsResponse{Count: s.dao.ProposalCount(), Proposals: views})
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	p, err := s.dao.GetProposal(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &ProposalView{Proposal: p, Status: p.Status(s.dao.Now())})
}

func (s *Server) getVoter(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	voter, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	if _, err := s.dao.GetProposal(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &VoterResponse{ProposalID: id, Voter: voter, HasVoted: s.dao.HasVoted(id, voter)})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	balance, err := s.dao.VotingPower(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &BalanceResponse{Address: addr, Balance: balance})
}

func (s *Server) getNonce(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, &NonceResponse{Address: addr, Nonce: s.nonces.Nonce(addr)})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w, r) {
		return
	}
	records, err := s.history.Proposals()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &HistoryResponse{Height: s.history.Height(), Proposals: records})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w, r) {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.history.Proposal(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getSettingsHistory(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w, r) {
		return
	}
	changes, err := s.history.SettingsHistory()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &SettingsHistoryResponse{Height: s.history.Height(), Changes: changes})
}

func (s *Server) historyEnabled(w http.ResponseWriter, r *http.Request) bool {
	if s.history != nil {
		return true
	}
	writeJSON(w, http.StatusServiceUnavailable, &ErrorResponse{Error: "indexer disabled"})
	return false
}

// readSigned authenticates the envelope and decodes its payload into v.
func (s *Server) readSigned(w http.ResponseWriter, r *http.Request, action string, v interface{}) (core.Call, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: read body: %v", core.ErrInvalidArgument, err))
		return core.Call{}, false
	}

	signer, err := RecoverSigner(body, r.Header.Get(SignatureHeader))
	if err != nil {
		s.writeError(w, r, err)
		return core.Call{}, false
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: decode envelope: %v", core.ErrInvalidArgument, err))
		return core.Call{}, false
	}
	if env.From != signer {
		s.writeError(w, r, fmt.Errorf("%w: signer %s is not %s", ErrBadSignature, signer.Hex(), env.From.Hex()))
		return core.Call{}, false
	}
	if env.Action != action {
		s.writeError(w, r, fmt.Errorf("%w: action %q signed for %q", core.ErrInvalidArgument, env.Action, action))
		return core.Call{}, false
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, v); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: decode payload: %v", core.ErrInvalidArgument, err))
			return core.Call{}, false
		}
	}

	nonce := env.Nonce
	return core.Call{From: env.From, Nonce: &nonce}, true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: proposal id: %v", core.ErrInvalidArgument, err))
		return 0, false
	}
	return id, true
}

func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		s.writeError(w, r, fmt.Errorf("%w: address %q", core.ErrInvalidArgument, raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func queryUint(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", core.ErrInvalidArgument, name, err)
	}
	return v, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	entry := s.log(r).WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": status,
		"err":    err,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}
	writeJSON(w, status, &ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
