// Package api serves the node's local admin surface: transaction and
// vote ingress plus the metrics endpoint. It binds to a loopback
// address; it is an operator interface, not a federation one.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"threshold-federation/internal/logger"
	"threshold-federation/internal/metrics"
	"threshold-federation/internal/presig"
	"threshold-federation/internal/storage"
	"threshold-federation/internal/types"
	"threshold-federation/pkg/consensus"
)

// Lifecycle is the slice of the consensus driver the API needs.
type Lifecycle interface {
	Observe(ctx context.Context, txID types.TxID, payload []byte) error
	SubmitVote(ctx context.Context, vote *types.Vote) error
}

// TransactionReader looks up transaction records for status queries.
type TransactionReader interface {
	GetTransaction(ctx context.Context, txID types.TxID) (*types.Transaction, error)
}

// StatsSource reports the presignature pool inventory.
type StatsSource interface {
	Stats() presig.Stats
}

// Server is the admin HTTP server.
type Server struct {
	lifecycle Lifecycle
	store     TransactionReader
	pool      StatsSource
	metrics   *metrics.Metrics
	log       zerolog.Logger
	httpSrv   *http.Server
}

// NewServer creates the admin server listening on addr.
func NewServer(addr string, lifecycle Lifecycle, store TransactionReader,
	pool StatsSource, m *metrics.Metrics) *Server {
	s := &Server{
		lifecycle: lifecycle,
		store:     store,
		pool:      pool,
		metrics:   m,
		log:       logger.Component("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/transactions", s.handleTransactions)
	mux.HandleFunc("/v1/transactions/", s.handleTransactionStatus)
	mux.HandleFunc("/v1/votes", s.handleVotes)
	mux.HandleFunc("/v1/pool", s.handlePoolStats)
	mux.Handle("/metrics", m.Handler())

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("admin api listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type transactionRequest struct {
	TxID    string `json:"tx_id"`
	Payload string `json:"payload"`
}

type voteRequest struct {
	TxID      string `json:"tx_id"`
	NodeID    uint16 `json:"node_id"`
	Approve   bool   `json:"approve"`
	Signature string `json:"signature"`
}

type transactionResponse struct {
	TxID          string `json:"tx_id"`
	State         string `json:"state"`
	VotesReceived int    `json:"votes_received"`
	Threshold     int    `json:"threshold"`
	Signature     string `json:"signature,omitempty"`
	RetryCount    int    `json:"retry_count"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.TxID == "" {
		http.Error(w, "tx_id is required", http.StatusBadRequest)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		http.Error(w, "payload must be base64", http.StatusBadRequest)
		return
	}

	err = s.lifecycle.Observe(r.Context(), types.TxID(req.TxID), payload)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, consensus.ErrTransactionExists):
		http.Error(w, "transaction already observed", http.StatusConflict)
	default:
		s.log.Error().Err(err).Str("tx", req.TxID).Msg("observe failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	txID := types.TxID(r.URL.Path[len("/v1/transactions/"):])
	if txID == "" {
		http.Error(w, "tx id is required", http.StatusBadRequest)
		return
	}

	tx, err := s.store.GetTransaction(r.Context(), txID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "unknown transaction", http.StatusNotFound)
			return
		}
		s.log.Error().Err(err).Str("tx", string(txID)).Msg("status lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := transactionResponse{
		TxID:          string(tx.TxID),
		State:         tx.State.String(),
		VotesReceived: tx.VotesReceived,
		Threshold:     tx.Threshold,
		RetryCount:    tx.RetryCount,
	}
	if len(tx.SignedArtifact) > 0 {
		resp.Signature = base64.StdEncoding.EncodeToString(tx.SignedArtifact)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.pool.Stats())
}

func (s *Server) handleVotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.TxID == "" || req.NodeID == 0 {
		http.Error(w, "tx_id and node_id are required", http.StatusBadRequest)
		return
	}
	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		http.Error(w, "signature must be base64", http.StatusBadRequest)
		return
	}

	vote := &types.Vote{
		TxID:      types.TxID(req.TxID),
		NodeID:    types.NodeID(req.NodeID),
		Approve:   req.Approve,
		Signature: signature,
		Timestamp: time.Now(),
	}

	err = s.lifecycle.SubmitVote(r.Context(), vote)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, consensus.ErrNotMember):
		http.Error(w, "voter is not a federation member", http.StatusForbidden)
	default:
		var byzantine *consensus.ByzantineVoteError
		if errors.As(err, &byzantine) {
			http.Error(w, "conflicting vote rejected", http.StatusConflict)
			return
		}
		s.log.Warn().Err(err).Str("tx", req.TxID).Msg("vote rejected")
		http.Error(w, "vote rejected", http.StatusBadRequest)
	}
}
