// Package api exposes the administrative REST surface of the relayer:
// manual message reprocessing, nonce overrides for stuck signers, health
// and prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portalgrid/relayer/types"
)

// Reprocessor re-injects an archived message into the scheduler
type Reprocessor interface {
	Reprocess(messageID string) error
}

// NonceAdmin overrides the upper nonce boundary of a signer on one
// destination domain
type NonceAdmin interface {
	ResetUpperNonce(domain uint64, signer types.Address, upper uint64) error
}

type Server struct {
	logger      hclog.Logger
	reprocessor Reprocessor
	nonceAdmin  NonceAdmin
	srv         *http.Server
}

func NewServer(logger hclog.Logger, reprocessor Reprocessor, nonceAdmin NonceAdmin) *Server {
	server := &Server{
		logger:      logger.Named("api"),
		reprocessor: reprocessor,
		nonceAdmin:  nonceAdmin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/reprocess", server.handleReprocess)
	mux.HandleFunc("/v1/reset-upper-nonce", server.handleResetUpperNonce)
	mux.HandleFunc("/healthcheck", server.handleHealthcheck)
	mux.Handle("/metrics", promhttp.Handler())

	server.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return server
}

func (s *Server) ListenAndServe(addr string) error {
	s.srv.Addr = addr

	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type reprocessRequest struct {
	MessageID string `json:"messageId"`
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)

		return
	}

	req := &reprocessRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "malformed request body")

		return
	}

	if err := s.reprocessor.Reprocess(req.MessageID); err != nil {
		s.logger.Warn("reprocess rejected", "message", req.MessageID, "err", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())

		return
	}

	s.logger.Info("message queued for reprocessing", "message", req.MessageID)
	w.WriteHeader(http.StatusAccepted)
}

type resetUpperNonceRequest struct {
	Domain uint64        `json:"domain"`
	Signer types.Address `json:"signer"`
	Upper  uint64        `json:"upper"`
}

func (s *Server) handleResetUpperNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)

		return
	}

	req := &resetUpperNonceRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")

		return
	}

	if err := s.nonceAdmin.ResetUpperNonce(req.Domain, req.Signer, req.Upper); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	s.logger.Info("upper nonce reset", "signer", req.Signer, "upper", req.Upper)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	//nolint:errcheck
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	//nolint:errcheck
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
