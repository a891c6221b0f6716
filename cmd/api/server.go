package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/weeklyloan/pkg/cache"
	"github.com/mcclellann/weeklyloan/pkg/ledger"
	"github.com/mcclellann/weeklyloan/pkg/logger"
	"github.com/mcclellann/weeklyloan/pkg/schedule"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// Server holds the ledger instance.
type Server struct {
	ledger         *ledger.Ledger
	idempotency    cache.Store
	idempotencyTTL time.Duration
}

func NewServer(l *ledger.Ledger, idem cache.Store, ttl time.Duration) *Server {
	return &Server{
		ledger:         l,
		idempotency:    idem,
		idempotencyTTL: ttl,
	}
}

// Routes registers every endpoint on a new router.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware, metricsMiddleware, s.idempotencyMiddleware)

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/schedule", s.getScheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.recordLoanPaymentHandler).Methods("POST")
	router.HandleFunc("/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/payments/unlinked", s.listUnlinkedHandler).Methods("GET")
	router.HandleFunc("/payments/{id}/link", s.linkPaymentHandler).Methods("POST")
	router.HandleFunc("/payments/{id}/allocation", s.getAllocationHandler).Methods("GET")
	router.HandleFunc("/schedules/preview", s.previewScheduleHandler).Methods("POST")
	router.HandleFunc("/healthz", healthHandler).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return router
}

type loanRequest struct {
	CustomerKey      string          `json:"customer_key" validate:"max=64"`
	Principal        decimal.Decimal `json:"principal"`
	DisbursementDate string          `json:"disbursement_date" validate:"required"`
	ledger.Terms
}

func (req loanRequest) input() (ledger.LoanInput, error) {
	date, err := schedule.ParseDate(req.DisbursementDate)
	if err != nil {
		return ledger.LoanInput{}, err
	}
	return ledger.LoanInput{
		CustomerKey:      req.CustomerKey,
		Principal:        req.Principal,
		DisbursementDate: date,
		Terms:            req.Terms,
	}, nil
}

type paymentRequest struct {
	LoanID      *uuid.UUID      `json:"loan_id"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate string          `json:"payment_date"`
	Reference   string          `json:"reference" validate:"max=128"`
}

type linkRequest struct {
	LoanID uuid.UUID `json:"loan_id" validate:"required"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, r, err)
		return
	}

	view, err := s.ledger.CreateLoan(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) previewScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.ledger.PreviewSchedule(in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}

	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getScheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}

	view, err := s.ledger.GetSchedule(r.Context(), loanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}

	payments, err := s.ledger.GetPayments(r.Context(), loanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) recordLoanPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}
	var req paymentRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.LoanID = &loanID
	s.recordPayment(w, r, req)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	s.recordPayment(w, r, req)
}

func (s *Server) recordPayment(w http.ResponseWriter, r *http.Request, req paymentRequest) {
	in := ledger.PaymentInput{
		LoanID:    req.LoanID,
		Amount:    req.Amount,
		Reference: req.Reference,
	}
	if req.PaymentDate != "" {
		date, err := schedule.ParseDate(req.PaymentDate)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payment_date"})
			return
		}
		in.PaymentDate = date
	}

	receipt, err := s.ledger.RecordPayment(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) listUnlinkedHandler(w http.ResponseWriter, r *http.Request) {
	payments, err := s.ledger.GetUnlinkedPayments(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) linkPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := pathID(w, r, "payment")
	if !ok {
		return
	}
	var req linkRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	receipt, err := s.ledger.LinkPayment(r.Context(), paymentID, req.LoanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) getAllocationHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := pathID(w, r, "payment")
	if !ok {
		return
	}

	alloc, err := s.ledger.GetAllocation(r.Context(), paymentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathID(w http.ResponseWriter, r *http.Request, kind string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid " + kind + " id"})
		return uuid.Nil, false
	}
	return id, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, r, err)
		return false
	}
	return true
}

// writeError maps ledger and validation errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *schedule.InvalidInputError
	var verrs validator.ValidationErrors

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &invalid), errors.As(err, &verrs), errors.Is(err, ledger.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrLoanNotFound), errors.Is(err, ledger.ErrPaymentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyLinked):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		logger.CtxError(r.Context(), "request failed", err)
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
