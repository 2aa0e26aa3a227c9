package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/keystone-retail/keystone/internal/platform/db"
	"github.com/keystone-retail/keystone/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the ledger: chart of accounts reads and
// manual journal postings.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/accounts", h.handleListAccounts)
	r.Get("/accounts/{code}", h.handleGetAccount)
	r.Get("/journals", h.handleListJournals)
	r.Get("/journals/{id}", h.handleGetJournal)
	r.Post("/journals", h.handlePostJournal)
	r.Post("/journals/{id}/reverse", h.handleReverseJournal)
}

type entryRequest struct {
	AccountID int64  `json:"account_id" validate:"required,gt=0"`
	Side      string `json:"side" validate:"required,oneof=DEBIT CREDIT"`
	Amount    string `json:"amount" validate:"required"`
	Narration string `json:"narration"`
}

type journalRequest struct {
	Date        string         `json:"date"`
	SourceType  string         `json:"source_type" validate:"required"`
	Description string         `json:"description"`
	Entries     []entryRequest `json:"entries" validate:"required,min=2,dive"`
}

func (h *Handler) handlePostJournal(w http.ResponseWriter, r *http.Request) {
	var req journalRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := PostingInput{
		Date:        time.Now().UTC(),
		SourceType:  req.SourceType,
		SourceID:    uuid.New(),
		Description: req.Description,
	}
	if req.Date != "" {
		date, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date: "+err.Error())
			return
		}
		in.Date = date
	}
	for _, entry := range req.Entries {
		amount, err := decimal.NewFromString(entry.Amount)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount: "+err.Error())
			return
		}
		in.Entries = append(in.Entries, EntryInput{
			AccountID: entry.AccountID,
			Side:      Side(entry.Side),
			Amount:    amount,
			Narration: entry.Narration,
		})
	}

	journal, err := h.service.PostJournal(r.Context(), in)
	if err != nil {
		h.respondError(w, "post journal", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, journalResponseFrom(journal))
}

type reverseJournalRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleReverseJournal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid journal id")
		return
	}
	var req reverseJournalRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	journal, err := h.service.ReversePosting(r.Context(), ReverseInput{JournalID: id, Reason: req.Reason})
	if err != nil {
		h.respondError(w, "reverse journal", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, journalResponseFrom(journal))
}

func (h *Handler) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid journal id")
		return
	}
	journal, err := h.service.GetJournal(r.Context(), id)
	if err != nil {
		h.respondError(w, "get journal", err)
		return
	}
	httpx.JSON(w, http.StatusOK, journalResponseFrom(journal))
}

func (h *Handler) handleListJournals(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	journals, err := h.service.ListJournals(r.Context(), limit)
	if err != nil {
		h.respondError(w, "list journals", err)
		return
	}
	out := make([]journalResponse, 0, len(journals))
	for _, journal := range journals {
		out = append(out, journalResponseFrom(journal))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetAccountByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.respondError(w, "get account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, accountResponseFrom(account))
}

func (h *Handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		h.respondError(w, "list accounts", err)
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, accountResponseFrom(account))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type accountResponse struct {
	ID             int64  `json:"id"`
	Code           string `json:"code"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	Active         bool   `json:"active"`
	OpeningBalance string `json:"opening_balance"`
	CurrentBalance string `json:"current_balance"`
}

func accountResponseFrom(a Account) accountResponse {
	return accountResponse{
		ID:             a.ID,
		Code:           a.Code,
		Name:           a.Name,
		Type:           string(a.Type),
		Active:         a.Active,
		OpeningBalance: a.OpeningBalance.StringFixed(2),
		CurrentBalance: a.CurrentBalance.StringFixed(2),
	}
}

type entryResponse struct {
	AccountID int64  `json:"account_id"`
	Side      string `json:"side"`
	Amount    string `json:"amount"`
	Narration string `json:"narration,omitempty"`
}

type journalResponse struct {
	ID          int64           `json:"id"`
	Date        string          `json:"date"`
	SourceType  string          `json:"source_type"`
	SourceID    string          `json:"source_id"`
	Description string          `json:"description,omitempty"`
	ReversalOf  *int64          `json:"reversal_of,omitempty"`
	PostedAt    string          `json:"posted_at"`
	Entries     []entryResponse `json:"entries,omitempty"`
}

func journalResponseFrom(j Journal) journalResponse {
	out := journalResponse{
		ID:          j.ID,
		Date:        j.Date.UTC().Format("2006-01-02"),
		SourceType:  j.SourceType,
		SourceID:    j.SourceID.String(),
		Description: j.Description,
		ReversalOf:  j.ReversalOf,
		PostedAt:    j.PostedAt.UTC().Format(time.RFC3339),
	}
	for _, entry := range j.Entries {
		out.Entries = append(out.Entries, entryResponse{
			AccountID: entry.AccountID,
			Side:      string(entry.Side),
			Amount:    entry.Amount.StringFixed(2),
			Narration: entry.Narration,
		})
	}
	return out
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrJournalNotFound), errors.Is(err, ErrAccountNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyReversed):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, db.ErrTxConflict):
		httpx.Problem(w, http.StatusServiceUnavailable, "Temporarily Unavailable", err.Error())
	case errors.Is(err, ErrUnbalanced),
		errors.Is(err, ErrTooFewEntries),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidSide),
		errors.Is(err, ErrUnknownAccount),
		errors.Is(err, ErrInactiveAccount):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	default:
		h.logger.Error(op+" failed", "error", err)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
