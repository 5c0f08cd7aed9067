package quota

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/companionhq/quotaservice/internal/api"
	"github.com/companionhq/quotaservice/internal/auth"
	"github.com/companionhq/quotaservice/internal/events"
)

const maxBodyBytes = 4 << 10

// EventLister reads a user's quota event log.
type EventLister interface {
	ListByUser(ctx context.Context, userID uuid.UUID, params events.ListParams) (events.Page, error)
}

// Handler provides HTTP handlers for quota endpoints.
type Handler struct {
	svc      *Service
	events   EventLister
	validate *validator.Validate
}

// NewHandler creates a new quota Handler. A nil lister disables the event log route.
func NewHandler(svc *Service, lister EventLister) *Handler {
	return &Handler{
		svc:      svc,
		events:   lister,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type consumeBody struct {
	QuotaType string `json:"quota_type" validate:"required"`
	Amount    *int   `json:"amount" validate:"omitempty,min=1"`
}

// GetQuotas returns the authenticated user's quotas.
func (h *Handler) GetQuotas(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}
	h.getQuotas(w, r, userID)
}

// Consume consumes quota for the authenticated user.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}
	h.consume(w, r, userID)
}

// InternalGetQuotas returns the quotas of the user named in the path.
func (h *Handler) InternalGetQuotas(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	h.getQuotas(w, r, userID)
}

// InternalConsume consumes quota for the user named in the path.
func (h *Handler) InternalConsume(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	h.consume(w, r, userID)
}

// ListEvents returns the authenticated user's paginated quota event log.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}
	if h.events == nil {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	page, err := h.events.ListByUser(r.Context(), userID, parseEventParams(r))
	if err != nil {
		api.HandleError(w, api.NewCodedError(http.StatusServiceUnavailable, string(CodeDBError), "reading quota events"))
		return
	}

	api.JSONPaginated(w, http.StatusOK, page.Entries, page.Total, page.Page, page.PageSize)
}

func (h *Handler) getQuotas(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	displays, err := h.svc.GetUserQuotas(r.Context(), userID)
	if err != nil {
		api.HandleError(w, toAppError(err))
		return
	}
	api.JSON(w, http.StatusOK, displays)
}

func (h *Handler) consume(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	var body consumeBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		api.HandleError(w, toAppError(decodeError(err)))
		return
	}

	if err := h.validate.Struct(body); err != nil {
		api.HandleError(w, toAppError(validationError(err)))
		return
	}

	amount := 1
	if body.Amount != nil {
		amount = *body.Amount
	}

	result, err := h.svc.Consume(r.Context(), ConsumeRequest{
		UserID:    userID,
		QuotaType: body.QuotaType,
		Amount:    amount,
	})
	if err != nil {
		api.HandleError(w, toAppError(err))
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = StatusFor(result.Code)
	}
	api.JSONRaw(w, status, result)
}

// decodeError maps a body decoding failure onto the quota error codes.
func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		switch typeErr.Field {
		case "amount":
			return newError(CodeInvalidAmount, "amount must be a positive integer", nil)
		case "quota_type":
			return newError(CodeInvalidType, "quota_type must be a string", nil)
		}
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return newError(CodeInvalidRequest, "request body too large", nil)
	}
	return newError(CodeInvalidRequest, "invalid request body", nil)
}

// validationError maps a struct validation failure onto the quota error codes.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return newError(CodeInternalError, "validating request", err)
	}
	switch verrs[0].Field() {
	case "QuotaType":
		return newError(CodeMissingQuotaType, "quota_type is required", nil)
	case "Amount":
		return newError(CodeInvalidAmount, "amount must be a positive integer", nil)
	}
	return newError(CodeInternalError, "validating request", err)
}

func pathUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		api.HandleError(w, toAppError(newError(CodeInvalidRequest, "invalid user id", nil)))
		return uuid.Nil, false
	}
	return id, true
}

// StatusFor returns the HTTP status a quota error code is reported with.
func StatusFor(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeMissingQuotaType, CodeInvalidType, CodeInvalidAmount:
		return http.StatusBadRequest
	case CodeUserNotFound:
		return http.StatusNotFound
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeConsumptionFailed:
		return http.StatusConflict
	case CodeDBError, CodeVerificationError:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func toAppError(err error) *api.AppError {
	var qe *Error
	if !errors.As(err, &qe) {
		return api.ErrInternalServer
	}
	msg := qe.Message
	// Infrastructure details stay in the logs.
	if qe.Retryable() || qe.Code == CodeStateInconsistent {
		msg = "quota service unavailable, try again"
		if qe.Code == CodeStateInconsistent {
			msg = "quota state inconsistent"
		}
	}
	return api.NewCodedError(StatusFor(qe.Code), string(qe.Code), msg)
}

func parseEventParams(r *http.Request) events.ListParams {
	params := events.DefaultListParams()
	q := r.URL.Query()

	if qt := q.Get("quota_type"); qt != "" {
		params.QuotaType = qt
	}
	if et := q.Get("event_type"); et != "" {
		params.EventType = et
	}
	if p := q.Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := q.Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.To = &t
		}
	}

	return params
}
