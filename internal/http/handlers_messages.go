package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
	"github.com/target/mmk-ledger/internal/service"
)

// importFormField is the multipart field carrying an uploaded CSV.
const importFormField = "file"

// MessageHandlers serves submission and query endpoints for ledger records.
type MessageHandlers struct {
	Svc    *service.LedgerService
	Logger *slog.Logger
}

// submitRequest accepts either the chat shortcut {message, user} or a full
// create request.
type submitRequest struct {
	Message string `json:"message,omitempty"`
	User    string `json:"user,omitempty"`
	model.CreateRecordRequest
}

// acceptedResponse is the 202 body: the stored record and why its publish failed.
type acceptedResponse struct {
	Record        *model.JobRecord `json:"record"`
	DispatchError ErrorBody        `json:"dispatch_error"`
}

// Submit handles POST /api/messages.
//
// 201 returns the pending record. When the record was stored but the broker
// rejected the publish, 202 returns the record with the dispatch error; the
// watchdog republishes it later.
func (h *MessageHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	var (
		rec *model.JobRecord
		err error
	)
	if strings.TrimSpace(req.Message) != "" {
		rec, err = h.Svc.InsertMessage(r.Context(), req.Message, req.User)
	} else {
		if req.CreatedBy == "" {
			req.CreatedBy = req.User
		}
		rec, err = h.Svc.Submit(r.Context(), &req.CreateRecordRequest)
	}

	switch {
	case err == nil:
		WriteJSON(w, http.StatusCreated, rec)
	case rec != nil && apperrors.IsDispatch(err):
		WriteJSON(w, http.StatusAccepted, acceptedResponse{
			Record:        rec,
			DispatchError: ErrorBody{Error: err.Error(), Code: string(apperrors.ErrCodeDispatch)},
		})
	default:
		WriteAppError(w, err)
	}
}

// Get handles GET /api/messages/{id}.
func (h *MessageHandlers) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// List handles GET /api/messages.
func (h *MessageHandlers) List(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseRecordFilter(r)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	recs, err := h.Svc.List(r.Context(), filter)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if recs == nil {
		recs = []*model.JobRecord{}
	}
	WriteJSON(w, http.StatusOK, recs)
}

// Recent handles GET /api/messages/recent?created_by=&window=.
func (h *MessageHandlers) Recent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var createdBy *string
	if q.Has("created_by") {
		v := strings.TrimSpace(q.Get("created_by"))
		createdBy = &v
	}
	var window time.Duration
	if raw := strings.TrimSpace(q.Get("window")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			WriteAppError(w, apperrors.ValidationField("window", "window must be a positive duration"))
			return
		}
		window = d
	}

	recs, err := h.Svc.Recent(r.Context(), createdBy, window)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if recs == nil {
		recs = []*model.JobRecord{}
	}
	WriteJSON(w, http.StatusOK, recs)
}

// Stats handles GET /api/stats.
func (h *MessageHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.Stats(r.Context())
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// Bulk handles POST /api/messages/bulk with a JSON array of create requests.
func (h *MessageHandlers) Bulk(w http.ResponseWriter, r *http.Request) {
	var reqs []model.CreateRecordRequest
	if !DecodeJSON(w, r, &reqs) {
		return
	}
	if len(reqs) > service.MaxImportRows {
		WriteAppError(w, apperrors.Validationf("bulk insert accepts at most %d records", service.MaxImportRows))
		return
	}
	res, err := h.Svc.BulkCreate(r.Context(), reqs)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Import handles POST /api/messages/import. The CSV arrives either as the
// raw body or as the "file" part of a multipart form; created_by in the
// query fills rows that leave it empty.
func (h *MessageHandlers) Import(w http.ResponseWriter, r *http.Request) {
	src, closeFn, err := importSource(r)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	defer closeFn()

	res, err := h.Svc.Import(r.Context(), src, strings.TrimSpace(r.URL.Query().Get("created_by")))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, ErrorParams{Code: http.StatusRequestEntityTooLarge, ErrCode: "body_too_large", Err: err})
			return
		}
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func importSource(r *http.Request) (io.Reader, func(), error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, func() {}, nil
	}
	file, _, err := r.FormFile(importFormField)
	if err != nil {
		return nil, nil, apperrors.ValidationField(importFormField, "multipart upload requires a file field")
	}
	return file, func() { _ = file.Close() }, nil
}

// Delete handles DELETE /api/messages/{id}.
func (h *MessageHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// transitionRequest is the body of the explicit transition endpoints.
type transitionRequest struct {
	UpdatedBy string          `json:"updated_by"`
	Output    json.RawMessage `json:"output,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Transition handles POST /api/messages/{id}/{action} for external workers
// driving records by hand: claim, complete, fail and deliver.
func (h *MessageHandlers) Transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if r.ContentLength != 0 && !DecodeJSON(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	ctx := r.Context()

	var err error
	switch action := r.PathValue("action"); action {
	case "claim":
		err = h.Svc.Claim(ctx, id, req.UpdatedBy)
	case "complete":
		err = h.Svc.Complete(ctx, id, req.Output, req.UpdatedBy)
	case "fail":
		err = h.Svc.Fail(ctx, id, req.Reason, req.UpdatedBy)
	case "deliver":
		err = h.Svc.Deliver(ctx, id, req.UpdatedBy)
	default:
		WriteError(w, ErrorParams{
			Code:    http.StatusNotFound,
			ErrCode: string(apperrors.ErrCodeNotFound),
			Err:     errors.New("unknown action " + action),
		})
		return
	}
	if err != nil {
		WriteAppError(w, err)
		return
	}

	rec, err := h.Svc.Get(ctx, id)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}
