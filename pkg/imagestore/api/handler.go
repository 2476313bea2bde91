// Package api exposes the image store service over HTTP.
package api

import (
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"

	"github.com/clinicore/imagestore/pkg/imagestore"
	"github.com/clinicore/imagestore/pkg/imagestore/extract"
)

// maxUploadMemory caps how much of a multipart upload is held in memory
// before spilling to disk.
const maxUploadMemory = 32 << 20

// ImageHandler handles HTTP requests for clinic images
type ImageHandler struct {
	service imagestore.Service
	auth    *jwtauth.JWTAuth
	logger  *slog.Logger
}

// NewImageHandler creates a new image handler
func NewImageHandler(service imagestore.Service, auth *jwtauth.JWTAuth, logger *slog.Logger) *ImageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageHandler{service: service, auth: auth, logger: logger}
}

// Routes returns the routes for images. All routes require a valid JWT.
func (h *ImageHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwtauth.Verifier(h.auth))
	r.Use(Authenticator)

	r.Post("/upload", h.Upload)
	r.Get("/clinic/{clinicID}", h.ListByClinic)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/download", h.Download)
	r.Get("/{id}/slices/{n}", h.GetSlice)
	r.Post("/{id}/metadata/refresh", h.RefreshMetadata)
	r.Delete("/{id}", h.Delete)

	r.Post("/{id}/share", h.ShareImage)
	r.Post("/shares/{shareID}/respond", h.RespondToShare)
	r.Get("/shares/clinic/{clinicID}", h.ListSharesByClinic)
	r.Get("/shares/clinic/{clinicID}/type/{type}", h.ListSharesByType)

	return r
}

// ImageResponse is the response body for a catalog record
type ImageResponse struct {
	ID          int64                     `json:"id"`
	ClinicID    int64                     `json:"clinic_id"`
	UploadedBy  int64                     `json:"uploaded_by"`
	FileName    string                    `json:"filename"`
	MimeType    string                    `json:"mime_type"`
	ContentHash string                    `json:"content_hash"`
	Size        int64                     `json:"size"`
	Metadata    *imagestore.AssetMetadata `json:"metadata,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
}

func toImageResponse(record *imagestore.CatalogRecord) ImageResponse {
	return ImageResponse{
		ID:          record.ID,
		ClinicID:    record.ClinicID,
		UploadedBy:  record.UploadedBy,
		FileName:    record.FileName,
		MimeType:    record.MimeType,
		ContentHash: record.Identity.String(),
		Size:        record.Size,
		Metadata:    record.Metadata,
		CreatedAt:   record.CreatedAt,
	}
}

func toImageResponses(records []*imagestore.CatalogRecord) []ImageResponse {
	out := make([]ImageResponse, 0, len(records))
	for _, record := range records {
		out = append(out, toImageResponse(record))
	}
	return out
}

// Upload stores a multipart file upload for a clinic
func (h *ImageHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	clinicID, err := strconv.ParseInt(r.FormValue("clinic_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid clinic_id", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file part is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	record, err := h.service.Upload(r.Context(), imagestore.UploadRequest{
		ClinicID:     clinicID,
		UserID:       userID,
		FileName:     header.Filename,
		MimeType:     mimeType,
		Data:         file,
		DeclaredSize: header.Size,
	})
	if err != nil {
		h.renderError(w, r, "upload", err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toImageResponse(record))
}

// Get returns a single catalog record
func (h *ImageHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "invalid image id", http.StatusBadRequest)
		return
	}

	record, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.renderError(w, r, "get", err)
		return
	}
	render.JSON(w, r, toImageResponse(record))
}

// ListByClinic returns a clinic's records, paginated by skip/limit
func (h *ImageHandler) ListByClinic(w http.ResponseWriter, r *http.Request) {
	clinicID, err := pathID(r, "clinicID")
	if err != nil {
		http.Error(w, "invalid clinic id", http.StatusBadRequest)
		return
	}

	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 0)

	records, err := h.service.ListByClinic(r.Context(), clinicID, skip, limit)
	if err != nil {
		h.renderError(w, r, "list", err)
		return
	}
	render.JSON(w, r, toImageResponses(records))
}

// Download streams the stored bytes with the original filename
func (h *ImageHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "invalid image id", http.StatusBadRequest)
		return
	}

	rc, record, err := h.service.Download(r.Context(), id)
	if err != nil {
		h.renderError(w, r, "download", err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", record.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": record.FileName,
	}))
	w.Header().Set("Content-Length", strconv.FormatInt(record.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("download interrupted", "image_id", id, "error", err)
	}
}

// GetSlice renders one slice of a volumetric scan as PNG
func (h *ImageHandler) GetSlice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "invalid image id", http.StatusBadRequest)
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 0 {
		http.Error(w, "invalid slice index", http.StatusBadRequest)
		return
	}

	rc, record, err := h.service.Download(r.Context(), id)
	if err != nil {
		h.renderError(w, r, "get slice", err)
		return
	}
	defer rc.Close()

	if record.MimeType != extract.MimeVolume {
		http.Error(w, "image is not a volumetric scan", http.StatusBadRequest)
		return
	}

	img, err := extract.ReadSlice(rc, n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		h.logger.Warn("slice encoding interrupted", "image_id", id, "slice", n, "error", err)
	}
}

// RefreshMetadata re-runs metadata extraction for a record
func (h *ImageHandler) RefreshMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "invalid image id", http.StatusBadRequest)
		return
	}

	record, err := h.service.RefreshMetadata(r.Context(), id)
	if err != nil {
		h.renderError(w, r, "refresh metadata", err)
		return
	}
	render.JSON(w, r, toImageResponse(record))
}

// Delete removes a record; only the uploader or a clinic admin may delete
func (h *ImageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "invalid image id", http.StatusBadRequest)
		return
	}

	if err := h.service.Delete(r.Context(), id, userID); err != nil {
		h.renderError(w, r, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ShareRequest is the request body for offering an image to another clinic
type ShareRequest struct {
	ToClinicID int64      `json:"to_clinic_id"`
	ShareType  string     `json:"share_type"`
	Message    string     `json:"message,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ShareResponseBody is the request body for resolving a pending share
type ShareResponseBody struct {
	Approve bool   `json:"approve"`
	Message string `json:"message,omitempty"`
}

// ShareResponse is the response body for a share record
type ShareResponse struct {
	ID              int64      `json:"id"`
	ImageID         int64      `json:"image_id"`
	FromClinicID    int64      `json:"from_clinic_id"`
	ToClinicID      int64      `json:"to_clinic_id"`
	SharedBy        int64      `json:"shared_by"`
	Type            string     `json:"share_type"`
	Status          string     `json:"status"`
	RequestMessage  string     `json:"request_message,omitempty"`
	ResponseMessage string     `json:"response_message,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toShareResponse(share *imagestore.ShareRecord) ShareResponse {
	return ShareResponse{
		ID:              share.ID,
		ImageID:         share.ImageID,
		FromClinicID:    share.FromClinicID,
		ToClinicID:      share.ToClinicID,
		SharedBy:        share.SharedBy,
		Type:            string(share.Type),
		Status:          string(share.Status),
		RequestMessage:  share.RequestMessage,
		ResponseMessage: share.ResponseMessage,
		ExpiresAt:       share.ExpiresAt,
		CreatedAt:       share.CreatedAt,
		UpdatedAt:       share.UpdatedAt,
	}
}

func toShareResponses(shares []*imagestore.ShareRecord) []ShareResponse {
	out := make([]ShareResponse, 0, len(shares))
	for _, share := range shares {
		out = append(out, toShareResponse(share))
	}
	return out
}

// ShareImage offers an image to another clinic
func (h *ImageHandler) ShareImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "invalid image id", http.StatusBadRequest)
		return
	}

	var body ShareRequest
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	share, err := h.service.ShareImage(r.Context(), imagestore.ShareImageRequest{
		ImageID:    id,
		UserID:     userID,
		ToClinicID: body.ToClinicID,
		Type:       imagestore.ShareType(body.ShareType),
		Message:    body.Message,
		ExpiresAt:  body.ExpiresAt,
	})
	if err != nil {
		h.renderError(w, r, "share", err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toShareResponse(share))
}

// RespondToShare approves or rejects a pending share
func (h *ImageHandler) RespondToShare(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	shareID, err := pathID(r, "shareID")
	if err != nil {
		http.Error(w, "invalid share id", http.StatusBadRequest)
		return
	}

	var body ShareResponseBody
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	share, err := h.service.RespondToShare(r.Context(), imagestore.ShareResponseRequest{
		ShareID: shareID,
		UserID:  userID,
		Approve: body.Approve,
		Message: body.Message,
	})
	if err != nil {
		h.renderError(w, r, "respond to share", err)
		return
	}
	render.JSON(w, r, toShareResponse(share))
}

// ListSharesByClinic lists shares a clinic sent or received
func (h *ImageHandler) ListSharesByClinic(w http.ResponseWriter, r *http.Request) {
	clinicID, err := pathID(r, "clinicID")
	if err != nil {
		http.Error(w, "invalid clinic id", http.StatusBadRequest)
		return
	}

	shares, err := h.service.ListSharesByClinic(r.Context(), clinicID)
	if err != nil {
		h.renderError(w, r, "list shares", err)
		return
	}
	render.JSON(w, r, toShareResponses(shares))
}

// ListSharesByType lists a clinic's shares of one type
func (h *ImageHandler) ListSharesByType(w http.ResponseWriter, r *http.Request) {
	clinicID, err := pathID(r, "clinicID")
	if err != nil {
		http.Error(w, "invalid clinic id", http.StatusBadRequest)
		return
	}
	shareType := imagestore.ShareType(chi.URLParam(r, "type"))

	shares, err := h.service.ListSharesByType(r.Context(), clinicID, shareType)
	if err != nil {
		h.renderError(w, r, "list shares by type", err)
		return
	}
	render.JSON(w, r, toShareResponses(shares))
}

// renderError maps domain errors to HTTP status codes
func (h *ImageHandler) renderError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var status int
	switch {
	case errors.Is(err, imagestore.ErrRecordNotFound),
		errors.Is(err, imagestore.ErrShareNotFound),
		errors.Is(err, imagestore.ErrClinicNotFound),
		errors.Is(err, imagestore.ErrAssetNotFound):
		status = http.StatusNotFound
	case errors.Is(err, imagestore.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, imagestore.ErrShareNotPending),
		errors.Is(err, imagestore.ErrShareExpired):
		status = http.StatusConflict
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		status = http.StatusInternalServerError
	}

	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
