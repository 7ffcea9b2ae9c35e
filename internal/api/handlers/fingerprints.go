package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/fpmatch/internal/lock"
	"github.com/your-org/fpmatch/internal/matcher"
	"github.com/your-org/fpmatch/internal/models"
	"github.com/your-org/fpmatch/internal/observability"
	"github.com/your-org/fpmatch/internal/storage"
	"github.com/your-org/fpmatch/pkg/dto"
)

// registerLockName guards max(id)+1 assignment across replicas.
const registerLockName = "fpmatch:register"

const sideEffectTimeout = 3 * time.Second

// Publisher delivers decision events to subscribers (NATS or the local hub).
type Publisher interface {
	PublishEvent(ctx context.Context, ev models.FingerprintEvent) error
}

// Archiver keeps a copy of raw template blobs.
type Archiver interface {
	PutTemplate(ctx context.Context, id int64, template []byte) (string, error)
	PutProbe(ctx context.Context, template []byte) (string, error)
}

type FingerprintHandler struct {
	engine    *matcher.Engine
	locker    lock.Locker
	archive   Archiver
	publisher Publisher
	// ArchiveProbes also stores probes that did not match.
	ArchiveProbes bool
}

// NewFingerprintHandler wires the engine to HTTP. locker, archive and
// publisher may be nil.
func NewFingerprintHandler(engine *matcher.Engine, locker lock.Locker, archive Archiver, publisher Publisher) *FingerprintHandler {
	if locker == nil {
		locker = lock.Noop{}
	}
	return &FingerprintHandler{engine: engine, locker: locker, archive: archive, publisher: publisher}
}

func (h *FingerprintHandler) Register(c *gin.Context) {
	var req dto.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Message: "Missing fingerprint ID or template"})
		return
	}
	template, ok := decodeTemplate(c, req.Template)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	out, err := h.register(ctx, matcher.RegisterRequest{ID: req.FingerprintID, Template: template})
	if errors.Is(err, errRegisterBusy) {
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Message: "Registration busy, retry later"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	h.archiveTemplate(ctx, out.Record)
	h.publish(ctx, models.FingerprintEvent{
		Type:          models.EventRegistered,
		FingerprintID: out.Record.ID,
		Timestamp:     out.Record.CreatedAt,
	})

	c.JSON(http.StatusCreated, dto.RegisterResponse{
		Message:  "Fingerprint saved successfully",
		Data:     toFingerprintResponse(*out.Record),
		Replaced: out.Replaced,
	})
}

var errRegisterBusy = errors.New("register lock not acquired")

// register holds the id lock only around the store write; archive and
// publish run after it is released.
func (h *FingerprintHandler) register(ctx context.Context, req matcher.RegisterRequest) (*matcher.RegisterOutcome, error) {
	if h.engine.Options().RegistrationPolicy.Autoincrement() {
		release, err := h.locker.Lock(ctx, registerLockName)
		if err != nil {
			slog.Error("acquire register lock", "error", err)
			return nil, errRegisterBusy
		}
		defer release()
	}
	return h.engine.Register(ctx, req)
}

func (h *FingerprintHandler) Match(c *gin.Context) {
	var req dto.MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Message: "Missing fingerprint template for matching"})
		return
	}
	template, ok := decodeTemplate(c, req.Template)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	out, err := h.engine.Match(ctx, template)
	if err != nil {
		writeError(c, err)
		return
	}

	if out.Decision == matcher.NoMatch {
		h.archiveProbe(ctx, template)
		h.publish(ctx, models.FingerprintEvent{
			Type:       models.EventNoMatch,
			Similarity: out.Rounded(),
			Timestamp:  time.Now().UTC(),
		})
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			Message:    "No matching fingerprint found",
			Similarity: out.Percent(),
			ClosestID:  out.ClosestID,
		})
		return
	}

	ev := models.FingerprintEvent{
		Type:          models.EventMatched,
		FingerprintID: out.Record.ID,
		Similarity:    out.Rounded(),
		Confidence:    string(out.Confidence),
		Timestamp:     time.Now().UTC(),
	}
	resp := dto.MatchResponse{
		Message:    "Fingerprint matched",
		Similarity: out.Percent(),
		Confidence: string(out.Confidence),
	}
	record := toFingerprintResponse(*out.Record)
	resp.Data = &record
	if out.Attendance != nil {
		ev.AttendanceID = &out.Attendance.ID
		att := toAttendanceResponse(*out.Attendance)
		resp.Attendance = &att
	}
	h.publish(ctx, ev)

	c.JSON(http.StatusOK, resp)
}

func (h *FingerprintHandler) List(c *gin.Context) {
	records, err := h.engine.ListAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	data := make([]dto.FingerprintResponse, 0, len(records))
	for _, fp := range records {
		data = append(data, toFingerprintResponse(fp))
	}
	c.JSON(http.StatusOK, dto.FingerprintListResponse{
		Message: "All fingerprints retrieved successfully",
		Count:   len(data),
		Data:    data,
	})
}

func (h *FingerprintHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	fp, err := h.engine.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFingerprintResponse(*fp))
}

func (h *FingerprintHandler) Hex(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	encoded, err := h.engine.Decode(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.HexResponse{ID: id, Hex: encoded})
}

// Similarity scores two templates without touching the store.
func (h *FingerprintHandler) Similarity(c *gin.Context) {
	var req dto.SimilarityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Message: "Missing templates a and b"})
		return
	}
	a, ok := decodeTemplate(c, req.A)
	if !ok {
		return
	}
	b, ok := decodeTemplate(c, req.B)
	if !ok {
		return
	}
	score := h.engine.Compare(a, b)
	c.JSON(http.StatusOK, dto.SimilarityResponse{
		Similarity: matcher.FormatPercent(score),
		Value:      score,
	})
}

func (h *FingerprintHandler) archiveTemplate(ctx context.Context, fp *models.Fingerprint) {
	if h.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if _, err := h.archive.PutTemplate(ctx, fp.ID, fp.Template); err != nil {
		slog.Warn("archive template", "id", fp.ID, "error", err)
	}
}

func (h *FingerprintHandler) archiveProbe(ctx context.Context, template []byte) {
	if h.archive == nil || !h.ArchiveProbes {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if key, err := h.archive.PutProbe(ctx, template); err != nil {
		slog.Warn("archive probe", "error", err)
	} else {
		slog.Debug("archived unmatched probe", "key", key)
	}
}

func (h *FingerprintHandler) publish(ctx context.Context, ev models.FingerprintEvent) {
	if h.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := h.publisher.PublishEvent(ctx, ev); err != nil {
		observability.EventPublishFailures.WithLabelValues(string(ev.Type)).Inc()
		slog.Warn("publish fingerprint event", "type", ev.Type, "error", err)
	}
}

func decodeTemplate(c *gin.Context, encoded string) ([]byte, bool) {
	if encoded == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Message: matcher.ErrMissingTemplate.Error()})
		return nil, false
	}
	template, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Message: "template is not valid base64"})
		return nil, false
	}
	return template, true
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Message: "invalid fingerprint id"})
		return 0, false
	}
	return id, true
}

// writeError maps engine errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var dup *matcher.DuplicateError
	switch {
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Message: "Fingerprint already registered", ExistingID: &dup.ExistingID})
	case errors.Is(err, storage.ErrIDConflict):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Message: "Fingerprint ID already taken, retry"})
	case errors.Is(err, matcher.ErrMissingTemplate),
		errors.Is(err, matcher.ErrMalformedTemplate),
		errors.Is(err, matcher.ErrMissingID):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Message: err.Error()})
	case errors.Is(err, matcher.ErrNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Message: "Fingerprint not found"})
	default:
		slog.Error("fingerprint request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Message: "Server Error"})
	}
}

func toFingerprintResponse(fp models.Fingerprint) dto.FingerprintResponse {
	return dto.FingerprintResponse{
		ID:        fp.ID,
		Template:  base64.StdEncoding.EncodeToString(fp.Template),
		CreatedAt: fp.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toAttendanceResponse(ev models.AttendanceEvent) dto.AttendanceResponse {
	return dto.AttendanceResponse{
		ID:            ev.ID,
		FingerprintID: ev.FingerprintID,
		Similarity:    ev.Similarity,
		Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339),
	}
}

