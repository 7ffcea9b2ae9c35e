package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/fpmatch/internal/models"
	"github.com/your-org/fpmatch/pkg/dto"
)

// AttendanceQuerier is the read side of the attendance log.
type AttendanceQuerier interface {
	QueryAttendance(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceEvent, int, error)
}

type AttendanceHandler struct {
	store AttendanceQuerier
}

func NewAttendanceHandler(store AttendanceQuerier) *AttendanceHandler {
	return &AttendanceHandler{store: store}
}

func (h *AttendanceHandler) List(c *gin.Context) {
	var filter models.AttendanceFilter

	if idStr := c.Query("fingerprint_id"); idStr != "" {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Message: "invalid fingerprint_id"})
			return
		}
		filter.FingerprintID = &id
	}
	for _, bound := range []struct {
		param string
		dst   **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := c.Query(bound.param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Message: "invalid " + bound.param + ", want RFC3339"})
			return
		}
		*bound.dst = &t
	}

	for _, page := range []struct {
		param string
		dst   *int
	}{{"limit", &filter.Limit}, {"offset", &filter.Offset}} {
		raw := c.Query(page.param)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Message: "invalid " + page.param})
			return
		}
		*page.dst = n
	}

	events, total, err := h.store.QueryAttendance(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]dto.AttendanceResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, toAttendanceResponse(ev))
	}
	c.JSON(http.StatusOK, dto.AttendanceListResponse{Events: resp, Total: total})
}
