// README: ETA handler.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"dispatch/internal/modules/eta"
	"dispatch/internal/types"
)

type ETAQuery interface {
	GetEta(ctx context.Context, driverID types.ID, destination types.Point) (eta.Estimate, error)
}

type ETAHandler struct {
	eta ETAQuery
}

func NewETAHandler(svc ETAQuery) *ETAHandler {
	return &ETAHandler{eta: svc}
}

type etaResp struct {
	DriverID        types.ID   `json:"driver_id"`
	ETA             time.Time  `json:"eta"`
	ETAMinutes      int        `json:"eta_minutes"`
	DurationSeconds float64    `json:"duration_seconds"`
	DistanceKm      float64    `json:"distance_km"`
	Source          eta.Source `json:"source"`
	Degraded        bool       `json:"degraded"`
}

func (h *ETAHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "lat and lng query parameters are required")
		return
	}
	est, err := h.eta.GetEta(c.Request.Context(), types.ID(id), types.Point{Lat: lat, Lng: lng})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, etaResp{
		DriverID:        types.ID(id),
		ETA:             est.ETA,
		ETAMinutes:      est.Minutes(),
		DurationSeconds: est.Duration.Seconds(),
		DistanceKm:      est.DistanceKm,
		Source:          est.Source,
		Degraded:        est.Degraded,
	})
}
