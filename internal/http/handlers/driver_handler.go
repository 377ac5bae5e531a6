// README: Driver roster handlers (profile, availability, push device registration).
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/modules/roster"
	"dispatch/internal/types"
)

type Roster interface {
	Upsert(ctx context.Context, p roster.Profile) error
	Get(ctx context.Context, id types.ID) (*roster.Profile, error)
	SetOnline(ctx context.Context, id types.ID, online bool) error
	SetDeviceToken(ctx context.Context, ownerType string, ownerID types.ID, token string) error
}

type DriverHandler struct {
	roster Roster
}

func NewDriverHandler(r Roster) *DriverHandler {
	return &DriverHandler{roster: r}
}

type driverReq struct {
	Name     string  `json:"name"`
	Rating   float64 `json:"rating"`
	Tier     int     `json:"tier"`
	IsActive *bool   `json:"is_active"`
	IsOnline bool    `json:"is_online"`
}

type driverView struct {
	ID                types.ID `json:"driver_id"`
	Name              string   `json:"name"`
	Rating            float64  `json:"rating"`
	Tier              string   `json:"tier"`
	ActiveAssignments int      `json:"active_assignments"`
	IsActive          bool     `json:"is_active"`
	IsOnline          bool     `json:"is_online"`
}

func (h *DriverHandler) Upsert(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req driverReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Rating < 0 || req.Rating > 5 {
		writeError(c, http.StatusBadRequest, "rating must be within 0..5")
		return
	}
	if req.Tier < int(roster.TierStandard) || req.Tier > int(roster.MaxTier) {
		writeError(c, http.StatusBadRequest, "unknown tier")
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	p := roster.Profile{
		ID:       types.ID(id),
		Name:     req.Name,
		Rating:   req.Rating,
		Tier:     roster.Tier(req.Tier),
		IsActive: active,
		IsOnline: req.IsOnline,
	}
	if err := h.roster.Upsert(c.Request.Context(), p); err != nil {
		writeDomainError(c, err)
		return
	}
	h.get(c, id, http.StatusOK)
}

func (h *DriverHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	h.get(c, id, http.StatusOK)
}

func (h *DriverHandler) get(c *gin.Context, id string, status int) {
	p, err := h.roster.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, status, driverView{
		ID:                p.ID,
		Name:              p.Name,
		Rating:            p.Rating,
		Tier:              p.Tier.String(),
		ActiveAssignments: p.ActiveAssignments,
		IsActive:          p.IsActive,
		IsOnline:          p.IsOnline,
	})
}

type availabilityReq struct {
	Online *bool `json:"online"`
}

func (h *DriverHandler) SetAvailability(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		writeError(c, http.StatusBadRequest, "online is required")
		return
	}
	if err := h.roster.SetOnline(c.Request.Context(), types.ID(id), *req.Online); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"driver_id": id, "online": *req.Online})
}

type deviceReq struct {
	OwnerType string `json:"owner_type"`
	OwnerID   string `json:"owner_id"`
	Token     string `json:"token"`
}

// RegisterDevice stores the FCM token used for push notifications.
func (h *DriverHandler) RegisterDevice(c *gin.Context) {
	var req deviceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.OwnerType != roster.OwnerDriver && req.OwnerType != roster.OwnerCustomer {
		writeError(c, http.StatusBadRequest, "owner_type must be driver or customer")
		return
	}
	if !isValidID(req.OwnerID) || req.Token == "" {
		writeError(c, http.StatusBadRequest, "owner_id and token are required")
		return
	}
	if err := h.roster.SetDeviceToken(c.Request.Context(), req.OwnerType, types.ID(req.OwnerID), req.Token); err != nil {
		writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
