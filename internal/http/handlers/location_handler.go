// README: Location handlers; single-sample PUT and a websocket stream for continuous updates.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dispatch/internal/modules/location"
	"dispatch/internal/types"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsWriteWait  = 5 * time.Second
	wsMaxMessage = 4096
)

type LocationIngest interface {
	UpdateDriverLocation(ctx context.Context, u location.Update) (location.Ack, error)
}

type LocationHandler struct {
	location LocationIngest
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewLocationHandler(svc LocationIngest, log *zap.Logger) *LocationHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocationHandler{
		location: svc,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log,
	}
}

type locationReq struct {
	Lat        float64    `json:"lat"`
	Lng        float64    `json:"lng"`
	Heading    float64    `json:"heading"`
	Speed      float64    `json:"speed"`
	Accuracy   float64    `json:"accuracy"`
	CapturedAt *time.Time `json:"captured_at"`
}

func (r locationReq) toUpdate(driverID string) location.Update {
	u := location.Update{
		DriverID: types.ID(driverID),
		Position: types.Point{Lat: r.Lat, Lng: r.Lng},
		Heading:  r.Heading,
		Speed:    r.Speed,
		Accuracy: r.Accuracy,
	}
	if r.CapturedAt != nil {
		u.CapturedAt = *r.CapturedAt
	}
	return u
}

func (h *LocationHandler) Update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	ack, err := h.location.UpdateDriverLocation(c.Request.Context(), req.toUpdate(id))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ack)
}

// Stream accepts a sequence of location samples over a websocket and answers
// each one with its ack or an error frame. Bad samples do not close the stream.
func (h *LocationHandler) Stream(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Debug("websocket upgrade failed", zap.String("driver_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
				writeMu.Unlock()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	h.log.Info("location stream opened", zap.String("driver_id", id))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("location stream read", zap.String("driver_id", id), zap.Error(err))
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var req locationReq
		if err := json.Unmarshal(msg, &req); err != nil {
			if err := write(errorResponse{Error: "invalid json"}); err != nil {
				break
			}
			continue
		}
		ack, err := h.location.UpdateDriverLocation(ctx, req.toUpdate(id))
		var reply any = ack
		if err != nil {
			if statusFor(err) == http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
				h.log.Error("location stream update", zap.String("driver_id", id), zap.Error(err))
				reply = errorResponse{Error: "internal error"}
			} else {
				reply = errorResponse{Error: err.Error()}
			}
		}
		if err := write(reply); err != nil {
			break
		}
	}
	h.log.Info("location stream closed", zap.String("driver_id", id))
}
