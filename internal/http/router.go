// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dispatch/internal/http/handlers"
	"dispatch/internal/http/middleware"
)

type RouterDeps struct {
	Orders   handlers.OrderLifecycle
	Matching handlers.Matcher
	Location handlers.LocationIngest
	ETA      handlers.ETAQuery
	Roster   handlers.Roster
	Log      *zap.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api")

	orderHandler := handlers.NewOrderHandler(deps.Orders, deps.Matching)
	api.POST("/orders", orderHandler.Create)
	api.GET("/orders/:id", orderHandler.Get)
	api.POST("/orders/:id/ready", orderHandler.MarkReady)
	api.POST("/orders/:id/cancel", orderHandler.Cancel)
	api.POST("/orders/:id/assign", orderHandler.Assign)
	api.POST("/orders/:id/release", orderHandler.Release)
	api.POST("/orders/:id/pickup", orderHandler.PickUp)
	api.POST("/orders/:id/deliver", orderHandler.Deliver)

	driverHandler := handlers.NewDriverHandler(deps.Roster)
	api.PUT("/drivers/:id", driverHandler.Upsert)
	api.GET("/drivers/:id", driverHandler.Get)
	api.PUT("/drivers/:id/availability", driverHandler.SetAvailability)
	api.PUT("/devices", driverHandler.RegisterDevice)

	locationHandler := handlers.NewLocationHandler(deps.Location, log)
	api.PUT("/drivers/:id/location", locationHandler.Update)
	api.GET("/drivers/:id/location/stream", locationHandler.Stream)

	etaHandler := handlers.NewETAHandler(deps.ETA)
	api.GET("/drivers/:id/eta", etaHandler.Get)

	statsHandler := handlers.NewStatsHandler(deps.Matching)
	api.GET("/assignments/stats", statsHandler.Get)

	return r
}
