// README: Assignment stats handler.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultStatsWindow = time.Hour

type StatsHandler struct {
	matching Matcher
	now      func() time.Time
}

func NewStatsHandler(matching Matcher) *StatsHandler {
	return &StatsHandler{matching: matching, now: time.Now}
}

// Get reads from/to as RFC3339. Missing to means now, missing from means one
// hour before to.
func (h *StatsHandler) Get(c *gin.Context) {
	to := h.now()
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid to")
			return
		}
		to = t
	}
	from := to.Add(-defaultStatsWindow)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid from")
			return
		}
		from = t
	}
	st, err := h.matching.GetAssignmentStats(c.Request.Context(), from, to)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}
