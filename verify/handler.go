package verify

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler returns the readiness endpoint. It serves the last poll result so
// that probe traffic does not turn into catalog queries; only the very first
// request before any poll triggers a live check.
//
// Healthy and Degraded answer 200 (Degraded startup is permitted, the
// condition is surfaced in the body and in logs). Unhealthy answers 503 so
// the process is taken out of rotation.
func Handler(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, ok := v.Last()
		if !ok {
			result = v.Check(c.Request.Context())
		}

		code := http.StatusOK
		if result.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		c.JSON(code, gin.H{
			"status":  result.Status.String(),
			"message": result.Message,
		})
	}
}
