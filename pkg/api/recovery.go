package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Recovery converts handler panics into the standard error envelope. The
// message stays generic; the panic value is exposed only in debug mode.
func Recovery(debug bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				zap.L().Error("Panic recovered",
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", recovered))

				var details map[string]any
				if debug {
					details = map[string]any{"panic": fmt.Sprint(recovered)}
				}

				c.AbortWithStatusJSON(http.StatusInternalServerError,
					NewEnvelope(http.StatusInternalServerError, "internal server error", c.Request.URL.Path, details))
			}
		}()

		c.Next()
	}
}
