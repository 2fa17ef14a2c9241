package middleware

import (
	"errors"
	"net/http"

	"shareyoursales-ace/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders errutil errors attached via c.Error into the taxonomy JSON
// shape. Unknown errors become 500s without leaking internals.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil || c.Writer.Written() {
			return
		}

		var be errutil.BaseError
		if errors.As(err.Err, &be) {
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    errutil.StatusInternal,
				"message": "internal error",
			},
		})
	}
}
