package middleware

import (
	stderrors "errors"
	"net/http"

	"amalive/internal/core/domain"
	"amalive/internal/core/services"
	"amalive/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TranslateError maps domain sentinels onto client-facing errors. Errors
// that already are *errors.Error pass through; anything unknown becomes nil.
func TranslateError(err error) *errors.Error {
	if appErr := errors.As(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrSessionNotFound):
		return errors.NotFound("session")
	case stderrors.Is(err, domain.ErrSessionExists):
		return errors.Conflict("session already exists")
	case stderrors.Is(err, domain.ErrInvalidSession):
		return errors.Wrap(err, errors.CodeInvalidInput)
	case stderrors.Is(err, domain.ErrInvalidTransition):
		return errors.Wrap(err, errors.CodeInvalidTransition)
	case stderrors.Is(err, domain.ErrNotHost), stderrors.Is(err, domain.ErrPublishNotPermitted):
		return errors.Forbidden(err.Error())
	case stderrors.Is(err, services.ErrUnauthorized),
		stderrors.Is(err, services.ErrInvalidToken),
		stderrors.Is(err, services.ErrExpiredToken):
		return errors.Unauthorized(err.Error())
	}
	return nil
}

// ErrorHandlerMiddleware handles application errors and returns appropriate HTTP responses
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := TranslateError(err); appErr != nil {
			logger.Errorw("application error",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)

			c.JSON(appErr.HTTPStatus(), gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.CodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.CodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
