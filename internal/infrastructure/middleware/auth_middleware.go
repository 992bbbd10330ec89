package middleware

import (
	"net/http"
	"strings"

	"amalive/internal/core/domain"
	"amalive/internal/core/services"
	"amalive/pkg/logger"

	"github.com/gin-gonic/gin"
)

// UserKey is the gin context key holding the authenticated domain.User.
const UserKey = "user"

// bearerToken reads the access token from the Authorization header. Browsers
// cannot set headers on a WebSocket upgrade, so the access_token query
// parameter is accepted as well.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("access_token"); token != "" {
			return token, true
		}
		return "", false
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", true
	}
	return parts[1], true
}

func setUser(c *gin.Context, user domain.User) {
	ctx := services.ContextWithUser(c.Request.Context(), user)
	ctx = logger.WithUserID(ctx, string(user.ID))
	c.Request = c.Request.WithContext(ctx)
	c.Set(UserKey, user)
}

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, present := bearerToken(c)
		if !present {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		setUser(c, claims.User())
		c.Next()
	}
}

// OptionalAuthMiddleware authenticates the caller when a token is present.
// Without a token the request continues as an anonymous viewer unless
// allowAnonymous is false. A token that fails validation is always rejected.
func OptionalAuthMiddleware(authService services.AuthService, allowAnonymous bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, present := bearerToken(c)
		if !present {
			if !allowAnonymous {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
				c.Abort()
				return
			}
			c.Next()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": services.ErrInvalidToken.Error()})
			c.Abort()
			return
		}

		setUser(c, claims.User())
		c.Next()
	}
}

// CurrentUser returns the user stored by the auth middlewares. The zero user
// and false mean an anonymous viewer.
func CurrentUser(c *gin.Context) (domain.User, bool) {
	v, ok := c.Get(UserKey)
	if !ok {
		return domain.User{}, false
	}
	user, ok := v.(domain.User)
	return user, ok && user.ID != ""
}
