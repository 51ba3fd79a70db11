package middleware

import (
	"net/http"
	"strings"

	"request-portal/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Gin context keys filled by the auth middleware
const (
	UserIDKey   = "userID"
	UserRoleKey = "userRole"
	UserNameKey = "userName"
)

const accessCookie = "access_token"

// Auth validates the bearer tokens issued by the login endpoint.
type Auth struct {
	secret []byte
}

func NewAuth(secret []byte) *Auth {
	return &Auth{secret: secret}
}

// SetTokenCookie stores the access token as an HttpOnly cookie.
func SetTokenCookie(c *gin.Context, token string, maxAge int) {
	// Release (cross-origin): SameSiteNoneMode + Secure=true
	// Development (same-site): SameSiteLaxMode + Secure=false
	sameSite, secure := cookiePolicy()
	c.SetSameSite(sameSite)
	c.SetCookie(accessCookie, token, maxAge, "/", "", secure, true)
}

// ClearTokenCookie removes the access token cookie
func ClearTokenCookie(c *gin.Context) {
	sameSite, secure := cookiePolicy()
	c.SetSameSite(sameSite)
	c.SetCookie(accessCookie, "", -1, "/", "", secure, true)
}

func cookiePolicy() (http.SameSite, bool) {
	if gin.Mode() == gin.ReleaseMode {
		return http.SameSiteNoneMode, true
	}
	return http.SameSiteLaxMode, false
}

// Authenticated accepts any valid token.
func (a *Auth) Authenticated() gin.HandlerFunc {
	return a.RequireRole()
}

// RequireRole validates the JWT and checks that its role is one of allowedRoles.
// With no roles every authenticated user passes.
func (a *Auth) RequireRole(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Try cookie first, fallback to Authorization header
		tokenString, cookieErr := c.Cookie(accessCookie)
		if cookieErr != nil || tokenString == "" {
			authHeader := c.GetHeader("Authorization")
			if authHeader == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Authorization is missing"))
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Invalid authorization format. Expected 'Bearer <token>'"))
				return
			}
			tokenString = parts[1]
		}

		claims, err := a.Parse(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Invalid token"))
			return
		}

		userID, _ := claims["sub"].(string)
		userRole, ok := claims["role"].(string)
		if !ok || userID == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, response.Error(http.StatusForbidden, "Role not found in token"))
			return
		}

		if len(allowedRoles) > 0 && !roleAllowed(userRole, allowedRoles) {
			c.AbortWithStatusJSON(http.StatusForbidden, response.Error(http.StatusForbidden, "Access denied: insufficient permissions"))
			return
		}

		userName, _ := claims["name"].(string)
		c.Set(UserIDKey, userID)
		c.Set(UserRoleKey, userRole)
		c.Set(UserNameKey, userName)

		// Request scoped loggers created before auth learn the user here.
		lg := LoggerFrom(c).With().Str("user_id", userID).Logger()
		c.Set(loggerKey, &lg)
		c.Request = c.Request.WithContext(lg.WithContext(c.Request.Context()))

		c.Next()
	}
}

// Parse verifies an HMAC signed token and returns its claims.
func (a *Auth) Parse(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func roleAllowed(role string, allowed []string) bool {
	for _, r := range allowed {
		if role == r {
			return true
		}
	}
	return false
}
