package handlers

import (
	"net/http"
	"strings"

	"github.com/casdoor/casdoor-go-sdk/casdoorsdk"
	"github.com/gin-gonic/gin"
)

// ContextUserID is the gin context key holding the authenticated user name.
const ContextUserID = "user_id"

// TokenParser turns a bearer token into a user name.
type TokenParser interface {
	ParseUser(token string) (string, error)
}

// CasdoorParser validates tokens issued by a Casdoor application.
type CasdoorParser struct {
	client *casdoorsdk.Client
}

func NewCasdoorParser(endpoint, clientID, clientSecret, certificate, organization, application string) *CasdoorParser {
	return &CasdoorParser{
		client: casdoorsdk.NewClient(endpoint, clientID, clientSecret, certificate, organization, application),
	}
}

func (p *CasdoorParser) ParseUser(token string) (string, error) {
	claims, err := p.client.ParseJwtToken(token)
	if err != nil {
		return "", err
	}
	if claims.User.Owner != "" {
		return claims.User.Owner + "/" + claims.User.Name, nil
	}
	return claims.User.Name, nil
}

// AuthMiddleware requires a valid bearer token and stores the user under
// ContextUserID. A nil parser lets every request through anonymously.
func AuthMiddleware(parser TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		if parser == nil {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Message: "User not authenticated",
			})
			return
		}

		user, err := parser.ParseUser(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Message: "Invalid token",
				Details: err.Error(),
			})
			return
		}

		c.Set(ContextUserID, user)
		c.Next()
	}
}
