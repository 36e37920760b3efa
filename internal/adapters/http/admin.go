package http

import (
	"errors"
	stdhttp "net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceconf/internal/app/orch"
	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
	"github.com/dkeye/voiceconf/internal/protocol"
)

const adminAudience = "voiceconf-admin"

// IssueAdminToken signs an operator token accepted by AdminAuthMiddleware.
func IssueAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("admin token: empty subject")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{adminAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// AdminAuthMiddleware accepts HS256 bearer tokens signed with secret.
func AdminAuthMiddleware(secret []byte) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(adminAudience),
		jwt.WithExpirationRequired(),
	)
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(stdhttp.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		var claims jwt.RegisteredClaims
		if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return secret, nil }); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("admin token rejected")
			c.AbortWithStatusJSON(stdhttp.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("admin_subject", claims.Subject)
		c.Next()
	}
}

type messageBody struct {
	Message string `json:"message" binding:"required,max=4096"`
}

func registerAdminRoutes(g *gin.RouterGroup, o *orch.Orchestrator) {
	g.GET("/stats", func(c *gin.Context) {
		c.JSON(stdhttp.StatusOK, o.Stats(c.Request.Context()))
	})

	g.GET("/conferences", func(c *gin.Context) {
		c.JSON(stdhttp.StatusOK, gin.H{"conferences": o.Conferences()})
	})

	g.GET("/conferences/:id", func(c *gin.Context) {
		info, err := o.Conference(domain.ConferenceID(c.Param("id")))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(stdhttp.StatusOK, info)
	})

	g.DELETE("/conferences/:id", func(c *gin.Context) {
		reason := c.DefaultQuery("reason", "closed by operator")
		if err := o.CloseConference(domain.ConferenceID(c.Param("id")), reason); err != nil {
			abortWithError(c, err)
			return
		}
		audit(c, "close conference")
		c.Status(stdhttp.StatusNoContent)
	})

	g.DELETE("/conferences/:id/participants/:pid", func(c *gin.Context) {
		reason := c.DefaultQuery("reason", "removed by operator")
		err := o.KickParticipant(domain.ConferenceID(c.Param("id")), domain.ParticipantID(c.Param("pid")), reason)
		if err != nil {
			abortWithError(c, err)
			return
		}
		audit(c, "kick participant")
		c.Status(stdhttp.StatusNoContent)
	})

	g.POST("/conferences/:id/announcements", func(c *gin.Context) {
		var body messageBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.AbortWithStatusJSON(stdhttp.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		n, err := o.Announce(domain.ConferenceID(c.Param("id")), body.Message)
		if err != nil {
			abortWithError(c, err)
			return
		}
		audit(c, "announcement")
		c.JSON(stdhttp.StatusOK, gin.H{"delivered": n})
	})

	g.POST("/conferences/:id/participants/:pid/messages", func(c *gin.Context) {
		var body messageBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.AbortWithStatusJSON(stdhttp.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := o.DirectMessage(domain.ConferenceID(c.Param("id")), domain.ParticipantID(c.Param("pid")), body.Message)
		if err != nil {
			abortWithError(c, err)
			return
		}
		audit(c, "direct message")
		c.Status(stdhttp.StatusNoContent)
	})
}

func audit(c *gin.Context, action string) {
	log.Info().Str("module", "adapters.http").
		Str("admin", c.GetString("admin_subject")).
		Str("conference", c.Param("id")).
		Str("participant", c.Param("pid")).
		Msg(action)
}

func statusFor(err error) int {
	var appErr *core.Error
	if !errors.As(err, &appErr) {
		return stdhttp.StatusInternalServerError
	}
	switch appErr.Code {
	case core.CodeBadRequest, core.CodeProtocolViolation:
		return stdhttp.StatusBadRequest
	case core.CodeNotFound, core.CodeConferenceNotFound:
		return stdhttp.StatusNotFound
	case core.CodeInvalidState, core.CodeDuplicate, core.CodeCapacity:
		return stdhttp.StatusConflict
	case core.CodeRateLimited:
		return stdhttp.StatusTooManyRequests
	case core.CodeTimeout:
		return stdhttp.StatusGatewayTimeout
	case core.CodeUnavailable:
		return stdhttp.StatusServiceUnavailable
	default:
		return stdhttp.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == stdhttp.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("admin request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": protocol.ErrorFrom(err)})
}
