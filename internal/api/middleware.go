package api

import (
	"errors"
	"log"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/whisper/chatguard/internal/room"
)

const userKey = "user"

// Validator adapts go-playground/validator to echo.
type Validator struct {
	validate *validator.Validate
}

// NewValidator reports field errors by their json, param or query names.
func NewValidator() *Validator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	tags := []string{"json", "param", "query"}
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range tags {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return ""
	})
	return &Validator{validate: validate}
}

func (v *Validator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fe.Field()+":"+fe.Tag())
			}
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request: "+strings.Join(parts, ", "))
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// bind decodes and validates a request.
func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return err
	}
	return c.Validate(req)
}

// authenticate resolves the bearer token to a user. Suspended users are
// refused here so no handler has to check.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header format")
		}

		userID, err := s.coord.Tokens().Verify(token)
		if err != nil {
			log.Printf("[api] token rejected ip=%s: %v", c.RealIP(), err)
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		ctx := c.Request().Context()
		u, err := s.coord.User(ctx, userID)
		if err != nil {
			return err
		}
		if u.IsSuspended(timeNow()) {
			return echo.NewHTTPError(http.StatusForbidden, "account suspended")
		}
		c.Set(userKey, u)
		return next(c)
	}
}

// requireRole refuses callers whose global role is below min.
func requireRole(min room.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if currentUser(c).Role.Rank() < min.Rank() {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient privileges")
			}
			return next(c)
		}
	}
}

func currentUser(c echo.Context) *room.User {
	u, _ := c.Get(userKey).(*room.User)
	if u == nil {
		return &room.User{}
	}
	return u
}
