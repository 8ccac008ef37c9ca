package http

import (
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/readyd/internal/logging"
)

// HeaderOrgID carries the caller's organization, set by the identity layer
// in front of this service.
const HeaderOrgID = "X-Organization-ID"

var orgIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const orgKey = "org_id"

// requireOrg rejects requests without an organization and scopes the
// request context to it.
func requireOrg(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		org := c.Request().Header.Get(HeaderOrgID)
		if org == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, HeaderOrgID+" header is required")
		}
		if !orgIDPattern.MatchString(org) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid "+HeaderOrgID)
		}
		c.Set(orgKey, org)
		c.SetRequest(c.Request().WithContext(logging.WithOrgID(c.Request().Context(), org)))
		return next(c)
	}
}

func orgID(c echo.Context) string {
	org, _ := c.Get(orgKey).(string)
	return org
}
