package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/branchsync/common/apperr"
)

// bindAndValidate decodes the JSON body into req and runs its validate tags
func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		msg := "invalid request body"
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Internal != nil {
			msg += ": " + he.Internal.Error()
		}
		return echo.NewHTTPError(http.StatusBadRequest, msg)
	}
	return c.Validate(req)
}

// int64Param parses a positive integer path or query value
func int64Param(op, name, raw string) (int64, error) {
	if raw == "" {
		return 0, apperr.Validation(op, "%s is required", name)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, apperr.Validation(op, "%s must be a positive integer, got %q", name, raw)
	}
	return v, nil
}
