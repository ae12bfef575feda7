package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/sparselt/internal/inference"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

// writeInvalidRequest reports a request validation error, naming the
// offending field when the error carries one.
func writeInvalidRequest(c *echo.Context, err error) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), requestParam(err), "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// decodeLinearRequest decodes over the default settings so omitted fields
// keep alpha 1 and strip pruning.
func decodeLinearRequest(r io.Reader) (LinearRequest, error) {
	out := LinearRequest{Settings: inference.DefaultSettings()}
	if err := decodeJSONInto(r, &out); err != nil {
		return LinearRequest{}, err
	}
	return out, nil
}

func decodeJSONInto[T any](r io.Reader, out *T) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
