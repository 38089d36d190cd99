package api

import (
	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// JSONSerializer is an echo.JSONSerializer backed by goccy/go-json.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(c *echo.Context, target any, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(target)
}

func (JSONSerializer) Deserialize(c *echo.Context, target any) error {
	if err := json.NewDecoder(c.Request().Body).Decode(target); err != nil {
		return echo.ErrBadRequest.Wrap(err)
	}
	return nil
}

// NewEcho returns an echo instance that encodes responses with
// JSONSerializer.
func NewEcho() *echo.Echo {
	e := echo.New()
	e.JSONSerializer = JSONSerializer{}
	return e
}
