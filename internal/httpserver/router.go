package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// New creates a configured Echo server instance. Browser callers from
// allowOrigins may reach the API; an empty list allows any origin.
func New(allowOrigins []string, bodyLimit string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = sonicSerializer{}
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowOrigins,
		AllowMethods: []string{echo.GET, echo.POST, echo.OPTIONS},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	if bodyLimit == "" {
		bodyLimit = "1M"
	}
	e.Use(middleware.BodyLimit(bodyLimit))
	return e
}
