package echoutil

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"
)

// LogHandlerFunc logs each request and its response to logger.
func LogHandlerFunc(logger logrus.FieldLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			begin := time.Now()
			l := logger.WithFields(logrus.Fields{
				"method": c.Request().Method,
				"path":   c.Request().URL.Path,
				"remote": c.RealIP(),
			})
			l.Debug("< request")

			err := next(c)

			l = l.WithFields(logrus.Fields{
				"status": c.Response().Status,
				"took":   time.Since(begin).String(),
			})
			if err != nil {
				l.WithError(err).Warn("> response")
			} else {
				l.Debug("> response")
			}
			return err
		}
	}
}

// SetLevel sets the level of the echo logger from a logrus level name.
//
// Unknown names fall back to warn.
func SetLevel(e *echo.Echo, loglevel string) {
	switch strings.ToLower(loglevel) {
	case "trace", "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "info":
		e.Logger.SetLevel(log.INFO)
	case "warn", "warning", "":
		e.Logger.SetLevel(log.WARN)
	case "error", "fatal", "panic":
		e.Logger.SetLevel(log.ERROR)
	case "off":
		e.Logger.SetLevel(log.OFF)
	default:
		e.Logger.SetLevel(log.WARN)
		e.Logger.Warnf("unknown loglevel: %s . fall-backed to warn", loglevel)
	}
}
