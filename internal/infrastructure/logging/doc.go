// Package logging wraps zap for the dashboard. Production loggers emit JSON
// with a "service" field; development loggers emit colored console lines.
//
//	logger, err := logging.New(logging.FromSettings(cfg.Logging))
//	logger.Named("session").Info("Connected", zap.String("url", url))
package logging
