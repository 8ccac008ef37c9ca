// Package logging builds the process zap logger.
//
// Services take a plain *zap.Logger. This package owns how that logger is
// assembled: encoder, level, constant fields, sampling, field redaction and
// the optional OpenTelemetry log bridge. Request-scoped values such as the
// organization id and request id travel on the context and are turned into
// fields by ContextFields.
//
// Usage:
//
//	logger, err := logging.New(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = logging.Sync(logger) }()
//
//	logging.For(ctx, logger).Info("job claimed", zap.String("job_id", id))
package logging
