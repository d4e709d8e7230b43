// Package telemetry provides the observability stack for the Verity
// pipeline: structured logging (zerolog), distributed tracing
// (OpenTelemetry), and Prometheus metrics.
//
// Components take a *Logger and optionally a *Metrics and *Tracer by
// injection; none of them touches process-global state beyond what the
// OpenTelemetry SDK requires for context propagation.
//
// Typical setup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	log := tel.Logger.NewComponentLogger("scheduler")
package telemetry
