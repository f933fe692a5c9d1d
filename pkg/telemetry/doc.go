// Package telemetry provides observability for the provisioner.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an asynchronous lifecycle event publisher.
//
// Initialize telemetry at startup and carry it in the context:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// The engine wraps every workflow with WithDeploymentContext and
// EndDeploymentContext, which open the root span, tag the logger with the
// deployment id and record the workflow metrics. Each tool invocation is a
// child span started with StartOperation.
//
// Metrics are nil-safe: a disabled Metrics value accepts every call and
// records nothing. The registry is served by the API on /metrics.
package telemetry
