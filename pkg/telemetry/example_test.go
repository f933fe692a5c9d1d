package telemetry_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/provisioner/pkg/telemetry"
)

// Example_basicSetup demonstrates wiring telemetry into a context.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx).WithDeploymentID("3f6c2a1e")
	logger.Info("deployment accepted")

	// Output can vary, so we don't specify output for this example
}

// Example_events demonstrates synchronous event delivery with a filter.
func Example_events() {
	publisher, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 10,
	})

	publisher.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Data["to"])
	}, telemetry.FilterByType(telemetry.EventTypeStatusChanged))

	_ = publisher.PublishDeploymentCreated("3f6c2a1e", "demo")
	_ = publisher.PublishStatusChanged("3f6c2a1e", "pending", "initializing", "")
	_ = publisher.PublishStatusChanged("3f6c2a1e", "initializing", "applying", "")

	// Output:
	// deployment.status_changed initializing
	// deployment.status_changed applying
}
