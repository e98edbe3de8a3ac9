package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/signalnine/fiberbench"

var ErrUnknownExporter = errors.New("unknown trace exporter")

// InitTracing installs the global tracer provider. With exporter "none" the
// otel no-op provider stays in place.
func InitTracing(ctx context.Context, exporter string, w io.Writer) (shutdown func(context.Context) error, err error) {
	switch exporter {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(exp),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, exporter)
	}
}

func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
