package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(Config{})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
}

func TestFileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	require.Error(t, err)
}

func TestFileExporterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")

	p, err := NewProvider(Config{
		Enabled:     true,
		Exporter:    "file",
		FilePath:    path,
		ServiceName: "covey-test",
	})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	ctx := context.Background()
	_, span := p.Tracer().Start(ctx, "deliver.message")
	span.SetAttributes(attribute.String("message.id", "msg-1"))
	span.End()

	require.NoError(t, p.Shutdown(ctx))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []SpanRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, records, 1)
	require.Equal(t, "deliver.message", records[0].Name)
	require.Equal(t, "msg-1", records[0].Attributes["message.id"])
	require.NotEmpty(t, records[0].TraceID)
	require.Equal(t, "UNSET", records[0].Status)
}

func TestExporterShutdownIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	e, err := NewFileExporter(path)
	require.NoError(t, err)
	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))

	// Empty batches stay a no-op even after shutdown.
	require.NoError(t, e.ExportSpans(context.Background(), nil))
}