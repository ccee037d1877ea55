package log

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLog_FormatsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf)

	Info(CatDispatch, "message enqueued", "messageID", "m-1", "priority", "high")

	line := buf.String()
	require.Contains(t, line, "[INFO]")
	require.Contains(t, line, "[dispatch]")
	require.Contains(t, line, "message enqueued")
	require.Contains(t, line, "messageID=m-1")
	require.Contains(t, line, "priority=high")
}

func TestLog_OddFieldCount(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf)

	Warn(CatFSM, "odd", "orphan")
	require.Contains(t, buf.String(), "orphan=<missing>")
}

func TestLog_MinLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf)
	SetMinLevel(LevelError)
	defer SetMinLevel(LevelDebug)

	Debug(CatBridge, "should not appear")
	Error(CatBridge, "should appear")

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "should appear")
}

func TestLog_ErrorErrNil(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf)

	ErrorErr(CatStore, "load failed", nil)
	require.Contains(t, buf.String(), "error=<nil>")
}

func TestLog_Tail(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tail := Tail(ctx)
	require.NotNil(t, tail)

	Info(CatWorkflow, "cycle complete")

	select {
	case ev := <-tail:
		require.True(t, strings.Contains(ev.Payload, "cycle complete"))
	case <-time.After(time.Second):
		t.Fatal("no tail event received")
	}
}
