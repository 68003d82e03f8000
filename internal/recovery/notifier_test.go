package recovery

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/kalambet/respond/internal/failure"
)

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	n.NotifyReset(context.Background(), Reset{
		Err:            errors.New("container expired"),
		Classification: failure.Classification{Kind: failure.ResourceExpired, ResourceID: "res_42"},
		Pruned:         true,
		Message:        "starting over",
	})

	out := buf.String()
	for _, want := range []string{
		"level=WARN",
		"classification=resource_expired(res_42)",
		"retry=1",
		"pruned=true",
		`message="starting over"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestNotifierFunc(t *testing.T) {
	var got Reset
	var n Notifier = NotifierFunc(func(_ context.Context, r Reset) { got = r })
	n.NotifyReset(context.Background(), Reset{RetryCount: 2})
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d", got.RetryCount)
	}
}
