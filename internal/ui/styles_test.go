package ui

import (
	"strings"
	"testing"

	"github.com/impact7/attend/internal/db"
	"github.com/impact7/attend/internal/record"
)

func TestRenderKeepsText(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{RenderStatus(record.StatusLate), "late"},
		{RenderStatus(record.StatusWaiting), "waiting"},
		{RenderJobStatus(db.JobFailed), "failed"},
		{RenderPass("✓"), "✓"},
	}
	for _, tt := range tests {
		if !strings.Contains(tt.got, tt.want) {
			t.Errorf("rendered %q does not contain %q", tt.got, tt.want)
		}
	}
}

func TestTable(t *testing.T) {
	out := Table([]string{"ID", "Name"}, [][]string{{"1", "Kim"}, {"2", "Lee"}})
	for _, want := range []string{"ID", "Name", "Kim", "Lee"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if lines := strings.Count(out, "\n"); lines < 4 {
		t.Errorf("table has %d lines:\n%s", lines, out)
	}
}
