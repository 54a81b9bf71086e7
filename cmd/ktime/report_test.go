package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/goodtune/ktime/internal/timesheet"
)

func TestFormatSeconds(t *testing.T) {
	tests := []struct {
		seconds int64
		want    string
	}{
		{0, "0:00"},
		{59, "0:00"},
		{3600, "1:00"},
		{7*3600 + 45*60, "7:45"},
		{26 * 3600, "26:00"},
	}

	for _, tt := range tests {
		if got := formatSeconds(tt.seconds); got != tt.want {
			t.Errorf("formatSeconds(%d) = %s, want %s", tt.seconds, got, tt.want)
		}
	}
}

func TestPrintReport(t *testing.T) {
	color.NoColor = true

	start, _ := timesheet.ParseDate("2024-03-04")
	end := start.AddDays(1)
	report := &timesheet.Report{
		StartDate: start,
		EndDate:   end,
		UserIDs:   []string{"u1", "u2"},
		Days: map[string][]timesheet.DailySummary{
			"u1": {
				{UserID: "u1", Date: start, WorkedSeconds: 8 * 3600},
				{UserID: "u1", Date: end, WorkedSeconds: 4*3600 + 10*60, Anomaly: true},
			},
			"u2": {
				{UserID: "u2", Date: start},
				{UserID: "u2", Date: end},
			},
		},
	}

	var buf bytes.Buffer
	printReport(&buf, report, 0)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("Expected header, two days and a total, got:\n%s", buf.String())
	}
	if !strings.HasPrefix(lines[1], "2024-03-04") || !strings.Contains(lines[1], "8:00") {
		t.Errorf("Unexpected first day row: %q", lines[1])
	}
	if !strings.Contains(lines[2], "4:10!") {
		t.Errorf("Expected anomaly marker, got %q", lines[2])
	}
	if !strings.Contains(lines[3], "12:10") {
		t.Errorf("Expected total 12:10, got %q", lines[3])
	}
}
