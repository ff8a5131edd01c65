package progress

import "testing"

func TestLogReporterLogsOncePerDecile(t *testing.T) {
	r := NewLogReporter(nil, "test")
	r.Start(100)
	r.Advance(5)  // 0%
	r.Advance(10) // 10%
	r.Advance(15) // 10% again, no new decile
	r.Advance(100) // 100%
	if r.lastDecile != 10 {
		t.Fatalf("expected lastDecile=10, got %d", r.lastDecile)
	}
}
