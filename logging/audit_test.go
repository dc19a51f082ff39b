package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type warnRecorder struct {
	Nop
	warns []string
}

func (w *warnRecorder) Warn(msg string, fields ...interface{}) {
	w.warns = append(w.warns, msg)
}

func TestFileAuditLogger_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	recorder := &warnRecorder{}
	audit, err := NewFileAuditLogger(path, recorder)
	if err != nil {
		t.Fatalf("NewFileAuditLogger failed: %v", err)
	}
	ctx := context.Background()

	if err := audit.LogAdmission(ctx, &AdmissionEvent{
		SessionID:   "s-1",
		SourceAddr:  "127.0.0.1:50000",
		Destination: "10.0.0.1:80",
		Result:      "allowed",
	}); err != nil {
		t.Fatalf("LogAdmission failed: %v", err)
	}
	if err := audit.LogConnection(ctx, &ConnectionEvent{
		SessionID:    "s-1",
		ConnectionID: 1,
		Action:       "close",
		Reason:       "remote_close",
		BytesIn:      10,
	}); err != nil {
		t.Fatalf("LogConnection failed: %v", err)
	}
	if err := audit.LogSecurity(ctx, &SecurityEvent{
		EventType: EventAuthRejected,
		Severity:  SeverityHigh,
		Message:   "access denied",
	}); err != nil {
		t.Fatalf("LogSecurity failed: %v", err)
	}
	audit.Close()

	if len(recorder.warns) != 1 {
		t.Errorf("Expected security event mirrored to logger, got %d warnings", len(recorder.warns))
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var log AuditLog
		if err := json.Unmarshal(scanner.Bytes(), &log); err != nil {
			t.Fatalf("invalid audit line: %v", err)
		}
		if log.ID == "" {
			t.Error("Expected audit id")
		}
		kinds = append(kinds, log.Kind)
	}
	want := []string{KindAdmission, KindConnection, KindSecurity}
	if len(kinds) != len(want) {
		t.Fatalf("Expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("line %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}

func TestFileAuditLogger_QueryAndLimit(t *testing.T) {
	audit, err := NewFileAuditLogger(filepath.Join(t.TempDir(), "audit.log"), nil)
	if err != nil {
		t.Fatalf("NewFileAuditLogger failed: %v", err)
	}
	defer audit.Close()
	audit.limit = 3
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		action := "open"
		if i%2 == 1 {
			action = "close"
		}
		_ = audit.LogConnection(ctx, &ConnectionEvent{SessionID: "s", ConnectionID: uint64(i), Action: action})
	}

	all, _ := audit.Query(ctx, nil)
	if len(all) != 3 {
		t.Fatalf("Expected 3 retained records, got %d", len(all))
	}
	closes, _ := audit.Query(ctx, &AuditFilter{Action: "close"})
	if len(closes) != 1 {
		t.Errorf("Expected 1 close in retained window, got %d", len(closes))
	}
	paged, _ := audit.Query(ctx, &AuditFilter{Offset: 1, Limit: 1})
	if len(paged) != 1 || paged[0].Data.(*ConnectionEvent).ConnectionID != 3 {
		t.Errorf("Unexpected page %+v", paged)
	}
}

func TestAuditLoggers_NilEvents(t *testing.T) {
	audit := NewWriterAuditLogger(nopCloser{}, nil)
	ctx := context.Background()
	if audit.LogAdmission(ctx, nil) == nil {
		t.Error("Expected error for nil admission event")
	}
	if audit.LogConnection(ctx, nil) == nil {
		t.Error("Expected error for nil connection event")
	}
	if audit.LogSecurity(ctx, nil) == nil {
		t.Error("Expected error for nil security event")
	}
}

type nopCloser struct{}

func (nopCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopCloser) Close() error                { return nil }

func TestDBAuditSink(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Open test database failed: %v", err)
	}
	sink, err := NewDBAuditSink(db, nil)
	if err != nil {
		t.Fatalf("NewDBAuditSink failed: %v", err)
	}
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	_ = sink.LogAdmission(ctx, &AdmissionEvent{Timestamp: base, SessionID: "a", Result: "denied", Reason: "unknown key"})
	_ = sink.LogConnection(ctx, &ConnectionEvent{Timestamp: base.Add(time.Minute), SessionID: "a", ConnectionID: 1, Action: "open"})
	_ = sink.LogConnection(ctx, &ConnectionEvent{Timestamp: base.Add(2 * time.Minute), SessionID: "b", ConnectionID: 2, Action: "close"})

	logs, err := sink.Query(ctx, &AuditFilter{SessionID: "a"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("Expected 2 logs for session a, got %d", len(logs))
	}
	if logs[0].Kind != KindAdmission || logs[0].Action != "denied" {
		t.Errorf("Unexpected first log %+v", logs[0])
	}

	var event AdmissionEvent
	if err := json.Unmarshal(logs[0].Data.(json.RawMessage), &event); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if event.Reason != "unknown key" {
		t.Errorf("Expected reason to round trip, got %q", event.Reason)
	}

	recent, _ := sink.Query(ctx, &AuditFilter{Kind: KindConnection, StartTime: base.Add(90 * time.Second)})
	if len(recent) != 1 || recent[0].SessionID != "b" {
		t.Errorf("Expected only the latest connection log, got %+v", recent)
	}
}
