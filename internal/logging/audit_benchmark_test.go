package logging

import (
	"path/filepath"
	"testing"
)

func BenchmarkAuditLog(b *testing.B) {
	if err := InitAudit(filepath.Join(b.TempDir(), "audit.jsonl")); err != nil {
		b.Fatal(err)
	}
	defer CloseAudit()

	a := AuditRun("bench", "doc-1")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.AttemptFailed(i, "execution_raised", "index out of range")
	}
}

func BenchmarkAuditLogDisabled(b *testing.B) {
	CloseAudit()
	a := AuditRun("bench", "doc-1")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.AttemptFailed(i, "execution_raised", "index out of range")
	}
}
