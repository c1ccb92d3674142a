package passphrase

import "testing"

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv("LOANLEDGER_TEST_PASS", "hunter2")
	src := NewSource("LOANLEDGER_TEST_PASS")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("unexpected passphrase %q", got)
	}
	t.Setenv("LOANLEDGER_TEST_PASS", "changed")
	if again, _ := src.Get(); again != "hunter2" {
		t.Fatalf("expected cached passphrase, got %q", again)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("LOANLEDGER_TEST_PASS", "   ")
	if _, err := NewSource("LOANLEDGER_TEST_PASS").Get(); err == nil {
		t.Fatalf("expected blank passphrase to be rejected")
	}
}
