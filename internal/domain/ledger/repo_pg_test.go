package ledger

import (
	"strings"
	"testing"
)

func TestLikePattern(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"smith", "%smith%"},
		{"50%", `%50\%%`},
		{"a_b", `%a\_b%`},
		{`c:\x`, `%c:\\x%`},
	}
	for _, tt := range tests {
		if got := likePattern(tt.in); got != tt.want {
			t.Errorf("likePattern(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLimitClause(t *testing.T) {
	if got := limitClause(20, 40); got != " LIMIT 20 OFFSET 40" {
		t.Errorf("unexpected clause %q", got)
	}
	if got := limitClause(0, 0); got != " OFFSET 0" {
		t.Errorf("unexpected clause %q", got)
	}
}

func TestPatientFilter(t *testing.T) {
	where, args := patientFilter(ListOptions{})
	if where != "" || len(args) != 0 {
		t.Errorf("expected no filter, got %q %v", where, args)
	}

	where, args = patientFilter(ListOptions{Query: "Jane", Status: StatusPartiallyPaid})
	if !strings.Contains(where, "LOWER(name) LIKE $1 OR phone LIKE $2") {
		t.Errorf("unexpected query condition %q", where)
	}
	if !strings.Contains(where, "outstanding_balance > 0 AND total_paid <> 0") {
		t.Errorf("unexpected status condition %q", where)
	}
	if len(args) != 2 || args[0] != "%jane%" || args[1] != "%Jane%" {
		t.Errorf("unexpected args %v", args)
	}

	where, _ = patientFilter(ListOptions{Status: StatusPaid})
	if where != " WHERE outstanding_balance <= 0" {
		t.Errorf("unexpected paid filter %q", where)
	}
}
