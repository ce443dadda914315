package mysql

import (
	"context"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestWithParseTimeAddsDefaults(t *testing.T) {
	dsn, err := withParseTime("user:pass@tcp(localhost:3306)/enclaverun")
	if err != nil {
		t.Fatalf("withParseTime: %v", err)
	}
	if !strings.Contains(dsn, "parseTime=true") || !strings.Contains(dsn, "charset=utf8mb4") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	if _, err := withParseTime("::not a dsn"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestIsDuplicateKey(t *testing.T) {
	if !IsDuplicateKey(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}) {
		t.Fatalf("1062 should be a duplicate key")
	}
	if IsDuplicateKey(&mysql.MySQLError{Number: 1146}) {
		t.Fatalf("1146 is not a duplicate key")
	}
}
