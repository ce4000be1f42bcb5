package store

import "testing"

func TestRebindNumbersPlaceholdersForPostgres(t *testing.T) {
	got := rebind(DialectPostgres, "SELECT * FROM t WHERE a=? AND b=?")
	if got != "SELECT * FROM t WHERE a=$1 AND b=$2" {
		t.Fatalf("unexpected rebind: %s", got)
	}
	if got := rebind(DialectSQLite, "a=?"); got != "a=?" {
		t.Fatalf("sqlite query changed: %s", got)
	}
}

func TestSQLiteDSNAddsPragmas(t *testing.T) {
	dsn := sqliteDSN("/tmp/x.db")
	if dsn != "file:/tmp/x.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)" {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
}
