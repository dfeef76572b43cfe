package dialect

import "testing"

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestBoolToInt(t *testing.T) {
	if BoolToInt(true) != 1 {
		t.Error("expected 1 for true")
	}
	if BoolToInt(false) != 0 {
		t.Error("expected 0 for false")
	}
}

func TestDurationMs(t *testing.T) {
	got := DurationMs(SQLite3, "assigned_at", "created_at")
	if got != "(julianday(assigned_at) - julianday(created_at)) * 86400000" {
		t.Errorf("sqlite: got %q", got)
	}
	got = DurationMs(PGX, "assigned_at", "created_at")
	if got != "EXTRACT(EPOCH FROM (assigned_at - created_at)) * 1000" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestNow(t *testing.T) {
	if Now(SQLite3) != "datetime('now')" {
		t.Errorf("sqlite: got %q", Now(SQLite3))
	}
	if Now(PGX) != "NOW()" {
		t.Errorf("pgx: got %q", Now(PGX))
	}
}

func TestNowMinusMinutes(t *testing.T) {
	got := NowMinusMinutes(SQLite3, "?")
	if got != "datetime('now', '-' || ? || ' minutes')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = NowMinusMinutes(PGX, "?")
	if got != "NOW() - (? || ' minutes')::interval" {
		t.Errorf("pgx: got %q", got)
	}
}
