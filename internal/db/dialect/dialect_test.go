package dialect

import "testing"

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("pgx should be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("sqlite3 should not be postgres")
	}
}

func TestJSONExtract(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{SQLite3, "json_extract(payload, '$.text')"},
		{PGX, "payload::jsonb->>'text'"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			if got := JSONExtract(tt.driver, "payload", "text"); got != tt.want {
				t.Errorf("JSONExtract = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLike(t *testing.T) {
	if got := Like(SQLite3); got != "LIKE" {
		t.Errorf("sqlite: got %q", got)
	}
	if got := Like(PGX); got != "ILIKE" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestNowMinusHours(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{SQLite3, "datetime('now', '-' || ? || ' hours')"},
		{PGX, "NOW() - (? || ' hours')::interval"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			if got := NowMinusHours(tt.driver, "?"); got != tt.want {
				t.Errorf("NowMinusHours = %q, want %q", got, tt.want)
			}
		})
	}
}
