package writer

import "testing"

func TestValidateSessionPath(t *testing.T) {
	tests := []struct {
		name      string
		session   string
		wantError bool
	}{
		{"valid session name", "session_2026-08-30T14-30-00", false},
		{"empty name", "", true},
		{"path traversal", "session_2026-08-30T14-30-00/../../etc", true},
		{"bare traversal", "..", true},
		{"absolute path", "/etc/passwd", true},
		{"forward slash", "foo/bar", true},
		{"backslash", "foo\\bar", true},
		{"wrong prefix", "run_2026-08-30T14-30-00", true},
		{"missing time", "session_2026-08-30", true},
		{"trailing garbage", "session_2026-08-30T14-30-00x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionPath(tt.session)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateSessionPath(%q) error = %v, wantError %v", tt.session, err, tt.wantError)
			}
		})
	}
}
