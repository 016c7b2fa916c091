package provider

import "testing"

func TestExtractPassword(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
		ok     bool
	}{
		{
			name:   "structured innerHTML marker",
			output: `<script>el.innerHTML = "xK9#mPz2vQ";</script>`,
			want:   "xK9#mPz2vQ",
			ok:     true,
		},
		{
			name:   "innerHTML with spacing variations",
			output: `innerHTML="tight-spacing-pw"`,
			want:   "tight-spacing-pw",
			ok:     true,
		},
		{
			name:   "new password plain text",
			output: "Reinstall finished.\nNew password: s3cret-pw\nDone.",
			want:   "s3cret-pw",
			ok:     true,
		},
		{
			name:   "root password plain text",
			output: "Root password: r00t-pw",
			want:   "r00t-pw",
			ok:     true,
		},
		{
			name:   "structured marker wins over plain text",
			output: `innerHTML = "from-marker" New password: from-text`,
			want:   "from-marker",
			ok:     true,
		},
		{
			name:   "markup candidate rejected, fallback used",
			output: `innerHTML = "<b>masked</b>" New password: real-pw`,
			want:   "real-pw",
			ok:     true,
		},
		{
			name:   "markup candidate with no fallback",
			output: `New password: <span>`,
			ok:     false,
		},
		{
			name:   "no password anywhere",
			output: "Operation completed successfully.",
			ok:     false,
		},
		{
			name:   "empty output",
			output: "",
			ok:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractPassword(tt.output)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v (password %q)", tt.ok, ok, got)
			}
			if ok && got != tt.want {
				t.Errorf("expected password %q, got %q", tt.want, got)
			}
		})
	}
}
