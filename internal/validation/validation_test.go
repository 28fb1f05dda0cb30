package validation

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	rules := DefaultNameRules()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "node1", false},
		{"with hyphen", "edge-node", false},
		{"with underscore", "edge_node", false},
		{"numbers", "123", false},
		{"mixed", "node-1_eu", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"hidden", ".hidden", true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"control char", "a\x00b", true},
		{"space", "a b", true},
		{"with dot", "edge.node", true},
		{"too long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input, rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateStorageName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"with dot", "edge.node.eu", false},
		{"ip-like", "192.168.1.1", false},
		{"traversal", "../etc", true},
		{"nested", "a/b", true},
		{"quote", "o'brien", true},
		{"too long", strings.Repeat("n", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStorageName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStorageName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateMemoryLimit(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"1GB", false},
		{"512MB", false},
		{"1.5GiB", false},
		{"100 KB", false},
		{"4096B", false},
		{"", true},
		{"GB", true},
		{"1PB", true},
		{"1GB'; DROP TABLE x; --", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateMemoryLimit(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMemoryLimit(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestEscapeLikePattern(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no special", "hello", "hello"},
		{"percent", "100%", "100\\%"},
		{"underscore", "my_name", "my\\_name"},
		{"both", "100%_complete", "100\\%\\_complete"},
		{"backslash", "path\\file", "path\\\\file"},
		{"brackets", "[test]", "\\[test\\]"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EscapeLikePattern(tt.input)
			if got != tt.want {
				t.Errorf("EscapeLikePattern(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSafeLikePrefix(t *testing.T) {
	got := SafeLikePrefix("edge_")
	want := "edge\\_%"
	if got != want {
		t.Errorf("SafeLikePrefix(%q) = %q, want %q", "edge_", got, want)
	}
}

func BenchmarkValidateStorageName(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = ValidateStorageName("edge-node.eu-west-1")
	}
}
