package jsonldb

import (
	"sort"
	"testing"
)

func TestIDString(t *testing.T) {
	tests := []struct {
		id   ID
		want string
	}{
		{1, "0000000000000001"},
		{255, "00000000000000ff"},
		{0x123456789abcdef0, "123456789abcdef0"},
	}
	for _, tt := range tests {
		if got := tt.id.String(); got != tt.want {
			t.Errorf("ID(%d).String() = %q, want %q", uint64(tt.id), got, tt.want)
		}
	}
}

func TestIDLexicographicOrder(t *testing.T) {
	ids := []ID{1, 9, 10, 255, 256, 4095, 1 << 20, 1 << 40, 1<<63 + 5}

	encoded := make([]string, len(ids))
	for i, id := range ids {
		encoded[i] = id.String()
	}

	// Check that string sorting preserves ID order
	sortedEncoded := make([]string, len(encoded))
	copy(sortedEncoded, encoded)
	sort.Strings(sortedEncoded)

	for i := range encoded {
		if encoded[i] != sortedEncoded[i] {
			t.Errorf("Lexicographic order mismatch at %d: got %s, want %s", i, sortedEncoded[i], encoded[i])
		}
	}
}

func TestParseID(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		tests := []struct {
			input string
			want  ID
		}{
			{"1", 1},
			{"42", 42},
			{"0000000000000001", 1},
			{"00000000000000ff", 255},
			{"123456789abcdef0", 0x123456789abcdef0},
		}
		for _, tt := range tests {
			t.Run(tt.input, func(t *testing.T) {
				got, err := ParseID(tt.input)
				if err != nil {
					t.Fatalf("ParseID(%q) error = %v", tt.input, err)
				}
				if got != tt.want {
					t.Errorf("ParseID(%q) = %d, want %d", tt.input, got, tt.want)
				}
			})
		}
	})

	t.Run("round trip", func(t *testing.T) {
		for _, id := range []ID{1, 255, 1 << 30, 1<<63 + 5} {
			got, err := ParseID(id.String())
			if err != nil {
				t.Fatalf("ParseID(%q) error = %v", id.String(), err)
			}
			if got != id {
				t.Errorf("ParseID(%q) = %d, want %d", id.String(), got, id)
			}
		}
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			name  string
			input string
		}{
			{"empty", ""},
			{"zero", "0"},
			{"zero hex", "0000000000000000"},
			{"negative", "-1"},
			{"invalid char", "12x4"},
			{"uppercase hex", "00000000000000FF"},
			{"too long", "123456789abcdef01"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := ParseID(tt.input); err == nil {
					t.Error("expected error, got nil")
				}
			})
		}
	})
}
