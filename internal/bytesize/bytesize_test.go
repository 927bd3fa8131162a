package bytesize

import (
	"testing"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ByteSize
		wantErr bool
	}{
		{"plain zero", "0", 0, false},
		{"plain bytes", "1024", 1024, false},
		{"bytes suffix", "1024B", 1024, false},

		{"kibibytes Ki", "1Ki", KiB, false},
		{"kibibytes KiB", "1KiB", KiB, false},
		{"mebibytes Mi", "100Mi", 100 * MiB, false},
		{"gibibytes GiB", "1GiB", GiB, false},
		{"tebibytes Ti", "1Ti", TiB, false},

		{"kilobytes KB", "1KB", KB, false},
		{"megabytes MB", "100MB", 100 * MB, false},
		{"gigabytes G", "1G", GB, false},

		{"lowercase gi", "1gi", GiB, false},
		{"space between", "1 Gi", GiB, false},
		{"surrounding space", "  64Mi  ", 64 * MiB, false},

		{"float mebibytes", "1.5Mi", ByteSize(1.5 * float64(MiB)), false},

		{"empty", "", 0, true},
		{"whitespace only", "   ", 0, true},
		{"unknown unit", "10XB", 0, true},
		{"no number", "Gi", 0, true},
		{"negative", "-1Gi", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseByteSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseByteSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	if err := b.UnmarshalText([]byte("256Mi")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if b != 256*MiB {
		t.Errorf("UnmarshalText() = %d, want %d", b, 256*MiB)
	}
	if err := b.UnmarshalText([]byte("lots")); err == nil {
		t.Error("UnmarshalText() expected error for invalid input")
	}
}

func TestTextRoundTrip(t *testing.T) {
	for _, v := range []ByteSize{0, 512, KiB, 10 * MiB, 2 * GiB} {
		text, err := v.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d) error = %v", v, err)
		}
		var back ByteSize
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q) error = %v", text, err)
		}
		if back != v {
			t.Errorf("round trip %d -> %q -> %d", v, text, back)
		}
	}
}

func TestString(t *testing.T) {
	if got := (512 * B).String(); got != "512 B" {
		t.Errorf("String() = %q, want %q", got, "512 B")
	}
	if got := GiB.String(); got != "1.0 GiB" {
		t.Errorf("String() = %q, want %q", got, "1.0 GiB")
	}
}
