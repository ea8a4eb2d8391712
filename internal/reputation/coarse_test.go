package reputation

import (
	"math"
	"testing"
)

func TestTimeSince(t *testing.T) {
	tests := []struct {
		name    string
		t, ref  CoarseTime
		want    CoarseDuration
		wantErr bool
	}{
		{"same hour", 1000, 1000, 0, false},
		{"one hour later", 1001, 1000, 1, false},
		{"one hour of backwards slack", 999, 1000, 0, false},
		{"two hours backwards fails", 998, 1000, 0, true},
		{"largest representable gap", 1000 + math.MaxUint16, 1000, math.MaxUint16, false},
		{"gap overflows u16", 1001 + math.MaxUint16, 1000, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.t.TimeSince(tt.ref)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("TimeSince(%d, %d): expected an error", tt.t, tt.ref)
				}
				return
			}
			if err != nil {
				t.Fatalf("TimeSince(%d, %d): %v", tt.t, tt.ref, err)
			}
			if got != tt.want {
				t.Errorf("TimeSince(%d, %d) = %d, want %d", tt.t, tt.ref, got, tt.want)
			}
		})
	}
}

func TestCoarseTimeCheckedArithmetic(t *testing.T) {
	if got, err := CoarseTime(100).Add(50); err != nil || got != 150 {
		t.Errorf("100 + 50 = %d, %v", got, err)
	}
	if _, err := CoarseTime(math.MaxUint32).Add(1); err == nil {
		t.Error("expected overflow adding to the maximum time")
	}

	if got, err := CoarseTime(100).Sub(100); err != nil || got != 0 {
		t.Errorf("100 - 100 = %d, %v", got, err)
	}
	if _, err := CoarseTime(100).Sub(101); err == nil {
		t.Error("expected underflow subtracting past the epoch")
	}
}

func TestCoarseNow(t *testing.T) {
	now := CoarseNow()
	// 2020-01-01 is 438288 epoch hours; any sane clock is past it.
	if now < 438288 {
		t.Errorf("CoarseNow() = %d, implausibly early", now)
	}
}
