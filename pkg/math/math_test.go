package math

import "testing"

func TestMaximum(t *testing.T) {
	if Maximum(3, 7) != 7 {
		t.Error("expected 7")
	}
	if Maximum(7, 3) != 7 {
		t.Error("expected 7")
	}
}

func TestMinimum(t *testing.T) {
	if Minimum(3, 7) != 3 {
		t.Error("expected 3")
	}
	if Minimum(7, 3) != 3 {
		t.Error("expected 3")
	}
}

func TestAverage(t *testing.T) {
	if got := Average([]float64{2, 4, 6}); got != 4 {
		t.Errorf("expected 4, got %v", got)
	}
	if got := Average(nil); got != 0 {
		t.Errorf("expected 0 for empty input, got %v", got)
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	if got := Percentile(values, 50); got != 50 {
		t.Errorf("expected 50, got %v", got)
	}
	if got := Percentile(values, 95); got != 100 {
		t.Errorf("expected 100, got %v", got)
	}
	if got := Percentile(nil, 99); got != 0 {
		t.Errorf("expected 0 for empty input, got %v", got)
	}
}
