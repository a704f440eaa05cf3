package pipeline

import (
	"errors"
	"reflect"
	"testing"
)

func TestImageIDs(t *testing.T) {
	got := ImageIDs(3)
	want := []string{"1.jpg", "2.jpg", "3.jpg"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ImageIDs(3) = %v, want %v", got, want)
	}
	if ids := ImageIDs(0); ids != nil {
		t.Errorf("ImageIDs(0) = %v, want nil", ids)
	}
}

func TestValidateImageID(t *testing.T) {
	testCases := []struct {
		id      string
		wantErr bool
	}{
		{"3.jpg", false},
		{"10.jpg", false},
		{"car.png", false},
		{"", true},
		{Sentinel, true},
		{"../etc/passwd", true},
		{"a/b.jpg", true},
		{"noext", true},
		{".jpg", true},
	}

	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			err := ValidateImageID(tc.id)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateImageID(%q) error = %v, wantErr %v", tc.id, err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidImageID) {
				t.Errorf("error %v does not wrap ErrInvalidImageID", err)
			}
		})
	}
}

func TestResultLine(t *testing.T) {
	testCases := []struct {
		id    string
		spans []string
		want  string
	}{
		{"3.jpg", []string{"ABC", "123"}, "3: ABC 123"},
		{"7.jpg", nil, "7:"},
		{"12.jpg", []string{"NJ", " 4X9 "}, "12: NJ  4X9"},
	}

	for _, tc := range testCases {
		if got := ResultLine(tc.id, tc.spans); got != tc.want {
			t.Errorf("ResultLine(%q, %v) = %q, want %q", tc.id, tc.spans, got, tc.want)
		}
	}
}

func TestOutcomeFailed(t *testing.T) {
	if (Outcome{Kind: OutcomeSuccess}).Failed() {
		t.Error("success should not be a failure")
	}
	if (Outcome{Kind: OutcomeNoMatch}).Failed() {
		t.Error("no match should not be a failure")
	}
	for _, k := range []OutcomeKind{OutcomeTransientIO, OutcomeDetectionFailure, OutcomeProtocolViolation} {
		if !(Outcome{Kind: k}).Failed() {
			t.Errorf("%s should be a failure", k)
		}
	}
}
