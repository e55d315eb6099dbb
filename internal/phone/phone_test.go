package phone

import (
	"errors"
	"testing"

	"github.com/billpoint/vending-service/internal/domain"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{name: "local form passes through", raw: "08031234567", want: "08031234567"},
		{name: "international with plus", raw: "+2348031234567", want: "08031234567"},
		{name: "international without plus", raw: "2348031234567", want: "08031234567"},
		{name: "spaces and dashes stripped", raw: "0803 123-4567", want: "08031234567"},
		{name: "too short", raw: "0803123", wantErr: ErrInvalidNumber},
		{name: "letters rejected", raw: "080312345ab", wantErr: ErrInvalidNumber},
		{name: "missing leading zero", raw: "8031234567", wantErr: ErrInvalidNumber},
		{name: "empty", raw: "", wantErr: ErrInvalidNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDetectNetwork(t *testing.T) {
	tests := []struct {
		name    string
		msisdn  string
		want    domain.Network
		wantErr error
	}{
		{name: "mtn prefix", msisdn: "08031234567", want: domain.NetworkMTN},
		{name: "glo prefix", msisdn: "08051234567", want: domain.NetworkGlo},
		{name: "airtel prefix", msisdn: "08021234567", want: domain.NetworkAirtel},
		{name: "9mobile prefix", msisdn: "08091234567", want: domain.Network9Mobile},
		{name: "international form detected", msisdn: "+2347061234567", want: domain.NetworkMTN},
		{name: "unknown prefix is a hard error", msisdn: "07991234567", wantErr: ErrUnknownNetwork},
		{name: "invalid number propagates", msisdn: "1234", wantErr: ErrInvalidNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectNetwork(tt.msisdn)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DetectNetwork returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected network %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMask(t *testing.T) {
	if got := Mask("08031234567"); got != "0803*****67" {
		t.Fatalf("unexpected mask: %q", got)
	}
	if got := Mask("1234"); got != "1234" {
		t.Fatalf("short values should be returned unchanged, got %q", got)
	}
}
