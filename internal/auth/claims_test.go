package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signedTestToken(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestDecodeExtractsDriverAndVehicle(t *testing.T) {
	token := signedTestToken(t, Claims{DriverID: "driver-1", VehicleID: "vehicle-1"})

	claims, err := NewDecoder().Decode(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claims.DriverID != "driver-1" {
		t.Fatalf("expected driver-1, got %q", claims.DriverID)
	}
	if *claims.VehicleIDPtr() != "vehicle-1" {
		t.Fatalf("expected vehicle-1, got %q", *claims.VehicleIDPtr())
	}
}

func TestDecodeRejectsMissingDriverID(t *testing.T) {
	token := signedTestToken(t, Claims{VehicleID: "vehicle-1"})

	if _, err := NewDecoder().Decode(token); err == nil {
		t.Fatalf("expected an error when driver_id is missing")
	}
}

func TestVehicleIDPtrIsNilWhenEmpty(t *testing.T) {
	claims := Claims{DriverID: "driver-1"}
	if claims.VehicleIDPtr() != nil {
		t.Fatalf("expected nil vehicle id pointer for an empty claim")
	}
}

func TestDecodeRejectsMalformedToken(t *testing.T) {
	if _, err := NewDecoder().Decode("not-a-jwt"); err == nil {
		t.Fatalf("expected an error for a malformed token")
	}
}
