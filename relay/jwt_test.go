package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignAndParseNodeToken(t *testing.T) {
	token, err := signNodeToken("node-001", "test-secret")
	if err != nil {
		t.Fatalf("signNodeToken failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	nodeID, err := parseNodeToken(token, "test-secret")
	if err != nil {
		t.Fatalf("parseNodeToken failed: %v", err)
	}
	if nodeID != "node-001" {
		t.Errorf("nodeID = %q, want %q", nodeID, "node-001")
	}
}

func TestParseNodeTokenWrongSecret(t *testing.T) {
	token, err := signNodeToken("node-001", "correct-secret")
	if err != nil {
		t.Fatalf("signNodeToken failed: %v", err)
	}

	if _, err := parseNodeToken(token, "wrong-secret"); err == nil {
		t.Fatal("expected error for token signed with a different secret")
	}
}

func TestParseNodeTokenExpired(t *testing.T) {
	claims := nodeClaims{
		NodeID: "node-001",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * nodeTokenTTL)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-nodeTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign expired token: %v", err)
	}

	if _, err := parseNodeToken(signed, "test-secret"); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestParseNodeTokenMalformed(t *testing.T) {
	if _, err := parseNodeToken("not-a-jwt", "test-secret"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestParseNodeTokenRejectsAlgNone(t *testing.T) {
	// A token signed with "none" should never be accepted even if well-formed.
	claims := nodeClaims{
		NodeID: "node-001",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build alg=none token: %v", err)
	}

	if _, err := parseNodeToken(signed, "test-secret"); err == nil {
		t.Fatal("expected error for alg=none token")
	} else if !strings.Contains(err.Error(), "unexpected signing method") && !strings.Contains(err.Error(), "parse node token") {
		t.Errorf("unexpected error: %v", err)
	}
}
