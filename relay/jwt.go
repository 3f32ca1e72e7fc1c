package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// nodeTokenTTL is how long a node authorization token remains valid before
// the node must go through the authorization flow again.
const nodeTokenTTL = 90 * 24 * time.Hour

// nodeClaims are the custom JWT claims embedded in a node's authorization
// token.
type nodeClaims struct {
	NodeID string `json:"node_id"`
	jwt.RegisteredClaims
}

// signNodeToken issues a signed JWT authorizing nodeID to register with the
// relay. The resulting string is what gets stored in the nodes table and
// handed to the node over its authorized connection.
func signNodeToken(nodeID string, secret string) (string, error) {
	now := time.Now()
	claims := nodeClaims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(nodeTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// parseNodeToken verifies a node token's signature and expiry and returns
// the node ID it authorizes.
func parseNodeToken(tokenStr string, secret string) (string, error) {
	claims := &nodeClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("parse node token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid node token")
	}
	if claims.NodeID == "" {
		return "", errors.New("node token missing node_id claim")
	}
	return claims.NodeID, nil
}
