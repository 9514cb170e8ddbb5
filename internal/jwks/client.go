// Package jwks handles JWT validation against the FanzDash auth service's
// published key set. Keys are fetched over HTTP and cached.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// cacheTTL bounds how long a fetched key set is trusted before refetching.
const cacheTTL = 5 * time.Minute

type keySet struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Alg string `json:"alg"`
		Crv string `json:"crv"`
		X   string `json:"x"`
	} `json:"keys"`
}

// Client resolves signing keys by kid and validates bearer tokens.
type Client struct {
	jwksURL string
	hc      *http.Client

	mu        sync.RWMutex
	keys      map[string]ed25519.PublicKey
	fetchedAt time.Time

	testMode bool
}

// NewClient creates a JWKS client for the given discovery URL.
func NewClient(jwksURL string) *Client {
	return &Client{
		jwksURL: jwksURL,
		hc:      &http.Client{Timeout: 10 * time.Second},
		keys:    make(map[string]ed25519.PublicKey),
	}
}

// NewTestClient creates a JWKS client that accepts any well-formed token with
// matching issuer and audience claims. Signature and expiry are not checked.
func NewTestClient() *Client {
	return &Client{testMode: true}
}

func (c *Client) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var set keySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]ed25519.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		// Only Ed25519 keys are usable; skip anything else silently so a
		// mixed key set does not break validation.
		if k.Kty != "OKP" || k.Crv != "Ed25519" || k.Alg != "EdDSA" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		keys[k.Kid] = ed25519.PublicKey(raw)
	}

	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

// publicKey returns the Ed25519 key for kid, refreshing the cached set when
// it is stale or the kid is unknown.
func (c *Client) publicKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) < cacheTTL
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < cacheTTL {
		return key, nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func checkRegisteredClaims(claims jwt.MapClaims, expectedIssuer, expectedAudience string) error {
	if iss, ok := claims["iss"].(string); !ok || iss != expectedIssuer {
		return fmt.Errorf("invalid issuer")
	}
	if aud, ok := claims["aud"].(string); !ok || aud != expectedAudience {
		return fmt.Errorf("invalid audience")
	}
	return nil
}

// ValidateJWT verifies a bearer token and returns its claims.
func (c *Client) ValidateJWT(ctx context.Context, tokenString string, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	// Test mode: parse without signature verification and skip the expiry
	// check so long-lived test fixtures keep working.
	if c.testMode {
		parsed, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse JWT: %w", err)
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return nil, fmt.Errorf("invalid JWT claims")
		}
		if err := checkRegisteredClaims(claims, expectedIssuer, expectedAudience); err != nil {
			return nil, err
		}
		return claims, nil
	}

	// The kid lives in the unverified header; signature verification follows
	// once the matching key is known.
	unverified, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	kid, ok := unverified.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("missing or invalid kid in JWT header")
	}

	key, err := c.publicKey(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve signing key: %w", err)
	}

	parsed, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify JWT: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid JWT")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid JWT claims")
	}
	if err := checkRegisteredClaims(claims, expectedIssuer, expectedAudience); err != nil {
		return nil, err
	}
	if exp, ok := claims["exp"].(float64); !ok || float64(time.Now().Unix()) > exp {
		return nil, fmt.Errorf("token expired")
	}

	return claims, nil
}
