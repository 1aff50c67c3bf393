package sad

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// KeySetProvider resolves the verification key for a SAD by key id and use.
type KeySetProvider interface {
	Key(ctx context.Context, kid, use string) (crypto.PublicKey, error)
}

// JWKSProvider fetches verification keys from the authorization server's
// JWKS endpoint. Parsed key sets are cached with a TTL; pair it with the
// caching HTTP client so refreshes honor the endpoint's cache headers.
type JWKSProvider struct {
	jwksURL    string
	httpClient *http.Client
	ttl        time.Duration

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey // kid|use → public key
	expiresAt time.Time
}

// NewJWKSProvider creates a provider for the given JWKS URL.
func NewJWKSProvider(jwksURL string, httpClient *http.Client, ttl time.Duration) *JWKSProvider {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 10 * time.Second,
		}
	}
	if ttl == 0 {
		ttl = time.Hour
	}

	return &JWKSProvider{
		jwksURL:    jwksURL,
		httpClient: httpClient,
		ttl:        ttl,
		keys:       make(map[string]crypto.PublicKey),
	}
}

// Key returns the public key for kid and use, refreshing the cached key set
// when the TTL has passed.
func (p *JWKSProvider) Key(ctx context.Context, kid, use string) (crypto.PublicKey, error) {
	cacheKey := kid + "|" + use

	p.mu.RLock()
	key, ok := p.keys[cacheKey]
	fresh := time.Now().Before(p.expiresAt)
	p.mu.RUnlock()

	if ok && fresh {
		log.Debug().Str("kid", kid).Msg("JWKS cache hit")
		return key, nil
	}

	keys, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.keys = keys
	p.expiresAt = time.Now().Add(p.ttl)
	p.mu.Unlock()

	key, ok = keys[cacheKey]
	if !ok {
		return nil, fmt.Errorf("kid not found in JWKS: %s", kid)
	}

	log.Info().Str("kid", kid).Int("total_keys", len(keys)).Msg("Cached JWKS")
	return key, nil
}

func (p *JWKSProvider) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	log.Debug().Str("jwks_url", p.jwksURL).Msg("Fetching JWKS")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS request failed: %s", resp.Status)
	}

	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]crypto.PublicKey)
	for _, jwk := range jwks.Keys {
		key, err := parseJWK(jwk)
		if err != nil {
			log.Warn().Err(err).Interface("jwk", jwk).Msg("Failed to parse JWK")
			continue
		}

		kid, ok := jwk["kid"].(string)
		if !ok {
			log.Warn().Msg("JWK missing kid")
			continue
		}
		use, _ := jwk["use"].(string)

		keys[kid+"|"+use] = key
	}

	return keys, nil
}

// StaticProvider serves keys from a fixed in-memory set. For tests and for
// deployments that pin the authorization server's keys.
type StaticProvider struct {
	keys map[string]crypto.PublicKey
}

// NewStaticProvider creates a provider from kid → key.
func NewStaticProvider(keys map[string]crypto.PublicKey) *StaticProvider {
	return &StaticProvider{keys: keys}
}

// Key returns the pinned key for kid. The use parameter is ignored.
func (p *StaticProvider) Key(_ context.Context, kid, _ string) (crypto.PublicKey, error) {
	key, ok := p.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id: %s", kid)
	}
	return key, nil
}

// parseJWK parses an EC or RSA JWK into a public key.
func parseJWK(jwk map[string]any) (crypto.PublicKey, error) {
	kty, _ := jwk["kty"].(string)
	switch kty {
	case "EC":
		return parseECJWK(jwk)
	case "RSA":
		return parseRSAJWK(jwk)
	default:
		return nil, fmt.Errorf("unsupported key type: %v", kty)
	}
}

func parseECJWK(jwk map[string]any) (*ecdsa.PublicKey, error) {
	crv, ok := jwk["crv"].(string)
	if !ok || crv != "P-256" {
		return nil, fmt.Errorf("unsupported curve: %v", crv)
	}

	xStr, ok := jwk["x"].(string)
	if !ok {
		return nil, fmt.Errorf("missing x coordinate")
	}
	yStr, ok := jwk["y"].(string)
	if !ok {
		return nil, fmt.Errorf("missing y coordinate")
	}

	xBytes, err := decodeBase64URL(xStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode x: %w", err)
	}
	yBytes, err := decodeBase64URL(yStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode y: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

func parseRSAJWK(jwk map[string]any) (*rsa.PublicKey, error) {
	nStr, ok := jwk["n"].(string)
	if !ok {
		return nil, fmt.Errorf("missing modulus")
	}
	eStr, ok := jwk["e"].(string)
	if !ok {
		return nil, fmt.Errorf("missing exponent")
	}

	nBytes, err := decodeBase64URL(nStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := decodeBase64URL(eStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() > int64(1<<31-1) || e.Int64() < 3 {
		return nil, fmt.Errorf("exponent out of range")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}

// decodeBase64URL decodes a base64url-encoded string, padded or not.
func decodeBase64URL(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}
