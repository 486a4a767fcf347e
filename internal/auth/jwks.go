package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/fossabot/otoroshi/internal/model"
)

// JWKSProvider fetches and caches a remote JSON Web Key Set so verifier
// keys rotate with the issuer without config changes.
type JWKSProvider struct {
	cache   *jwk.Cache
	url     string
	refresh time.Duration
}

// NewJWKSProvider registers the URL with an auto-refreshing cache and
// performs an initial fetch so a broken endpoint fails fast.
func NewJWKSProvider(jwksURL string, refreshInterval time.Duration) (*JWKSProvider, error) {
	if refreshInterval <= 0 {
		refreshInterval = time.Hour
	}

	ctx := context.Background()
	cache := jwk.NewCache(ctx)

	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refreshInterval)); err != nil {
		return nil, fmt.Errorf("registering JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetching JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSProvider{
		cache:   cache,
		url:     jwksURL,
		refresh: refreshInterval,
	}, nil
}

// KeyFunc returns a jwt.Keyfunc resolving keys by the token's kid header,
// falling back to the set's first key when no kid is present.
func (p *JWKSProvider) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		keySet, err := p.cache.Get(ctx, p.url)
		if err != nil {
			return nil, fmt.Errorf("getting JWKS: %w", err)
		}

		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			if keySet.Len() > 0 {
				key, _ := keySet.Key(0)
				var rawKey any
				if err := key.Raw(&rawKey); err != nil {
					return nil, fmt.Errorf("extracting raw key: %w", err)
				}
				return rawKey, nil
			}
			return nil, fmt.Errorf("no kid in token header and no keys in JWKS")
		}

		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key %q not found in JWKS", kid)
		}

		var rawKey any
		if err := key.Raw(&rawKey); err != nil {
			return nil, fmt.Errorf("extracting raw key for kid %q: %w", kid, err)
		}
		return rawKey, nil
	}
}

// providers shares one JWKSProvider per URL process-wide; each provider
// owns a background refresh.
var providers struct {
	mu sync.Mutex
	m  map[string]*JWKSProvider
}

func jwksProviderFor(settings model.AlgoSettings) (*JWKSProvider, error) {
	if settings.URL == "" {
		return nil, fmt.Errorf("JWKS settings without a url")
	}
	providers.mu.Lock()
	defer providers.mu.Unlock()
	if providers.m == nil {
		providers.m = make(map[string]*JWKSProvider)
	}
	if p, ok := providers.m[settings.URL]; ok {
		return p, nil
	}
	p, err := NewJWKSProvider(settings.URL, settings.Refresh.D())
	if err != nil {
		return nil, err
	}
	providers.m[settings.URL] = p
	return p, nil
}

// keyfuncFor resolves the verification keyfunc for a verifier's settings:
// remote JWKS when configured, static key material otherwise.
func keyfuncFor(settings model.AlgoSettings) (jwt.Keyfunc, error) {
	if settings.Type == "JWKSAlgoSettings" {
		p, err := jwksProviderFor(settings)
		if err != nil {
			return nil, err
		}
		return p.KeyFunc(), nil
	}
	return settings.Keyfunc(), nil
}
