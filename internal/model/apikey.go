package model

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ApiKey identifies a client of one service group.
type ApiKey struct {
	ClientID        string            `json:"clientId"`
	ClientSecret    string            `json:"clientSecret"`
	ClientName      string            `json:"clientName"`
	AuthorizedGroup string            `json:"authorizedGroup"`
	Enabled         bool              `json:"enabled"`
	ReadOnly        bool              `json:"readOnly"`
	Tags            []string          `json:"tags"`
	Metadata        map[string]string `json:"metadata"`
	ThrottlingQuota int64             `json:"throttlingQuota"`
	DailyQuota      int64             `json:"dailyQuota"`
	MonthlyQuota    int64             `json:"monthlyQuota"`
}

// Unlimited marks a quota dimension as unbounded.
const Unlimited int64 = 10_000_000

// ThrottlingOrDefault returns the per-second quota, unbounded when unset.
func (k *ApiKey) ThrottlingOrDefault() int64 {
	if k.ThrottlingQuota <= 0 {
		return Unlimited
	}
	return k.ThrottlingQuota
}

// DailyOrDefault returns the per-day quota, unbounded when unset.
func (k *ApiKey) DailyOrDefault() int64 {
	if k.DailyQuota <= 0 {
		return Unlimited
	}
	return k.DailyQuota
}

// MonthlyOrDefault returns the per-month quota, unbounded when unset.
func (k *ApiKey) MonthlyOrDefault() int64 {
	if k.MonthlyQuota <= 0 {
		return Unlimited
	}
	return k.MonthlyQuota
}

// HasTag reports whether the key carries the given tag.
func (k *ApiKey) HasTag(tag string) bool {
	for _, t := range k.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasMeta reports whether metadata contains the exact (key, value) pair.
func (k *ApiKey) HasMeta(key, value string) bool {
	v, ok := k.Metadata[key]
	return ok && v == value
}

// SignBearer issues the HS256 bearer token a client presents in
// "Authorization: Otoroshi-Token <jwt>". The token is signed with the
// client secret and carries the client id as issuer.
func (k *ApiKey) SignBearer(ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": k.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return tok.SignedString([]byte(k.ClientSecret))
}

// APIKeyLocation tells the gate where a client supplies credentials.
type APIKeyLocation struct {
	Enabled    bool   `json:"enabled"`
	HeaderName string `json:"headerName,omitempty"`
	QueryName  string `json:"queryName,omitempty"`
	CookieName string `json:"cookieName,omitempty"`
}

// APIKeyRouting matches services to the keys allowed to reach them.
type APIKeyRouting struct {
	NoneTagIn  []string          `json:"noneTagIn,omitempty"`
	OneTagIn   []string          `json:"oneTagIn,omitempty"`
	AllTagsIn  []string          `json:"allTagsIn,omitempty"`
	NoneMetaIn map[string]string `json:"noneMetaIn,omitempty"`
	OneMetaIn  map[string]string `json:"oneMetaIn,omitempty"`
	AllMetaIn  map[string]string `json:"allMetaIn,omitempty"`
}

// Matches applies the routing constraints to a key. An empty constraint
// set admits every key.
func (r APIKeyRouting) Matches(k *ApiKey) bool {
	for _, t := range r.NoneTagIn {
		if k.HasTag(t) {
			return false
		}
	}
	if len(r.OneTagIn) > 0 {
		found := false
		for _, t := range r.OneTagIn {
			if k.HasTag(t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, t := range r.AllTagsIn {
		if !k.HasTag(t) {
			return false
		}
	}
	for mk, mv := range r.NoneMetaIn {
		if k.HasMeta(mk, mv) {
			return false
		}
	}
	if len(r.OneMetaIn) > 0 {
		found := false
		for mk, mv := range r.OneMetaIn {
			if k.HasMeta(mk, mv) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for mk, mv := range r.AllMetaIn {
		if !k.HasMeta(mk, mv) {
			return false
		}
	}
	return true
}

// Empty reports whether no routing constraint is configured.
func (r APIKeyRouting) Empty() bool {
	return len(r.NoneTagIn) == 0 && len(r.OneTagIn) == 0 && len(r.AllTagsIn) == 0 &&
		len(r.NoneMetaIn) == 0 && len(r.OneMetaIn) == 0 && len(r.AllMetaIn) == 0
}

// APIKeyConstraints configures where and how a service accepts API keys.
type APIKeyConstraints struct {
	BasicAuth  APIKeyLocation `json:"basicAuth"`
	CustomAuth APIKeyLocation `json:"customHeadersAuth"`
	JWTAuth    APIKeyLocation `json:"jwtAuth"`
	Routing    APIKeyRouting  `json:"routing"`
}
