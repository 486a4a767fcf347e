package model

import (
	"regexp"
	"strings"
	"time"
)

// LoadBalancing selects the target selection policy for a service.
type LoadBalancing struct {
	Type  string  `json:"type"`
	Ratio float64 `json:"ratio,omitempty"` // WeightedBestResponseTime only
}

// Load balancing policy names.
const (
	RoundRobin               = "RoundRobin"
	Random                   = "Random"
	Sticky                   = "Sticky"
	IPAddressHash            = "IpAddressHash"
	BestResponseTime         = "BestResponseTime"
	WeightedBestResponseTime = "WeightedBestResponseTime"
)

// TargetPredicate restricts a target to instances in a matching location.
type TargetPredicate struct {
	Type     string `json:"type"` // AllMatch, RegionMatch, ZoneMatch, RegionAndZoneMatch, NetworkLocation
	Region   string `json:"region,omitempty"`
	Zone     string `json:"zone,omitempty"`
	Provider string `json:"provider,omitempty"`
	DC       string `json:"dc,omitempty"`
	Rack     string `json:"rack,omitempty"`
}

// Matches reports whether the predicate admits an instance at (region, zone).
func (p TargetPredicate) Matches(loc InstanceLocation) bool {
	switch p.Type {
	case "", "AllMatch":
		return true
	case "RegionMatch":
		return strings.EqualFold(p.Region, loc.Region)
	case "ZoneMatch":
		return strings.EqualFold(p.Zone, loc.Zone)
	case "RegionAndZoneMatch":
		return strings.EqualFold(p.Region, loc.Region) && strings.EqualFold(p.Zone, loc.Zone)
	case "NetworkLocation":
		return matchOrWildcard(p.Provider, loc.Provider) &&
			matchOrWildcard(p.Region, loc.Region) &&
			matchOrWildcard(p.Zone, loc.Zone) &&
			matchOrWildcard(p.DC, loc.DataCenter) &&
			matchOrWildcard(p.Rack, loc.Rack)
	}
	return true
}

func matchOrWildcard(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return strings.EqualFold(pattern, value)
}

// InstanceLocation describes where the current proxy instance runs.
type InstanceLocation struct {
	Provider   string `json:"provider"`
	Region     string `json:"region"`
	Zone       string `json:"zone"`
	DataCenter string `json:"dataCenter"`
	Rack       string `json:"rack"`
}

// Target is a single upstream endpoint.
type Target struct {
	Host      string          `json:"host"` // host:port
	Scheme    string          `json:"scheme"`
	Weight    int             `json:"weight"`
	IPAddress string          `json:"ipAddress,omitempty"` // DNS override
	Predicate TargetPredicate `json:"predicate"`
}

// URL renders the base URL of the target.
func (t Target) URL() string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + t.Host
}

// Key identifies the target within a service, for bookkeeping maps.
func (t Target) Key() string {
	return t.URL()
}

// ClientConfig carries the per-service upstream client settings.
// Durations are serialized as milliseconds.
type ClientConfig struct {
	Retries              int      `json:"retries"`
	MaxErrors            int      `json:"maxErrors"`
	RetryInitialDelay    Duration `json:"retryInitialDelay"`
	BackoffFactor        int      `json:"backoffFactor"`
	CallTimeout          Duration `json:"callTimeout"`
	IdleTimeout          Duration `json:"idleTimeout"`
	CallAndStreamTimeout Duration `json:"callAndStreamTimeout"`
	GlobalTimeout        Duration `json:"globalTimeout"`
	ConnectionTimeout    Duration `json:"connectionTimeout"`
	UseCircuitBreaker    bool     `json:"useCircuitBreaker"`
}

// WithDefaults fills zero values with the stock client settings.
func (c ClientConfig) WithDefaults() ClientConfig {
	if c.Retries <= 0 {
		c.Retries = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = Duration(30 * time.Second)
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = Duration(60 * time.Second)
	}
	if c.CallAndStreamTimeout <= 0 {
		c.CallAndStreamTimeout = Duration(120 * time.Second)
	}
	if c.GlobalTimeout <= 0 {
		c.GlobalTimeout = Duration(30 * time.Second)
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = Duration(10 * time.Second)
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = Duration(50 * time.Millisecond)
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2
	}
	return c
}

// IPFiltering holds the service-level IP allow/deny lists.
// Entries accept exact IPs, trailing-wildcard (a.b.c.*) and CIDR notation.
type IPFiltering struct {
	Whitelist []string `json:"whitelist"`
	Blacklist []string `json:"blacklist"`
}

// RestrictionPath matches (method, path) pairs; method "*" matches any.
type RestrictionPath struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Restrictions partitions requests into allowed / forbidden / not-found sets.
type Restrictions struct {
	Enabled   bool              `json:"enabled"`
	AllowLast bool              `json:"allowLast"`
	Allowed   []RestrictionPath `json:"allowed"`
	Forbidden []RestrictionPath `json:"forbidden"`
	NotFound  []RestrictionPath `json:"notFound"`
}

// SecComHeaders optionally renames the secure-communication headers.
type SecComHeaders struct {
	ClaimRequestName  string `json:"claimRequestName,omitempty"`
	StateRequestName  string `json:"stateRequestName,omitempty"`
	StateResponseName string `json:"stateResponseName,omitempty"`
}

// Secure-communication protocol versions.
const (
	SecComVersionV1 = "V1"
	SecComVersionV2 = "V2"
)

// Info token shapes.
const (
	InfoTokenLegacy = "Legacy"
	InfoTokenLatest = "Latest"
)

// ServiceDescriptor is a configured virtual service.
type ServiceDescriptor struct {
	ID              string   `json:"id"`
	GroupID         string   `json:"groupId"`
	Name            string   `json:"name"`
	Env             string   `json:"env"`
	Domain          string   `json:"domain"`
	Subdomain       string   `json:"subdomain"`
	Root            string   `json:"root"`
	DomainOverride  string   `json:"exposedDomainOverride,omitempty"`
	Targets         []Target `json:"targets"`
	TargetsRoot     string   `json:"targetsRoot,omitempty"`
	Enabled         bool     `json:"enabled"`
	PrivateApp      bool     `json:"privateApp"`
	ForceHTTPS      bool     `json:"forceHttps"`
	MaintenanceMode bool     `json:"maintenanceMode"`
	BuildMode       bool     `json:"buildMode"`

	EnforceSecureCommunication bool          `json:"enforceSecureCommunication"`
	SendStateChallenge         bool          `json:"sendStateChallenge"`
	SendInfoToken              bool          `json:"sendInfoToken"`
	SecComTTL                  Duration      `json:"secComTtl"`
	SecComVersion              string        `json:"secComVersion"`
	SecComInfoTokenVersion     string        `json:"secComInfoTokenVersion"`
	SecComSettings             AlgoSettings  `json:"secComSettings"`
	SecComHeaders              SecComHeaders `json:"secComHeaders"`

	PublicPatterns  []string `json:"publicPatterns"`
	PrivatePatterns []string `json:"privatePatterns"`

	AdditionalHeaders map[string]string `json:"additionalHeaders"`
	MatchingHeaders   map[string]string `json:"matchingHeaders"`

	IPFiltering           IPFiltering       `json:"ipFiltering"`
	Restrictions          Restrictions      `json:"restrictions"`
	APIKeyConstraints     APIKeyConstraints `json:"apiKeyConstraints"`
	ClientConfig          ClientConfig      `json:"clientConfig"`
	TargetsLoadBalancing  LoadBalancing     `json:"targetsLoadBalancing"`
	JWTVerifierRef        string            `json:"jwtVerifierRef,omitempty"`
	AuthConfigRef         string            `json:"authConfigRef,omitempty"`
	DetectAPIKeySooner    bool              `json:"detectApiKeySooner"`
	StripPath             bool              `json:"stripPath"`
	XForwardedHeaders     bool              `json:"xForwardedHeaders"`
	OverrideHost          bool              `json:"overrideHost"`
	MetricsAccessKey      string            `json:"metricsAccessKey,omitempty"`

	compiledPublic  []*regexp.Regexp
	compiledPrivate []*regexp.Regexp
}

// ExposedDomain is the host under which the service is served,
// without the environment prefix.
func (s *ServiceDescriptor) ExposedDomain() string {
	if s.DomainOverride != "" {
		return s.DomainOverride
	}
	return s.Subdomain + "." + s.Domain
}

// RootOrSlash returns the configured root path, defaulting to "/".
func (s *ServiceDescriptor) RootOrSlash() string {
	if s.Root == "" {
		return "/"
	}
	return s.Root
}

// CompilePatterns pre-compiles public/private regexes. Invalid patterns are
// reported so configuration loading can reject the descriptor.
func (s *ServiceDescriptor) CompilePatterns() error {
	pub, err := compileAll(s.PublicPatterns)
	if err != nil {
		return err
	}
	priv, err := compileAll(s.PrivatePatterns)
	if err != nil {
		return err
	}
	s.compiledPublic = pub
	s.compiledPrivate = priv
	return nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(anchor(p))
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func anchor(p string) string {
	if !strings.HasPrefix(p, "^") {
		p = "^" + p
	}
	if !strings.HasSuffix(p, "$") {
		p = p + "$"
	}
	return p
}

// IsPublic reports whether the given request path belongs to the public
// surface of the service: some public pattern matches and no private
// pattern does.
func (s *ServiceDescriptor) IsPublic(path string) bool {
	if len(s.compiledPublic) == 0 && len(s.PublicPatterns) > 0 {
		// Tolerate descriptors used without CompilePatterns (tests, ad-hoc).
		s.CompilePatterns()
	}
	pub := false
	for _, re := range s.compiledPublic {
		if re.MatchString(path) {
			pub = true
			break
		}
	}
	if !pub {
		return false
	}
	for _, re := range s.compiledPrivate {
		if re.MatchString(path) {
			return false
		}
	}
	return true
}

// StateRequestHeader returns the configured or default state header name.
func (s *ServiceDescriptor) StateRequestHeader() string {
	if s.SecComHeaders.StateRequestName != "" {
		return s.SecComHeaders.StateRequestName
	}
	return "Otoroshi-State"
}

// StateResponseHeader returns the configured or default state-response header name.
func (s *ServiceDescriptor) StateResponseHeader() string {
	if s.SecComHeaders.StateResponseName != "" {
		return s.SecComHeaders.StateResponseName
	}
	return "Otoroshi-State-Resp"
}

// ClaimRequestHeader returns the configured or default claim header name.
func (s *ServiceDescriptor) ClaimRequestHeader() string {
	if s.SecComHeaders.ClaimRequestName != "" {
		return s.SecComHeaders.ClaimRequestName
	}
	return "Otoroshi-Claim"
}

// SecComTTLOrDefault bounds token lifetimes, defaulting to 30 seconds.
func (s *ServiceDescriptor) SecComTTLOrDefault() time.Duration {
	if s.SecComTTL > 0 {
		return time.Duration(s.SecComTTL)
	}
	return 30 * time.Second
}
