// Package policy decides how an intercepted request is served: which
// strategy applies and which cache bucket it may touch.
package policy

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Kush-Singh-26/vallenato/engine/models"
)

const (
	DefaultPrefix        = "vallenato"
	DefaultVersion       = "v4"
	DefaultMaxCacheItems = 50
	DefaultAPITimeout    = 8000 * time.Millisecond
)

// Strategy is how a request is served
type Strategy int

const (
	// Passthrough leaves the request to the platform default (not intercepted)
	Passthrough Strategy = iota
	// Bypass always hits the network and never touches a bucket
	Bypass
	// CacheFirst serves from the static bucket, fetching only on a miss
	CacheFirst
	// NetworkFirst races the network against a timeout, falling back to the api bucket
	NetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case Bypass:
		return "bypass"
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	default:
		return "passthrough"
	}
}

// Kind names a bucket role within a generation
type Kind string

const (
	KindStatic  Kind = "static"
	KindRuntime Kind = "runtime" // declared and preserved, no rule writes it yet
	KindAPI     Kind = "api"
)

// Versions is the set of bucket names current for one worker generation
type Versions struct {
	Prefix  string
	Version string
}

// Name returns the bucket name for a kind, e.g. vallenato-api-v4
func (v Versions) Name(k Kind) string {
	return v.Prefix + "-" + string(k) + "-" + v.Version
}

// Static, Runtime and API are shorthands for Name.
func (v Versions) Static() string  { return v.Name(KindStatic) }
func (v Versions) Runtime() string { return v.Name(KindRuntime) }
func (v Versions) API() string     { return v.Name(KindAPI) }

// Current returns the three current bucket names
func (v Versions) Current() []string {
	return []string{v.Static(), v.Runtime(), v.API()}
}

// IsCurrent reports whether name belongs to this generation
func (v Versions) IsCurrent(name string) bool {
	return slices.Contains(v.Current(), name)
}

// Rules is the routing table. Order of evaluation is fixed by Classify.
type Rules struct {
	PrivatePrefixes    []string
	AuthPrefixes       []string
	APIPrefix          string
	StaticDestinations []models.Destination
}

// DefaultRules returns the built-in routing table
func DefaultRules() Rules {
	return Rules{
		PrivatePrefixes: []string{
			"/cursos",
			"/admin",
			"/perfil",
			"/suscripciones",
			"/mis-cursos",
			"/mis-logros",
		},
		AuthPrefixes: []string{
			"/api/auth",
			"/api/users/me",
		},
		APIPrefix: "/api",
		StaticDestinations: []models.Destination{
			models.DestinationScript,
			models.DestinationStyle,
			models.DestinationImage,
			models.DestinationFont,
		},
	}
}

// Decision is the outcome of classifying a request
type Decision struct {
	Strategy Strategy
	Bucket   Kind   // empty for Passthrough and Bypass
	Rule     string // which rule matched, for logs and metrics
}

// Classify applies the rules in priority order; the first match wins.
// HTML and private/auth paths are checked before the static and API rules
// so they can never be served from a shared cache.
func (r Rules) Classify(req *models.Request) Decision {
	if req.Method != http.MethodGet {
		return Decision{Strategy: Passthrough, Rule: "non-get"}
	}
	if strings.Contains(req.Accept(), "text/html") {
		return Decision{Strategy: Bypass, Rule: "html"}
	}

	path := req.Path()
	if hasAnyPrefix(path, r.PrivatePrefixes) {
		return Decision{Strategy: Bypass, Rule: "private-route"}
	}
	if hasAnyPrefix(path, r.AuthPrefixes) {
		return Decision{Strategy: Bypass, Rule: "auth"}
	}
	if slices.Contains(r.StaticDestinations, req.Destination) {
		return Decision{Strategy: CacheFirst, Bucket: KindStatic, Rule: "static-asset"}
	}
	if r.APIPrefix != "" && strings.HasPrefix(path, r.APIPrefix) {
		return Decision{Strategy: NetworkFirst, Bucket: KindAPI, Rule: "api"}
	}
	return Decision{Strategy: Passthrough, Rule: "unmatched"}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
