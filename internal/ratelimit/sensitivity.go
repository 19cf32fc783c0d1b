package ratelimit

import (
	"path"
	"strings"

	"github.com/opensource-finance/warden/internal/domain"
)

// Classifier resolves an endpoint to its sensitivity: exact match first,
// then the first matching wildcard pattern in table order, else MEDIUM.
type Classifier struct {
	exact    map[string]domain.EndpointSensitivity
	patterns []domain.EndpointRule
}

// NewClassifier builds a classifier from the endpoint table.
func NewClassifier(rules []domain.EndpointRule) *Classifier {
	c := &Classifier{exact: make(map[string]domain.EndpointSensitivity)}
	for _, r := range rules {
		if strings.Contains(r.Pattern, "*") {
			c.patterns = append(c.patterns, r)
			continue
		}
		if _, dup := c.exact[r.Pattern]; !dup {
			c.exact[r.Pattern] = domain.ParseSensitivity(r.Sensitivity)
		}
	}
	return c
}

// Classify returns the sensitivity for endpoint.
func (c *Classifier) Classify(endpoint string) domain.EndpointSensitivity {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	if s, ok := c.exact[endpoint]; ok {
		return s
	}
	for _, r := range c.patterns {
		if matchPattern(r.Pattern, endpoint) {
			return domain.ParseSensitivity(r.Sensitivity)
		}
	}
	return domain.SensitivityMedium
}

// matchPattern matches "*" within one path segment; a trailing "/*" matches
// any non-empty suffix.
func matchPattern(pattern, endpoint string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok && !strings.Contains(prefix, "*") {
		return strings.HasPrefix(endpoint, prefix+"/") && len(endpoint) > len(prefix)+1
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		// Wildcards inside the prefix: match segment-wise, then any suffix.
		segs := strings.Count(prefix, "/") + 1
		parts := strings.SplitN(endpoint, "/", segs+1)
		if len(parts) <= segs || parts[segs] == "" {
			return false
		}
		ok, _ := path.Match(prefix, strings.Join(parts[:segs], "/"))
		return ok
	}
	ok, err := path.Match(pattern, endpoint)
	return err == nil && ok
}
