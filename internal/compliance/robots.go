// Package compliance decides whether a fetched document may be processed
// and what must be scrubbed from it before storage.
package compliance

import (
	"net/url"
	"strings"
)

// RobotsRule is one Allow or Disallow line.
type RobotsRule struct {
	Allow   bool
	Pattern string
}

func (r RobotsRule) String() string {
	if r.Allow {
		return "Allow: " + r.Pattern
	}
	return "Disallow: " + r.Pattern
}

// RobotsRules are the rules of the group that applies to one user agent.
type RobotsRules struct {
	Rules []RobotsRule
}

// AllowAll is the rule set used when robots.txt is absent or unreachable.
var AllowAll = &RobotsRules{}

// productToken returns the lowercase name part of a User-Agent string.
func productToken(userAgent string) string {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if i := strings.IndexAny(ua, "/ "); i >= 0 {
		ua = ua[:i]
	}
	return ua
}

// ParseRobots extracts the rules applying to userAgent. Consecutive
// User-agent lines share a group; groups naming the agent's product token
// exactly win over "*", and all matching groups of the same kind are merged.
func ParseRobots(body, userAgent string) *RobotsRules {
	token := productToken(userAgent)

	var specific, wildcard []RobotsRule
	var matchedSpecific bool
	var currentAgents []string
	var lastDirective string

	for _, line := range strings.Split(body, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		directive := strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch directive {
		case "user-agent":
			if lastDirective != "user-agent" {
				currentAgents = nil
			}
			// An empty agent names nobody.
			if agent := productToken(value); agent != "" {
				currentAgents = append(currentAgents, agent)
			}
		case "allow", "disallow":
			if len(currentAgents) == 0 || value == "" {
				lastDirective = directive
				continue
			}
			rule := RobotsRule{Allow: directive == "allow", Pattern: value}
			for _, agent := range currentAgents {
				switch {
				case agent == "*":
					wildcard = append(wildcard, rule)
				case agent == token:
					specific = append(specific, rule)
					matchedSpecific = true
				}
			}
		}
		lastDirective = directive
	}

	if matchedSpecific {
		return &RobotsRules{Rules: dedupeRules(specific)}
	}
	return &RobotsRules{Rules: dedupeRules(wildcard)}
}

func dedupeRules(rules []RobotsRule) []RobotsRule {
	seen := make(map[RobotsRule]bool, len(rules))
	out := rules[:0]
	for _, r := range rules {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// Allowed reports whether rawURL may be fetched. The longest matching
// pattern decides; on equal length Allow wins. The returned rules are the
// ones that matched, deciding rule first.
func (r *RobotsRules) Allowed(rawURL string) (bool, []string) {
	if r == nil || len(r.Rules) == 0 {
		return true, nil
	}
	target := "/"
	if u, err := url.Parse(rawURL); err == nil {
		target = u.EscapedPath()
		if target == "" {
			target = "/"
		}
		if u.RawQuery != "" {
			target += "?" + u.RawQuery
		}
	}
	if target == "/robots.txt" {
		return true, nil
	}

	var best *RobotsRule
	var matched []string
	for i := range r.Rules {
		rule := &r.Rules[i]
		if !matchPattern(rule.Pattern, target) {
			continue
		}
		matched = append(matched, rule.String())
		if best == nil ||
			len(rule.Pattern) > len(best.Pattern) ||
			(len(rule.Pattern) == len(best.Pattern) && rule.Allow && !best.Allow) {
			best = rule
		}
	}
	if best == nil {
		return true, nil
	}

	// Deciding rule first.
	ordered := []string{best.String()}
	for _, m := range matched {
		if m != ordered[0] {
			ordered = append(ordered, m)
		}
	}
	return best.Allow, ordered
}

// matchPattern implements robots.txt path matching: "*" matches any run of
// characters and a trailing "$" anchors the end.
func matchPattern(pattern, path string) bool {
	anchored := strings.HasSuffix(pattern, "$")
	if anchored {
		pattern = strings.TrimSuffix(pattern, "$")
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	pos := len(parts[0])

	for i := 1; i < len(parts); i++ {
		part := parts[i]
		if i == len(parts)-1 && anchored {
			return len(path)-pos >= len(part) && strings.HasSuffix(path, part)
		}
		idx := strings.Index(path[pos:], part)
		if idx < 0 {
			return false
		}
		pos += idx + len(part)
	}

	if anchored {
		return pos == len(path)
	}
	return true
}
