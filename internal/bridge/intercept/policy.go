// Package intercept turns a render request's blocking and capture
// options into decisions over paused browser requests.
package intercept

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crawlbridge/bridge/pkg/pattern"
	"github.com/crawlbridge/bridge/pkg/types"
)

// Rule is one compiled URL rule.
type Rule struct {
	Pattern *pattern.Pattern
	Action  string
	Headers map[string]string
}

// Policy holds the compiled interception rules for one render request.
// URL rules are ordered exact match first, then wildcard, then regexp;
// within a kind the caller's order is kept. The first matching rule
// wins and an unmatched URL is allowed.
type Policy struct {
	blockedTypes map[string]struct{}
	rules        []Rule
}

// Compile builds a Policy from the request's blocking options. The
// request is assumed validated, so unknown actions or resource types
// are programming errors.
func Compile(req *types.RenderRequest) (*Policy, error) {
	p := &Policy{
		blockedTypes: make(map[string]struct{}, len(req.BlockedResourceTypes)),
	}

	for _, rt := range req.BlockedResourceTypes {
		p.blockedTypes[strings.ToLower(strings.TrimSpace(rt))] = struct{}{}
	}

	p.rules = make([]Rule, 0, len(req.Rules))
	for i, r := range req.Rules {
		compiled, err := pattern.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		p.rules = append(p.rules, Rule{
			Pattern: compiled,
			Action:  r.Action,
			Headers: r.Headers,
		})
	}

	// Specificity order: exact beats wildcard beats regexp.
	sort.SliceStable(p.rules, func(i, j int) bool {
		return kindRank(p.rules[i].Pattern.Kind) < kindRank(p.rules[j].Pattern.Kind)
	})

	return p, nil
}

func kindRank(k pattern.Kind) int {
	switch k {
	case pattern.KindExact:
		return 0
	case pattern.KindWildcard:
		return 1
	default:
		return 2
	}
}

// BlocksType reports whether the resource type is blocked outright.
func (p *Policy) BlocksType(resourceType string) bool {
	_, ok := p.blockedTypes[strings.ToLower(resourceType)]
	return ok
}

// MatchURL returns the first rule matching url, or nil.
func (p *Policy) MatchURL(url string) *Rule {
	for i := range p.rules {
		if p.rules[i].Pattern.Match(url) {
			return &p.rules[i]
		}
	}
	return nil
}

// RuleCount reports how many URL rules the policy carries.
func (p *Policy) RuleCount() int { return len(p.rules) }
