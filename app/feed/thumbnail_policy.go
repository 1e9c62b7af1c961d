package feed

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ThumbnailPolicy is the replaceable table driving thumbnail discovery:
// containers searched for the largest image, and candidates to reject.
type ThumbnailPolicy struct {
	// Selectors of elements searched for <img> in order. An empty selector
	// searches the whole document.
	Containers     []string `yaml:"containers"`
	RejectURLs     []string `yaml:"reject_urls"`
	RejectPatterns []string `yaml:"reject_patterns"`

	rejectURLs     map[string]struct{}
	rejectPatterns []*regexp.Regexp
}

func DefaultThumbnailPolicy() *ThumbnailPolicy {
	policy := &ThumbnailPolicy{
		Containers: []string{
			"article",
			".content",
			".entry",
			".postContainer",
			"#article .first .image",
			"#comic",
			".comic",
			"#main-content",
			"",
		},
		RejectURLs: []string{
			"http://graphics8.nytimes.com/images/common/icons/t_wb_75.gif",
			"https://s0.wp.com/i/blank.jpg",
			"https://www.techmeme.com/img/techmeme_sq328.png",
			"https://www.arcade-museum.com/images/klov_big_logo_crop_250_20PerEdge.jpg",
			"https://vowe.net/assets/vowe201903.jpg",
		},
		RejectPatterns: []string{
			`.*doubleclick.net.*`,
			`.*indieclick.com.*`,
			`.*blank.jpg.*`,
		},
	}

	if err := policy.compile(); err != nil {
		panic(fmt.Sprintf("invalid default thumbnail policy: %v", err))
	}
	return policy
}

// LoadThumbnailPolicy reads a YAML policy file. Lists present in the file
// replace the defaults, absent ones keep them. An empty path yields the
// defaults.
func LoadThumbnailPolicy(path string) (*ThumbnailPolicy, error) {
	policy := DefaultThumbnailPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var override ThumbnailPolicy
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if override.Containers != nil {
		policy.Containers = override.Containers
	}
	if override.RejectURLs != nil {
		policy.RejectURLs = override.RejectURLs
	}
	if override.RejectPatterns != nil {
		policy.RejectPatterns = override.RejectPatterns
	}

	if err := policy.compile(); err != nil {
		return nil, fmt.Errorf("invalid thumbnail policy %s: %w", path, err)
	}
	return policy, nil
}

func (p *ThumbnailPolicy) compile() error {
	p.rejectURLs = make(map[string]struct{}, len(p.RejectURLs))
	for _, u := range p.RejectURLs {
		p.rejectURLs[u] = struct{}{}
	}

	p.rejectPatterns = make([]*regexp.Regexp, 0, len(p.RejectPatterns))
	for i, pattern := range p.RejectPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid reject pattern at index %d: %w", i, err)
		}
		p.rejectPatterns = append(p.rejectPatterns, re)
	}
	return nil
}

// Rejects reports whether a candidate URL must be treated as absent.
func (p *ThumbnailPolicy) Rejects(candidate string) bool {
	if strings.TrimSpace(candidate) == "" {
		return true
	}
	if strings.HasPrefix(candidate, "data:") {
		return true
	}
	if _, ok := p.rejectURLs[candidate]; ok {
		return true
	}
	for _, re := range p.rejectPatterns {
		if re.MatchString(candidate) {
			return true
		}
	}
	return false
}
