package recording

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// FilterConfig defines include/exclude patterns and an optional expression
// deciding which exchanges are archived.
type FilterConfig struct {
	IncludeHosts []string `yaml:"includeHosts,omitempty" json:"includeHosts,omitempty"` // archive only these hosts (empty = all)
	ExcludeHosts []string `yaml:"excludeHosts,omitempty" json:"excludeHosts,omitempty"` // never archive these hosts
	IncludePaths []string `yaml:"includePaths,omitempty" json:"includePaths,omitempty"` // archive only matching paths (empty = all)
	ExcludePaths []string `yaml:"excludePaths,omitempty" json:"excludePaths,omitempty"` // never archive matching paths

	// Expression is an expr-lang boolean evaluated against the exchange once
	// its response is known, e.g. `status < 400 && mimeType != "image/gif"`.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// Filter applies a FilterConfig. A nil *Filter keeps everything.
type Filter struct {
	cfg     FilterConfig
	program *vm.Program
}

// exprEnv declares the variables available to filter expressions.
func exprEnv() map[string]any {
	return map[string]any{
		"url":       "",
		"host":      "",
		"path":      "",
		"method":    "",
		"status":    0,
		"mimeType":  "",
		"protocol":  "",
		"redirects": 0,
		"responses": 0,
	}
}

// NewFilter validates the glob patterns and compiles the expression.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	for _, group := range [][]string{cfg.IncludeHosts, cfg.ExcludeHosts, cfg.IncludePaths, cfg.ExcludePaths} {
		for _, p := range group {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, p)
			}
		}
	}

	f := &Filter{cfg: cfg}
	if strings.TrimSpace(cfg.Expression) != "" {
		program, err := expr.Compile(cfg.Expression, expr.Env(exprEnv()), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile filter expression %q: %w", cfg.Expression, err)
		}
		f.program = program
	}
	return f, nil
}

// ShouldRecord decides from the URL alone whether traffic is captured.
// Precedence:
// 1. If host or path matches ANY exclude pattern → NOT recorded
// 2. If include patterns exist AND matches NONE → NOT recorded
// 3. Otherwise → recorded
func (f *Filter) ShouldRecord(rawURL string) bool {
	if f == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		// Unparseable URLs are kept; the serializer reports them.
		return true
	}
	host := strings.ToLower(u.Hostname())
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	if matchAny(f.cfg.ExcludeHosts, host, true) || matchAny(f.cfg.ExcludePaths, path, false) {
		return false
	}
	if len(f.cfg.IncludeHosts) > 0 && !matchAny(f.cfg.IncludeHosts, host, true) {
		return false
	}
	if len(f.cfg.IncludePaths) > 0 && !matchAny(f.cfg.IncludePaths, path, false) {
		return false
	}
	return true
}

// Keep evaluates the filter expression against a consolidated exchange.
// Exchanges are kept when no expression is configured.
func (f *Filter) Keep(ex *Exchange) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, ExprEnv(ex))
	if err != nil {
		return true, fmt.Errorf("evaluate filter expression: %w", err)
	}
	keep, _ := out.(bool)
	return keep, nil
}

// ExprEnv builds the variables a filter expression sees for ex.
func ExprEnv(ex *Exchange) map[string]any {
	env := exprEnv()
	target := ex.TargetURL()
	env["url"] = target
	if u, err := url.Parse(target); err == nil {
		env["host"] = strings.ToLower(u.Hostname())
		env["path"] = u.Path
	}
	env["method"] = ex.Method
	env["protocol"] = ex.Protocol
	env["redirects"] = len(ex.Redirects)
	env["responses"] = len(ex.Responses)
	if res, ok := ex.FinalResponse(); ok {
		env["status"] = res.Status
		env["mimeType"] = res.MimeType
	}
	return env
}

func matchAny(patterns []string, s string, fold bool) bool {
	for _, p := range patterns {
		if fold {
			p = strings.ToLower(p)
		}
		if ok, _ := doublestar.Match(p, s); ok {
			return true
		}
	}
	return false
}
