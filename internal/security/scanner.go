package security

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ScanResult is the classification of one piece of content.
type ScanResult struct {
	IsSafe   bool     `json:"is_safe"`
	Threats  []string `json:"threats"`
	PIIFound []string `json:"pii_found"`
	Score    int      `json:"score"`
}

// Scanner classifies content against a policy. Identical content and policy
// always produce an identical result.
type Scanner struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewScanner creates a scanner with an empty compiled-rule cache.
func NewScanner() (*Scanner, error) {
	env, err := cel.NewEnv(
		cel.Variable("content", cel.StringType),
		cel.Variable("size", cel.IntType),
		cel.Variable("type", cel.StringType),
	)
	if err != nil {
		return nil, err
	}
	return &Scanner{env: env, programs: make(map[string]cel.Program)}, nil
}

// MustNewScanner is NewScanner for package-level wiring and tests.
func MustNewScanner() *Scanner {
	s, err := NewScanner()
	if err != nil {
		panic(err)
	}
	return s
}

// Compile checks every custom rule of p, caching the programs.
func (s *Scanner) Compile(p Policy) error {
	for _, r := range p.CustomRules {
		if r.Name == "" {
			return fmt.Errorf("%w: custom rule without a name", ErrInvalidPolicy)
		}
		if _, err := s.program(r.Expr); err != nil {
			return fmt.Errorf("%w: rule %s: %v", ErrInvalidPolicy, r.Name, err)
		}
	}
	return nil
}

func (s *Scanner) program(expr string) (cel.Program, error) {
	s.mu.RLock()
	prg, ok := s.programs[expr]
	s.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := s.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	prg, err := s.env.Program(ast)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.programs[expr] = prg
	s.mu.Unlock()
	return prg, nil
}

// Scan classifies content of the given message type under policy.
func (s *Scanner) Scan(content string, messageType string, policy Policy) ScanResult {
	var threats, pii []string
	threatScore, piiScore := 0, 0

	if len(content) > policy.maxBytes() {
		threats = append(threats, "oversized_content")
		threatScore += 100
	}

	for _, r := range threatRules {
		if !policy.ruleEnabled(r.name) {
			continue
		}
		if r.matches(content) {
			threats = append(threats, r.name)
			threatScore += r.score
		}
	}

	for _, r := range piiRules {
		if !policy.ruleEnabled(r.name) {
			continue
		}
		if r.matches(content) {
			pii = append(pii, r.name)
			piiScore += r.score
		}
	}

	for _, cr := range policy.CustomRules {
		hit, err := s.evalCustom(cr, content, messageType)
		if err != nil {
			// Fail closed on a rule that cannot be evaluated.
			threats = append(threats, "custom_error:"+cr.Name)
			threatScore += 100
			continue
		}
		if hit {
			threats = append(threats, "custom:"+cr.Name)
			score := cr.Score
			if score <= 0 {
				score = 50
			}
			threatScore += score
		}
	}

	sort.Strings(threats)
	sort.Strings(pii)

	safe := true
	if len(threats) > 0 && threatScore >= max(policy.ScoreThreshold, 1) {
		safe = false
	}
	if policy.BlockPII {
		for _, kind := range pii {
			if !policy.piiAllowed(kind) {
				safe = false
				break
			}
		}
	}

	return ScanResult{
		IsSafe:   safe,
		Threats:  nonNil(threats),
		PIIFound: nonNil(pii),
		Score:    threatScore + piiScore,
	}
}

func (s *Scanner) evalCustom(r CustomRule, content, messageType string) (bool, error) {
	prg, err := s.program(r.Expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"content": content,
		"size":    int64(len(content)),
		"type":    messageType,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %s returned %T", r.Name, out.Value())
	}
	return b, nil
}

// Redact masks every PII and threat match so the text can be audited.
func Redact(content string) string {
	out := content
	for _, r := range piiRules {
		out = r.redact(out)
	}
	for _, r := range threatRules {
		out = r.redact(out)
	}
	const maxAudit = 512
	if len(out) > maxAudit {
		out = strings.ToValidUTF8(out[:maxAudit], "") + "…"
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
