package guardian

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/canopyrt/canopy/pkg/models"
)

// credentialPatterns mirrors the vendor-key regex table in
// internal/security/audit_config.go, broadened to match anywhere in tool
// output/args rather than only at the start of a config value.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),             // OpenAI-style API key
	regexp.MustCompile(`xox[bp]-[0-9]+-[0-9]+-[a-zA-Z0-9]+`), // Slack token
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`),             // GitHub PAT
	regexp.MustCompile(`gho_[a-zA-Z0-9]{36}`),             // GitHub OAuth token
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]+`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                // AWS access key
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),           // Google API key
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), // JWT
	regexp.MustCompile(`(?i)api[_-]?key["':=\s]+[a-zA-Z0-9_\-]{16,}`),      // generic API key
}

var argCredentialPattern = regexp.MustCompile(`(?i)"(password|secret|token|api_key|apikey|credential)"\s*:\s*"[^"]{4,}"`)

var dangerousShellTools = map[string]bool{"bash": true, "exec": true, "shell": true}

// dangerousCommandPatterns flags destructive or exfiltration-prone shell
// constructs, in the same longest-pattern-first spirit as
// internal/tools/security/shell_parser.go's AnalyzeCommand.
var dangerousCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/`),
	regexp.MustCompile(`:(){ :\|:& };:`),
	regexp.MustCompile(`curl[^|]*\|\s*(sh|bash)`),
	regexp.MustCompile(`wget[^|]*\|\s*(sh|bash)`),
	regexp.MustCompile(`dd\s+if=.*of=/dev/`),
	regexp.MustCompile(`mkfs\.`),
	regexp.MustCompile(`chmod\s+-R\s+777\s+/`),
}

var sqlInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)'\s*or\s+'?1'?\s*=\s*'?1`),
	regexp.MustCompile(`(?i);\s*drop\s+table`),
	regexp.MustCompile(`(?i)union\s+select`),
	regexp.MustCompile(`(?i)--\s*$`),
}

var pathTraversalPattern = regexp.MustCompile(`\.\./\.\./|\.\.\\\.\.\\`)

var sensitivePathSubstrings = []string{
	"/etc/passwd", "/etc/shadow", ".ssh/id_rsa", ".aws/credentials", ".env",
}

// SecurityGuardian scans tool output and arguments for credential leaks,
// dangerous shell commands, SQL injection, and sensitive-path access.
type SecurityGuardian struct {
	ring                *Ring
	confidenceThreshold float64
}

// NewSecurityGuardian creates a SecurityGuardian with the given ring
// capacity and confidence threshold.
func NewSecurityGuardian(ringCapacity int, confidenceThreshold float64) *SecurityGuardian {
	return &SecurityGuardian{ring: NewRing(ringCapacity), confidenceThreshold: confidenceThreshold}
}

func (g *SecurityGuardian) ID() string { return "security" }

// Ring exposes the guardian's own finding ring for the pipeline's query API.
func (g *SecurityGuardian) Ring() *Ring { return g.ring }

// Scan implements the Guardian interface (pipeline.go).
func (g *SecurityGuardian) Scan(obs ToolObservation, now time.Time) []models.Finding {
	var findings []models.Finding
	argsJSON, _ := json.Marshal(obs.Args)
	argsStr := string(argsJSON)

	for _, pat := range credentialPatterns {
		if loc := pat.FindString(obs.Output); loc != "" {
			findings = append(findings, g.emit(models.DomainSecurity, models.SeverityCritical, 0.85,
				"Credential pattern in tool output", "matched "+pat.String(), obs.ToolName, now))
		}
		if loc := pat.FindString(argsStr); loc != "" {
			findings = append(findings, g.emit(models.DomainSecurity, models.SeverityCritical, 0.85,
				"Credential pattern in tool arguments", "matched "+pat.String(), obs.ToolName, now))
		}
	}
	if argCredentialPattern.MatchString(argsStr) {
		findings = append(findings, g.emit(models.DomainSecurity, models.SeverityCritical, 0.90,
			"Credential-shaped argument", "argument key suggests a secret value", obs.ToolName, now))
	}

	if dangerousShellTools[strings.ToLower(obs.ToolName)] {
		cmd := commandFromArgs(obs.Args)
		for _, pat := range dangerousCommandPatterns {
			if pat.MatchString(cmd) {
				findings = append(findings, g.emit(models.DomainSecurity, models.SeverityCritical, 0.95,
					"Dangerous shell command", "matched "+pat.String(), obs.ToolName, now))
			}
		}
	}

	for _, pat := range sqlInjectionPatterns {
		if pat.MatchString(obs.Output) || pat.MatchString(argsStr) {
			findings = append(findings, g.emit(models.DomainSecurity, models.SeverityWarning, 0.70,
				"Possible SQL injection pattern", "matched "+pat.String(), obs.ToolName, now))
		}
	}

	if pathTraversalPattern.MatchString(obs.Output) || pathTraversalPattern.MatchString(argsStr) {
		findings = append(findings, g.emit(models.DomainSecurity, models.SeverityWarning, 0.78,
			"Path traversal sequence detected", "matched ../../ or ..\\..\\", obs.ToolName, now))
	}

	for _, p := range sensitivePathSubstrings {
		if strings.Contains(obs.Output, p) || strings.Contains(argsStr, p) {
			findings = append(findings, g.emit(models.DomainSecurity, models.SeverityInfo, 0.70,
				"Sensitive path reference", "referenced "+p, obs.ToolName, now))
		}
	}

	return g.filterByConfidence(findings)
}

func (g *SecurityGuardian) filterByConfidence(findings []models.Finding) []models.Finding {
	out := findings[:0]
	for _, f := range findings {
		if f.Confidence >= g.confidenceThreshold {
			out = append(out, f)
		}
	}
	return out
}

func (g *SecurityGuardian) emit(domain models.FindingDomain, sev models.Severity, confidence float64, title, location, toolName string, now time.Time) models.Finding {
	f := models.Finding{
		GuardianID:  g.ID(),
		Domain:      domain,
		Severity:    sev,
		Title:       title,
		Description: title + " in " + toolName,
		Location:    location,
		Confidence:  confidence,
		AutoFixable: false,
		Timestamp:   now,
	}
	f.ID = findingID(f.GuardianID, f.Title, f.Location, f.Timestamp, g.ring.nextSeq())
	g.ring.Push(f)
	return f
}

func commandFromArgs(args map[string]any) string {
	if args == nil {
		return ""
	}
	for _, key := range []string{"command", "cmd", "script"} {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	b, _ := json.Marshal(args)
	return string(b)
}
