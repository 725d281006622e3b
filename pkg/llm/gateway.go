package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/profile"
	"github.com/eshu/eshu/pkg/telemetry"
)

// DefaultTimeout bounds every gateway call.
const DefaultTimeout = 20 * time.Second

// maxErrorOutput is how much of a failing command's output is sent for diagnosis.
const maxErrorOutput = 2000

// Operation names, used in logs and metrics.
const (
	OpInterpret = "interpret"
	OpExplain   = "explain_ranking"
	OpDiagnose  = "diagnose_error"
	OpPlan      = "generate_plan"
)

// errDenied marks calls refused by the usage gate.
var errDenied = errors.New("language model use denied by usage gate")

// Gateway is the Query Interpreter. A Gateway without a provider serves
// fallbacks only.
type Gateway struct {
	provider Provider
	gate     engine.UsageGate
	timeout  time.Duration
	validate *validator.Validate
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithUsageGate sets the gate consulted before each call.
func WithUsageGate(gate engine.UsageGate) GatewayOption {
	return func(g *Gateway) {
		if gate != nil {
			g.gate = gate
		}
	}
}

// WithCallTimeout bounds each call.
func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger.With().Str("component", "llm-gateway").Logger() }
}

// WithTelemetry attaches metrics and tracing.
func WithTelemetry(m *telemetry.Metrics, t *telemetry.Tracer) GatewayOption {
	return func(g *Gateway) {
		g.metrics = m
		g.tracer = t
	}
}

// NewGateway creates a gateway around provider, which may be nil.
func NewGateway(provider Provider, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		provider: provider,
		gate:     engine.AllowAll,
		timeout:  DefaultTimeout,
		validate: validator.New(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enabled reports whether a provider is configured.
func (g *Gateway) Enabled() bool {
	return g != nil && g.provider != nil
}

// call runs one completion and decodes the JSON object in the reply into out.
func (g *Gateway) call(ctx context.Context, op string, req Request, out interface{}) error {
	start := time.Now()
	if !g.Enabled() {
		g.metrics.RecordLanguageModelCall(op, telemetry.OutcomeDisabled, 0)
		return engine.NewLanguageModelUnavailableError(op, errors.New("no provider configured"))
	}
	if !g.gate.CanUseLanguageModel() {
		g.metrics.RecordLanguageModelCall(op, "denied", 0)
		return engine.NewLanguageModelUnavailableError(op, errDenied)
	}

	ctx, span := g.tracer.StartLanguageModelSpan(ctx, g.provider.Name(), op)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req.JSON = true
	text, err := g.provider.Complete(ctx, req)
	if err == nil {
		err = decodeObject(text, out)
	}
	elapsed := time.Since(start)
	if err != nil {
		telemetry.RecordError(span, err)
		g.metrics.RecordLanguageModelCall(op, telemetry.OutcomeFallback, elapsed)
		g.logger.Debug().Err(err).Str("operation", op).Dur("duration", elapsed).Msg("Language model call failed, using fallback")
		return engine.NewLanguageModelUnavailableError(op, err)
	}
	g.metrics.RecordLanguageModelCall(op, telemetry.OutcomeOK, elapsed)
	return nil
}

// InterpretQuery turns a free-text request into search terms. On any failure
// it returns the literal query as the only term.
func (g *Gateway) InterpretQuery(ctx context.Context, query string, p *profile.SystemProfile) []string {
	return g.Interpret(ctx, query, p).Terms
}

// Interpret returns the structured reading of a request. The fallback is
// {Terms: [query], Intent: "install"}.
func (g *Gateway) Interpret(ctx context.Context, query string, p *profile.SystemProfile) engine.Interpretation {
	fallback := engine.Interpretation{Terms: []string{query}, Intent: "install"}
	if strings.TrimSpace(query) == "" {
		return fallback
	}

	var reply struct {
		Terms            []string `json:"search_terms"`
		PreferredBackend *string  `json:"preferred_manager"`
		Intent           string   `json:"intent"`
		Requirements     []string `json:"requirements"`
	}
	req := Request{System: interpretPrompt(p), Prompt: "User query: " + query}
	if err := g.call(ctx, OpInterpret, req, &reply); err != nil {
		return fallback
	}

	var terms []string
	seen := make(map[string]bool)
	for _, term := range reply.Terms {
		term = strings.TrimSpace(term)
		if term == "" || seen[strings.ToLower(term)] {
			continue
		}
		seen[strings.ToLower(term)] = true
		terms = append(terms, term)
	}
	if len(terms) == 0 {
		return fallback
	}

	out := engine.Interpretation{
		Terms:        terms,
		Intent:       reply.Intent,
		Requirements: reply.Requirements,
	}
	if reply.PreferredBackend != nil {
		out.PreferredBackend = strings.ToLower(strings.TrimSpace(*reply.PreferredBackend))
	}
	if out.Intent == "" {
		out.Intent = "install"
	}
	return out
}

// NoRecommendation is the ExplainRanking fallback: the order stays as is.
var NoRecommendation = engine.Recommendation{RecommendedIndex: -1}

// ExplainRanking asks for the best entry among results. On any failure, or a
// reply pointing outside results, it returns NoRecommendation.
func (g *Gateway) ExplainRanking(ctx context.Context, term string, results []engine.PackageResult, p *profile.SystemProfile) engine.Recommendation {
	if len(results) == 0 {
		return NoRecommendation
	}

	type summary struct {
		Index       int    `json:"index"`
		Name        string `json:"name"`
		Manager     string `json:"manager"`
		Repository  string `json:"repository,omitempty"`
		Version     string `json:"version"`
		Description string `json:"description"`
		Installed   bool   `json:"installed"`
	}
	summaries := make([]summary, len(results))
	for i, r := range results {
		summaries[i] = summary{
			Index:       i,
			Name:        r.Name,
			Manager:     r.Backend,
			Repository:  r.Repository,
			Version:     r.Version,
			Description: truncate(r.Description, 100),
			Installed:   r.Installed,
		}
	}
	body, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return NoRecommendation
	}

	var reply struct {
		RecommendedIndex *int     `json:"recommended_index"`
		Explanation      string   `json:"explanation"`
		Alternatives     []int    `json:"alternatives"`
		Warnings         []string `json:"warnings"`
	}
	req := Request{System: explainPrompt(term, p), Prompt: "Search results:\n" + string(body), MaxTokens: 1024}
	if err := g.call(ctx, OpExplain, req, &reply); err != nil {
		return NoRecommendation
	}
	if reply.RecommendedIndex == nil || *reply.RecommendedIndex < 0 || *reply.RecommendedIndex >= len(results) {
		g.logger.Debug().Msg("Ranking advice out of range")
		return NoRecommendation
	}

	rec := engine.Recommendation{
		RecommendedIndex: *reply.RecommendedIndex,
		Explanation:      strings.TrimSpace(reply.Explanation),
		Warnings:         reply.Warnings,
	}
	for _, alt := range reply.Alternatives {
		if alt >= 0 && alt < len(results) && alt != rec.RecommendedIndex {
			rec.Alternatives = append(rec.Alternatives, alt)
		}
	}
	return rec
}

// DiagnoseError analyzes a failed command's output. On any failure it returns
// engine.UnavailableAnalysis().
func (g *Gateway) DiagnoseError(ctx context.Context, output string, pkg engine.PackageResult, p *profile.SystemProfile) engine.ErrorAnalysis {
	var reply struct {
		Kind      string   `json:"error_type"`
		Diagnosis string   `json:"diagnosis"`
		Solutions []string `json:"solutions"`
		Commands  []string `json:"commands"`
	}
	req := Request{
		System:    diagnosePrompt(pkg, p),
		Prompt:    "Error output:\n" + truncate(output, maxErrorOutput),
		MaxTokens: 1024,
	}
	if err := g.call(ctx, OpDiagnose, req, &reply); err != nil {
		return engine.UnavailableAnalysis()
	}
	if strings.TrimSpace(reply.Diagnosis) == "" {
		return engine.UnavailableAnalysis()
	}

	analysis := engine.ErrorAnalysis{
		Kind:      engine.ParseErrorKind(reply.Kind),
		Diagnosis: strings.TrimSpace(reply.Diagnosis),
		Solutions: nonEmpty(reply.Solutions),
		Commands:  nonEmpty(reply.Commands),
		Source:    engine.SourceLanguageModel,
	}
	return analysis
}

// GeneratePlan drafts an install plan. Any failure, or a reply that does not
// validate, yields fallback unchanged.
func (g *Gateway) GeneratePlan(ctx context.Context, pkg engine.PackageResult, p *profile.SystemProfile, fallback *engine.InstallPlan) *engine.InstallPlan {
	var reply struct {
		Commands      []string `json:"commands"`
		RequiresBuild bool     `json:"requires_build"`
		BuildSystem   *string  `json:"build_system"`
		Dependencies  []string `json:"dependencies"`
		PostInstall   []string `json:"post_install"`
		Notes         string   `json:"notes"`
	}
	req := Request{System: planPrompt(pkg, p), Prompt: "Generate installation plan", MaxTokens: 2048}
	if err := g.call(ctx, OpPlan, req, &reply); err != nil {
		return fallback
	}

	plan := &engine.InstallPlan{
		Package:       pkg.InstallName(),
		Backend:       pkg.Backend,
		Commands:      nonEmpty(reply.Commands),
		RequiresBuild: reply.RequiresBuild,
		BuildSystem:   engine.BuildSystemNone,
		Dependencies:  nonEmpty(reply.Dependencies),
		PostInstall:   nonEmpty(reply.PostInstall),
		Notes:         strings.TrimSpace(reply.Notes),
		Source:        engine.SourceLanguageModel,
	}
	if reply.BuildSystem != nil {
		plan.BuildSystem = ParseBuildSystem(*reply.BuildSystem)
	}
	if err := g.validate.Struct(plan); err != nil {
		g.logger.Debug().Err(err).Msg("Discarding invalid plan")
		return fallback
	}
	if err := plan.BuildSystem.Validate(); err != nil {
		return fallback
	}
	return plan
}

// ParseBuildSystem maps loose build tool names onto engine.BuildSystem.
func ParseBuildSystem(s string) engine.BuildSystem {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "make", "autotools", "gnu make", "configure":
		return engine.BuildSystemMake
	case "cmake":
		return engine.BuildSystemCMake
	case "cargo", "cargo-native", "rust":
		return engine.BuildSystemCargo
	case "meson", "ninja":
		return engine.BuildSystemMeson
	case "pip", "python", "setuptools", "npm", "node", "interpreted", "interpreted-language-native":
		return engine.BuildSystemInterpreted
	default:
		return engine.BuildSystemNone
	}
}

// decodeObject extracts the first JSON object from a reply. Code fences and
// surrounding prose are ignored.
func decodeObject(text string, out interface{}) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		if len(lines) >= 2 {
			lines = lines[1:]
			if strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
				lines = lines[:len(lines)-1]
			}
		}
		text = strings.Join(lines, "\n")
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in reply")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), out); err != nil {
		return fmt.Errorf("malformed JSON reply: %w", err)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
