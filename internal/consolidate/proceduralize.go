package consolidate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/canopyrt/canopy/pkg/models"
)

// ProceduralizeConfig configures PROCEDURALIZE vidhi mining.
type ProceduralizeConfig struct {
	MinSequenceLength int     // shortest n-gram considered (spec default 2, capped at 6)
	MinSessionSpread  int     // distinct sessions an n-gram must appear in to qualify
	MinSuccessRate    float64 // minimum average success rate across occurrences
}

func (c ProceduralizeConfig) withDefaults() ProceduralizeConfig {
	if c.MinSequenceLength <= 0 {
		c.MinSequenceLength = 2
	}
	if c.MinSessionSpread <= 0 {
		c.MinSessionSpread = 3
	}
	if c.MinSuccessRate <= 0 {
		c.MinSuccessRate = 0.6
	}
	return c
}

const maxSequenceLength = 6

// toolSynonyms maps tool-name sets to a natural-language verb phrase used
// when generating vidhi triggers (§4.6 PROCEDURALIZE).
var toolSynonyms = map[string]string{
	"read":  "modify file",
	"edit":  "modify file",
	"grep":  "search codebase",
	"find":  "search codebase",
	"bash":  "run command",
	"write": "create file",
}

// occurrence is one n-gram sighting used for anti-unification.
type occurrence struct {
	sessionID string
	project   string
	success   bool
	args      []map[string]any // per-step args, same length as the n-gram
}

// VidhiStore mines and stores procedures, keyed by FNV-1a(name+project) for
// idempotent persistence across dream cycles.
type VidhiStore struct {
	byID map[string]*models.Vidhi
	cfg  ProceduralizeConfig
}

// NewVidhiStore creates an empty VidhiStore.
func NewVidhiStore(cfg ProceduralizeConfig) *VidhiStore {
	return &VidhiStore{byID: make(map[string]*models.Vidhi), cfg: cfg.withDefaults()}
}

// All returns every mined vidhi.
func (v *VidhiStore) All() []*models.Vidhi {
	out := make([]*models.Vidhi, 0, len(v.byID))
	for _, vd := range v.byID {
		out = append(out, vd)
	}
	return out
}

// Proceduralize mines n-gram tool-call sequences from replayed sessions,
// qualifies them by session spread and success rate, anti-unifies their
// arguments into a parameterized template, and persists new vidhis.
// Re-running on the same sessions is idempotent (existing ids are skipped).
func Proceduralize(store *VidhiStore, sessions []Session) []*models.Vidhi {
	occurrences := map[string][]occurrence{} // ngram key -> occurrences
	names := map[string][]string{}           // ngram key -> tool names, ordered

	for _, sess := range sessions {
		for _, turn := range sess.Turns {
			calls := turn.ToolCalls
			for length := store.cfg.MinSequenceLength; length <= maxSequenceLength && length <= len(calls); length++ {
				for start := 0; start+length <= len(calls); start++ {
					window := calls[start : start+length]
					toolNames := make([]string, length)
					args := make([]map[string]any, length)
					allSuccess := true
					for i, c := range window {
						toolNames[i] = c.ToolName
						args[i] = c.Args
						if !c.Success {
							allSuccess = false
						}
					}
					key := strings.Join(toolNames, "-")
					occurrences[key] = append(occurrences[key], occurrence{
						sessionID: sess.ID,
						project:   sess.Project,
						success:   allSuccess,
						args:      args,
					})
					names[key] = toolNames
				}
			}
		}
	}

	var mined []*models.Vidhi
	keys := make([]string, 0, len(occurrences))
	for k := range occurrences {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		occs := occurrences[key]
		spread := sessionSpread(occs)
		if spread < store.cfg.MinSessionSpread {
			continue
		}
		successRate := avgSuccessRate(occs)
		if successRate < store.cfg.MinSuccessRate {
			continue
		}

		toolNames := names[key]
		id := fnv1a("vidhi:" + key)
		if _, exists := store.byID[id]; exists {
			continue
		}

		steps, schema := antiUnify(toolNames, occs)
		vidhi := &models.Vidhi{
			ID:              id,
			Project:         occs[0].project,
			Name:            key,
			LearnedFrom:     sessionsByID(occs),
			Confidence:      successRate * clamp01(float64(spread)/float64(store.cfg.MinSessionSpread)),
			Steps:           steps,
			Triggers:        triggersFor(toolNames),
			SuccessRate:     successRate,
			ParameterSchema: schema,
		}
		store.byID[id] = vidhi
		mined = append(mined, vidhi)
	}
	return mined
}

func sessionSpread(occs []occurrence) int {
	return len(sessionSetOf(occs))
}

func sessionSetOf(occs []occurrence) map[string]struct{} {
	set := map[string]struct{}{}
	for _, o := range occs {
		set[o.sessionID] = struct{}{}
	}
	return set
}

func sessionsByID(occs []occurrence) []string {
	set := sessionSetOf(occs)
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func avgSuccessRate(occs []occurrence) float64 {
	if len(occs) == 0 {
		return 0
	}
	var n int
	for _, o := range occs {
		if o.success {
			n++
		}
	}
	return float64(n) / float64(len(occs))
}

// antiUnify generalizes per-step argument maps across occurrences: a key
// constant across every occurrence becomes a literal in the template; a key
// that varies becomes a step{i}_param_{key} parameter with an inferred type
// and up to three examples (§4.6 PROCEDURALIZE).
func antiUnify(toolNames []string, occs []occurrence) ([]models.ProcedureStep, map[string]string) {
	schema := map[string]string{}
	steps := make([]models.ProcedureStep, len(toolNames))

	for i, name := range toolNames {
		keys := map[string]struct{}{}
		for _, o := range occs {
			if i >= len(o.args) {
				continue
			}
			for k := range o.args[i] {
				keys[k] = struct{}{}
			}
		}

		template := map[string]any{}
		sortedKeys := make([]string, 0, len(keys))
		for k := range keys {
			sortedKeys = append(sortedKeys, k)
		}
		sort.Strings(sortedKeys)

		for _, k := range sortedKeys {
			values := make([]any, 0, len(occs))
			for _, o := range occs {
				if i >= len(o.args) {
					continue
				}
				if v, ok := o.args[i][k]; ok {
					values = append(values, v)
				}
			}
			if allEqual(values) {
				if len(values) > 0 {
					template[k] = values[0]
				}
				continue
			}
			paramName := fmt.Sprintf("step%d_param_%s", i, k)
			template[k] = "${" + paramName + "}"
			schema[paramName] = inferType(values)
		}

		steps[i] = models.ProcedureStep{
			Index:       i,
			ToolName:    name,
			ArgTemplate: template,
			Description: name,
		}
	}
	return steps, schema
}

func allEqual(values []any) bool {
	if len(values) <= 1 {
		return true
	}
	first, err := json.Marshal(values[0])
	if err != nil {
		return false
	}
	for _, v := range values[1:] {
		b, err := json.Marshal(v)
		if err != nil || string(b) != string(first) {
			return false
		}
	}
	return true
}

func inferType(values []any) string {
	if len(values) == 0 {
		return "string"
	}
	switch values[0].(type) {
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case string:
		return "string"
	default:
		return "object"
	}
}

// triggersFor builds natural-language trigger phrases joining tool names
// with "then"/"and", plus a synonym-table phrase when every step maps to a
// known verb.
func triggersFor(toolNames []string) []string {
	if len(toolNames) == 0 {
		return nil
	}
	joined := strings.Join(toolNames, " then ")
	triggers := []string{joined, strings.Join(toolNames, " and ")}

	seen := map[string]struct{}{}
	var phrase []string
	for _, name := range toolNames {
		syn, ok := toolSynonyms[name]
		if !ok {
			return triggers
		}
		if _, dup := seen[syn]; dup {
			continue
		}
		seen[syn] = struct{}{}
		phrase = append(phrase, syn)
	}
	if len(phrase) > 0 {
		triggers = append(triggers, strings.Join(phrase, " then "))
	}
	return triggers
}
