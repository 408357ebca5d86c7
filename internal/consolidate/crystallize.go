package consolidate

import (
	"math"
	"sync"
	"time"

	"github.com/canopyrt/canopy/internal/observability"
	"github.com/canopyrt/canopy/pkg/models"
)

// numFeatures is the number of scalar feature dimensions tracked per
// samskara by CRYSTALLIZE's BOCPD stability check (§4.6): pattern-type
// encoding, confidence, and a content-hash bucket. Observation count is
// deliberately excluded: it grows monotonically across dream cycles for a
// recurring samskara, which would make every cycle look like a regime
// shift instead of a stable recurrence; session spread already captures
// "observed repeatedly" for eligibility.
const numFeatures = 3

// CrystallizeConfig configures the CRYSTALLIZE phase.
type CrystallizeConfig struct {
	StabilityWindow      int     // consecutive stable observations required before eligibility
	AccuracyThreshold    float64 // minimum holdout validation accuracy
	RevertWindow         int     // BOCPD change-point/anomaly discrimination window
	ConfirmRatio         float64 // fraction of the revert window that must stay elevated to confirm a change-point
	PromotionMinProjects int     // distinct projects required for __global__ promotion
	DecayHalfLifeMs      int64   // exponential decay half-life for vasana strength
	ExpectedRunLength    float64 // BOCPD hazard prior
	Clock                func() time.Time
}

func (c CrystallizeConfig) withDefaults() CrystallizeConfig {
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = 3
	}
	if c.AccuracyThreshold <= 0 {
		c.AccuracyThreshold = 0.7
	}
	if c.RevertWindow <= 0 {
		c.RevertWindow = 5
	}
	if c.ConfirmRatio <= 0 {
		c.ConfirmRatio = 0.6
	}
	if c.PromotionMinProjects <= 0 {
		c.PromotionMinProjects = 2
	}
	if c.DecayHalfLifeMs <= 0 {
		c.DecayHalfLifeMs = 14 * 24 * 60 * 60 * 1000
	}
	if c.ExpectedRunLength <= 0 {
		c.ExpectedRunLength = 250
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Crystallizer runs the CRYSTALLIZE phase: a per-samskara BOCPD stability
// check feeding vasana formation, reinforcement, promotion, and decay.
//
// Grounded on spec.md §4.6; the BOCPD tracking itself has no teacher
// precedent (see bocpd.go and DESIGN.md). Treating one samskara (already
// coalesced across sessions by SamskaraStore's FNV-1a upsert) as the
// "cluster" named in §4.6 is a deliberate simplification: repeated
// observation of the same samskara across sessions is exactly the
// cross-session stability the spec's worked example (§8 scenario 6)
// describes.
type Crystallizer struct {
	mu  sync.Mutex
	cfg CrystallizeConfig

	trackers map[string][numFeatures]*bocpdState
	streaks  map[string]int

	vasanas *VasanaStore
	metrics *observability.Metrics
}

// NewCrystallizer creates a Crystallizer with its own VasanaStore.
func NewCrystallizer(cfg CrystallizeConfig, metrics *observability.Metrics) *Crystallizer {
	return &Crystallizer{
		cfg:      cfg.withDefaults(),
		trackers: make(map[string][numFeatures]*bocpdState),
		streaks:  make(map[string]int),
		vasanas:  newVasanaStore(cfg.withDefaults().PromotionMinProjects),
		metrics:  metrics,
	}
}

// Vasanas returns the store of crystallized tendencies.
func (c *Crystallizer) Vasanas() *VasanaStore { return c.vasanas }

func (c *Crystallizer) now() time.Time { return c.cfg.Clock() }

// Run evaluates every samskara currently in store against the BOCPD
// stability check and crystallizes or reinforces the ones that qualify.
// Returns the vasanas touched this cycle.
func (c *Crystallizer) Run(store *SamskaraStore) []*models.Vasana {
	c.mu.Lock()
	defer c.mu.Unlock()

	var touched []*models.Vasana
	now := c.now()
	for _, sk := range store.All() {
		feats := featureVector(sk)
		trackers, ok := c.trackers[sk.ID]
		if !ok {
			for i := range trackers {
				trackers[i] = newBOCPD(c.cfg.ExpectedRunLength)
			}
			c.trackers[sk.ID] = trackers
		}

		stableAll := true
		for i, f := range feats {
			_, class := trackers[i].observe(f, c.cfg.RevertWindow, c.cfg.ConfirmRatio)
			if class != classStable {
				stableAll = false
			}
		}
		if stableAll {
			c.streaks[sk.ID]++
		} else {
			c.streaks[sk.ID] = 0
		}

		if c.streaks[sk.ID] < c.cfg.StabilityWindow {
			continue
		}
		if store.SessionSpread(sk.ID) < 2 {
			continue
		}

		accuracy := holdoutAccuracy(store.Observations(sk.ID))
		if accuracy < c.cfg.AccuracyThreshold {
			continue
		}

		numSessions := store.SessionSpread(sk.ID)
		v := c.vasanas.crystallize(sk, accuracy, numSessions, c.cfg.StabilityWindow, now)
		touched = append(touched, v)
	}

	if c.metrics != nil {
		for _, project := range c.vasanas.projects() {
			c.metrics.VasanaCount.WithLabelValues(project).Set(float64(c.vasanas.countByProject(project)))
		}
	}
	return touched
}

// Decay applies exponential strength decay to every tracked vasana and
// deletes those that fall below the floor (§8: no vasana strength<0.01
// survives a decay pass).
func (c *Crystallizer) Decay() (deleted []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vasanas.decay(c.now(), c.cfg.DecayHalfLifeMs)
}

func typeEncode(t models.PatternType) float64 {
	switch t {
	case models.PatternToolSequence:
		return 1
	case models.PatternPreference:
		return 2
	case models.PatternDecision:
		return 3
	case models.PatternCorrection:
		return 4
	case models.PatternConvention:
		return 5
	default:
		return 0
	}
}

func contentBucket(s string) float64 {
	h := fnv1a(normalize(s))
	var v uint64
	for i := 0; i < len(h); i++ {
		v = v*16 + uint64(hexDigit(h[i]))
	}
	return float64(v % 97)
}

func hexDigit(b byte) uint64 {
	switch {
	case b >= '0' && b <= '9':
		return uint64(b - '0')
	case b >= 'a' && b <= 'f':
		return uint64(b-'a') + 10
	default:
		return 0
	}
}

func featureVector(sk *models.Samskara) [numFeatures]float64 {
	return [numFeatures]float64{
		typeEncode(sk.PatternType),
		sk.Confidence,
		contentBucket(sk.PatternContent),
	}
}

// holdoutAccuracy splits observed values 70/30 (in recorded order, since
// consolidation must stay deterministic) and reports the fraction of the
// held-out 30% within 1.5 standard deviations of the training mean, per
// spec.md §4.6.
func holdoutAccuracy(values []float64) float64 {
	n := len(values)
	if n < 4 {
		return 0
	}
	split := int(float64(n) * 0.7)
	if split < 1 {
		split = 1
	}
	if split >= n {
		split = n - 1
	}
	train, test := values[:split], values[split:]
	mean, std := meanStd(train)

	var within int
	for _, v := range test {
		if std == 0 {
			if v == mean {
				within++
			}
			continue
		}
		if math.Abs(v-mean) <= 1.5*std {
			within++
		}
	}
	return float64(within) / float64(len(test))
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	var sqDiff float64
	for _, v := range values {
		d := v - mean
		sqDiff += d * d
	}
	std = math.Sqrt(sqDiff / float64(len(values)))
	return mean, std
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func valenceFor(t models.PatternType) models.Valence {
	switch t {
	case models.PatternCorrection:
		return models.ValenceNegative
	case models.PatternPreference, models.PatternConvention:
		return models.ValencePositive
	default:
		return models.ValenceNeutral
	}
}

// VasanaStore holds crystallized tendencies and implements reinforcement,
// __global__ promotion, and exponential decay per spec.md §4.6.
type VasanaStore struct {
	byID       map[string]*models.Vasana
	byTendency map[string]map[string]string // tendency -> project -> vasana id

	promotionMinProjects int
}

func newVasanaStore(promotionMinProjects int) *VasanaStore {
	if promotionMinProjects <= 0 {
		promotionMinProjects = 2
	}
	return &VasanaStore{
		byID:                 make(map[string]*models.Vasana),
		byTendency:           make(map[string]map[string]string),
		promotionMinProjects: promotionMinProjects,
	}
}

// All returns every tracked vasana.
func (v *VasanaStore) All() []*models.Vasana {
	out := make([]*models.Vasana, 0, len(v.byID))
	for _, vv := range v.byID {
		out = append(out, vv)
	}
	return out
}

// Get returns a vasana by id, or nil.
func (v *VasanaStore) Get(id string) *models.Vasana { return v.byID[id] }

func (v *VasanaStore) projects() []string {
	seen := map[string]struct{}{}
	for _, vv := range v.byID {
		seen[vv.Project] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

func (v *VasanaStore) countByProject(project string) int {
	var n int
	for _, vv := range v.byID {
		if vv.Project == project {
			n++
		}
	}
	return n
}

func vasanaID(t models.PatternType, content, project string) string {
	return fnv1a("vasana:" + string(t) + ":" + normalize(content) + ":" + project)
}

// crystallize inserts a new vasana or reinforces an existing one from a
// stable, holdout-validated samskara.
func (v *VasanaStore) crystallize(sk *models.Samskara, accuracy float64, numSessions, windowSize int, now time.Time) *models.Vasana {
	id := vasanaID(sk.PatternType, sk.PatternContent, sk.Project)
	if existing, ok := v.byID[id]; ok {
		existing.Strength = math.Min(1.0, existing.Strength+0.1)
		existing.ReinforcementCount++
		existing.LastActivated = now
		existing.PredictiveAccuracy = accuracy
		v.indexAndPromote(existing, now)
		return existing
	}

	strength := 0.5 + accuracy*0.3
	stability := clamp01(float64(numSessions) / float64(windowSize))
	vasana := &models.Vasana{
		ID:                 id,
		Tendency:           sk.PatternContent,
		Description:        sk.PatternContent,
		Strength:           strength,
		Stability:          stability,
		Valence:            valenceFor(sk.PatternType),
		SourceSamskaras:    []string{sk.ID},
		ReinforcementCount: 1,
		LastActivated:      now,
		PredictiveAccuracy: accuracy,
		Project:            sk.Project,
	}
	v.byID[id] = vasana
	v.indexAndPromote(vasana, now)
	return vasana
}

func (v *VasanaStore) indexAndPromote(vasana *models.Vasana, now time.Time) {
	key := vasana.Tendency
	byProject, ok := v.byTendency[key]
	if !ok {
		byProject = make(map[string]string)
		v.byTendency[key] = byProject
	}
	byProject[vasana.Project] = vasana.ID

	if vasana.Project == models.GlobalProject {
		return
	}

	var qualifying []*models.Vasana
	for proj, id := range byProject {
		if proj == models.GlobalProject {
			continue
		}
		vv, ok := v.byID[id]
		if !ok {
			continue
		}
		if vv.Strength >= 0.4 {
			qualifying = append(qualifying, vv)
		}
	}
	if len(qualifying) < v.promotionMinProjects {
		return
	}
	v.promote(key, qualifying, now)
}

func (v *VasanaStore) promote(tendencyKey string, qualifying []*models.Vasana, now time.Time) {
	var sumStrength float64
	sources := map[string]struct{}{}
	for _, vv := range qualifying {
		sumStrength += vv.Strength
		for _, s := range vv.SourceSamskaras {
			sources[s] = struct{}{}
		}
	}
	avgStrength := sumStrength / float64(len(qualifying))

	sourceList := make([]string, 0, len(sources))
	for s := range sources {
		sourceList = append(sourceList, s)
	}

	id := fnv1a("vasana:global:" + tendencyKey)
	global, ok := v.byID[id]
	if !ok {
		global = &models.Vasana{
			ID:          id,
			Tendency:    tendencyKey,
			Description: qualifying[0].Description,
			Valence:     qualifying[0].Valence,
			Project:     models.GlobalProject,
		}
		v.byID[id] = global
	}
	global.Strength = avgStrength
	global.SourceSamskaras = sourceList
	global.ReinforcementCount++
	global.LastActivated = now
	if global.Stability == 0 {
		global.Stability = qualifying[0].Stability
	}

	byProject, ok := v.byTendency[tendencyKey]
	if !ok {
		byProject = make(map[string]string)
		v.byTendency[tendencyKey] = byProject
	}
	byProject[models.GlobalProject] = id
}

// decay applies exponential half-life decay to every vasana's strength and
// removes those that fall below the floor.
func (v *VasanaStore) decay(now time.Time, halfLifeMs int64) (deleted []string) {
	if halfLifeMs <= 0 {
		halfLifeMs = 1
	}
	for id, vv := range v.byID {
		dt := now.Sub(vv.LastActivated).Milliseconds()
		if dt <= 0 {
			continue
		}
		factor := math.Exp(-math.Ln2 * float64(dt) / float64(halfLifeMs))
		vv.Strength *= factor
		if vv.Strength < 0.01 {
			delete(v.byID, id)
			deleted = append(deleted, id)
			if byProject, ok := v.byTendency[vv.Tendency]; ok {
				delete(byProject, vv.Project)
			}
		}
	}
	return deleted
}
