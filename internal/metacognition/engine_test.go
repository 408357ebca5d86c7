package metacognition

import (
	"testing"

	"github.com/canopyrt/canopy/pkg/models"
)

func TestRecordResult_ConfidenceIntervalBracketsSuccessRate(t *testing.T) {
	e := New(Config{}, nil)
	for i := 0; i < 20; i++ {
		e.RecordResult(Result{ToolName: "grep", Success: i%3 != 0, LatencyMs: 10})
	}
	m := e.Mastery("grep")
	if m == nil {
		t.Fatal("expected mastery for grep")
	}
	if m.SuccessRate < m.ConfidenceLo || m.SuccessRate > m.ConfidenceHi {
		t.Fatalf("successRate %.3f not within [%.3f,%.3f]", m.SuccessRate, m.ConfidenceLo, m.ConfidenceHi)
	}
}

func TestRecordResult_TrendDetectsDeclineAfterLookback(t *testing.T) {
	e := New(Config{TrendLookback: 3}, nil)
	for i := 0; i < 4; i++ {
		e.RecordResult(Result{ToolName: "edit", Success: true})
	}
	for i := 0; i < 4; i++ {
		e.RecordResult(Result{ToolName: "edit", Success: false})
	}
	m := e.Mastery("edit")
	if m.Trend != models.TrendDeclining {
		t.Fatalf("expected declining trend after a run of failures, got %s", m.Trend)
	}
}

func TestRecordResult_AutoLimitationOnThreeConsecutiveFailures(t *testing.T) {
	e := New(Config{}, nil)
	for i := 0; i < 3; i++ {
		e.RecordResult(Result{ToolName: "bash", Success: false})
	}
	limitations := e.Limitations()
	if len(limitations) != 1 {
		t.Fatalf("expected exactly one limitation after 3 consecutive failures, got %v", limitations)
	}
	// A 4th consecutive failure must not duplicate the limitation.
	e.RecordResult(Result{ToolName: "bash", Success: false})
	if len(e.Limitations()) != 1 {
		t.Fatalf("expected limitation to be deduplicated, got %v", e.Limitations())
	}
}

func TestRecordResult_CalibrationIsAvgPredictedOverAvgActual(t *testing.T) {
	e := New(Config{}, nil)
	p1, p2 := 0.8, 0.4
	e.RecordResult(Result{ToolName: "tool", Success: true, PredictedSuccess: &p1})
	e.RecordResult(Result{ToolName: "tool", Success: false, PredictedSuccess: &p2})
	// avgPredicted = 0.6, avgActual = 0.5 -> calibration = 1.2
	m := e.Mastery("tool")
	_ = m
	event := e.RecordResult(Result{ToolName: "tool", Success: true, PredictedSuccess: &p1})
	if event.Calibration <= 0 {
		t.Fatalf("expected a positive calibration ratio, got %.3f", event.Calibration)
	}
}

func TestStyleFingerprint_ValuesStayInUnitRange(t *testing.T) {
	e := New(Config{}, nil)
	e.IncrementTurn()
	e.RecordResult(Result{ToolName: "a", Success: true})
	e.RecordResult(Result{ToolName: "b", Success: false})
	e.RecordRecovery("b", 2)

	fp := e.StyleFingerprint()
	for _, v := range []float64{fp.ExplorationVsExploitation, fp.ToolDensity, fp.ErrorRecoverySpeed} {
		if v < 0 || v > 1 {
			t.Fatalf("style fingerprint value out of [0,1]: %v", fp)
		}
	}
}

func TestSerializeDeserialize_PreservesMasteryShape(t *testing.T) {
	e := New(Config{}, nil)
	for i := 0; i < 5; i++ {
		e.RecordResult(Result{ToolName: "write", Success: i != 2})
	}
	state := e.Serialize()
	restored := Deserialize(Config{}, nil, state)

	before := e.Mastery("write")
	after := restored.Mastery("write")
	if before.Invocations != after.Invocations || before.SuccessRate != after.SuccessRate {
		t.Fatalf("mastery shape not preserved across round-trip: %+v vs %+v", before, after)
	}
}
