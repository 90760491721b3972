package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arman-rafiee/turnpipe/internal/pipeline"
)

func TestRecordTurn(t *testing.T) {
	tel := New(nil)
	tel.RecordTurn(pipeline.Result{
		Outcome:    pipeline.OutcomeApprove,
		TokensUsed: 1200,
		CostUSD:    0.03,
		Elapsed:    3 * time.Second,
	})
	tel.RecordTurn(pipeline.Result{Outcome: pipeline.OutcomeFail, Elapsed: time.Second})

	if got := testutil.ToFloat64(tel.turnsTotal.WithLabelValues("APPROVE")); got != 1 {
		t.Fatalf("expected 1 approved turn, got %v", got)
	}
	if got := testutil.ToFloat64(tel.turnsTotal.WithLabelValues("FAIL")); got != 1 {
		t.Fatalf("expected 1 failed turn, got %v", got)
	}
	if got := testutil.ToFloat64(tel.turnTokens); got != 1200 {
		t.Fatalf("expected 1200 tokens, got %v", got)
	}

	snap := tel.Costs().Snapshot()
	if snap.Turns != 2 || snap.TotalTokens != 1200 {
		t.Fatalf("unexpected cost snapshot: %+v", snap)
	}
}

func TestRecordInvokeAndSwap(t *testing.T) {
	tel := New(nil)
	tel.RecordInvoke("plan", "qwen-32b", 900, 120, 0.012, nil)
	tel.RecordInvoke("plan", "qwen-32b", 500, 0, 0, errors.New("timeout"))
	tel.RecordSwap("gpu0", "llava-13b", "qwen-32b", 400*time.Millisecond)

	if got := testutil.ToFloat64(tel.invokesTotal.WithLabelValues("plan", "qwen-32b", "ok")); got != 1 {
		t.Fatalf("expected 1 ok invoke, got %v", got)
	}
	if got := testutil.ToFloat64(tel.invokesTotal.WithLabelValues("plan", "qwen-32b", "error")); got != 1 {
		t.Fatalf("expected 1 failed invoke, got %v", got)
	}
	if got := testutil.ToFloat64(tel.invokeTokens.WithLabelValues("plan", "prompt")); got != 1400 {
		t.Fatalf("expected 1400 prompt tokens, got %v", got)
	}
	if got := testutil.ToFloat64(tel.swapsTotal.WithLabelValues("gpu0")); got != 1 {
		t.Fatalf("expected 1 swap, got %v", got)
	}

	snap := tel.Costs().Snapshot()
	if snap.ModelTokens["qwen-32b"] != 1520 {
		t.Fatalf("expected 1520 model tokens, got %+v", snap)
	}
}

func TestRecordCompression(t *testing.T) {
	tel := New(nil)
	tel.RecordCompression(2, 800, 300, 1)
	tel.RecordCompression(4, 600, 590, 2)
	tel.RecordDataLoss(4, 150)

	if got := testutil.ToFloat64(tel.compressionsTotal.WithLabelValues("section")); got != 1 {
		t.Fatalf("expected 1 section-level pass, got %v", got)
	}
	if got := testutil.ToFloat64(tel.wordsSaved); got != 510 {
		t.Fatalf("expected 510 words saved, got %v", got)
	}
	if got := testutil.ToFloat64(tel.dataLossWords); got != 150 {
		t.Fatalf("expected 150 lost words, got %v", got)
	}
}
