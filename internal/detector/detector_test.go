package detector

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/motion.relay/internal/motion"
)

func stepSeries() []int32 {
	var values []int32
	for i := 0; i < 20; i++ {
		values = append(values, 10)
	}
	for i := 0; i < 10; i++ {
		values = append(values, 100)
	}
	return values
}

func TestDetector_StepChange(t *testing.T) {
	d, err := New(motion.AxisGX, Params{WindowSize: 10, Threshold: 50, MaxSamples: 500})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events := make(map[int]ChangeEvent)
	for i, v := range stepSeries() {
		ev, ok, err := d.Observe(v)
		if err != nil {
			t.Fatalf("Observe(%d): %v", i, err)
		}
		count := i + 1
		if count < 11 {
			if ok {
				t.Fatalf("sample %d: expected no event while filling", count)
			}
			continue
		}
		if !ok {
			t.Fatalf("sample %d: expected an event once ready", count)
		}
		events[count] = ev
	}

	if got := events[11]; !got.Insufficient || got.Triggered {
		t.Errorf("11th sample: want insufficient, untriggered event, got %+v", got)
	}

	want21 := ChangeEvent{Axis: motion.AxisGX, Index: 20, PreviousAverage: 10, CurrentAverage: 10}
	if diff := cmp.Diff(want21, events[21]); diff != "" {
		t.Errorf("21st sample mismatch (-want +got):\n%s", diff)
	}

	got30 := events[30]
	if !got30.Triggered || got30.Insufficient {
		t.Errorf("30th sample: want triggered, got %+v", got30)
	}
	if got30.PreviousAverage != 10 {
		t.Errorf("30th sample previous average = %f, want 10", got30.PreviousAverage)
	}
	// windows [9:19) and [19:29): one 10 followed by nine 100s
	if got30.CurrentAverage != 91 {
		t.Errorf("30th sample current average = %f, want 91", got30.CurrentAverage)
	}
	if got30.Flag() != motion.FlagChanged {
		t.Errorf("30th sample flag = %d, want %d", got30.Flag(), motion.FlagChanged)
	}
}

func TestDetector_StateTransitions(t *testing.T) {
	d, err := New(motion.AxisGY, Params{WindowSize: 3, Threshold: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if d.State() != StateFilling {
			t.Fatalf("after %d samples state = %s, want filling", i, d.State())
		}
		d.Observe(1)
	}
	d.Observe(1)
	if d.State() != StateReady {
		t.Fatalf("state = %s, want ready", d.State())
	}
}

func TestDetector_BufferExhausted(t *testing.T) {
	d, err := New(motion.AxisGX, Params{WindowSize: 2, Threshold: 1, MaxSamples: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, _, err := d.Observe(int32(i)); err != nil {
			t.Fatalf("Observe(%d): %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, _, err := d.Observe(42); !errors.Is(err, ErrBufferExhausted) {
			t.Fatalf("Observe past capacity: err = %v, want ErrBufferExhausted", err)
		}
	}
	if d.Buffer().Len() != 5 {
		t.Errorf("buffer length = %d, want 5", d.Buffer().Len())
	}
	if diff := cmp.Diff([]int32{0, 1, 2, 3, 4}, d.Buffer().Values()); diff != "" {
		t.Errorf("buffer contents changed (-want +got):\n%s", diff)
	}
}

func TestEvaluate_MatchesObserve(t *testing.T) {
	params := Params{WindowSize: 10, Threshold: 50}
	values := stepSeries()
	d, _ := New(motion.AxisGY, params)
	for i, v := range values {
		want, wantOK, _ := d.Observe(v)
		got, gotOK, err := Evaluate(values[:i+1], motion.AxisGY, params)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if gotOK != wantOK {
			t.Fatalf("prefix %d: ok = %v, want %v", i+1, gotOK, wantOK)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("prefix %d mismatch (-observe +evaluate):\n%s", i+1, diff)
		}
	}
}

func TestEvaluate_WorkerScenario(t *testing.T) {
	gy := []int32{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 50, 50, 50, 50, 50, 50, 50, 50, 50, 50, 50}
	ev, ok, err := Evaluate(gy, motion.AxisGY, Params{WindowSize: 10, Threshold: 25})
	if err != nil || !ok {
		t.Fatalf("Evaluate: ok=%v err=%v", ok, err)
	}
	if !ev.Triggered {
		t.Errorf("expected trigger, got %+v", ev)
	}
	if ev.PreviousAverage != 1 || ev.CurrentAverage != 50 {
		t.Errorf("averages = %f/%f, want 1/50", ev.PreviousAverage, ev.CurrentAverage)
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"valid", Params{WindowSize: 10, Threshold: 50}, false},
		{"zero window", Params{WindowSize: 0, Threshold: 50}, true},
		{"negative threshold", Params{WindowSize: 10, Threshold: -1}, true},
		{"negative max samples", Params{WindowSize: 10, MaxSamples: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
