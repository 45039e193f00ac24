package acquire

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"e4990a-acquire/internal/config"
	"e4990a-acquire/internal/matfile"
	"e4990a-acquire/internal/visa"
)

// fakeSession simulates an E4990A for executor tests. Responses follow the
// configured sweep plan; opcErr, when set, is returned for every *OPC? query
// to model an instrument that never reports completion.
type fakeSession struct {
	axis          []float64
	compAxis      []float64 // nil means same as axis
	segmentPoints int
	opcErr        error
	trace         []float64 // nil means a generated R/X ramp
	writes        []string
	closed        bool
}

func (f *fakeSession) Resource() string { return "fake" }

func (f *fakeSession) Write(cmd string) error {
	f.writes = append(f.writes, cmd)
	return nil
}

func (f *fakeSession) Query(cmd string) (string, error) {
	switch cmd {
	case "*IDN?":
		return "Keysight Technologies,E4990A,MY54100123,A.01.10", nil
	case "*OPT?":
		return "002", nil
	case "*OPC?":
		if f.opcErr != nil {
			return "", f.opcErr
		}
		return "1", nil
	case ":SENS:FIXT:SEL?":
		return "FIXT16047A", nil
	case ":SENS1:CORR2:OPEN?", ":SENS1:CORR2:SHOR?":
		return "1", nil
	case ":SENS1:SEGM:SWE:POIN?":
		return itoa(f.segmentPoints), nil
	case ":SENS1:CORR2:ZME:OPEN:POIN?":
		return itoa(len(f.compFrequencies())), nil
	case ":SENS1:DC:MEAS:DATA:DCI?":
		return "0.00125", nil
	case ":SENS1:DC:MEAS:DATA:DCV?":
		return "1.5", nil
	case ":SYST:ERR?":
		return `0,"No error"`, nil
	}
	return "", errors.New("unexpected query: " + cmd)
}

func (f *fakeSession) QueryValues(cmd string) ([]float64, error) {
	switch cmd {
	case ":SENS1:FREQ:DATA?":
		return f.axis, nil
	case ":SENS1:CORR2:ZME:OPEN:FREQ?":
		return f.compFrequencies(), nil
	case ":SENS1:CORR2:ZME:OPEN:DATA?", ":SENS1:CORR2:ZME:SHOR:DATA?":
		return make([]float64, 2*len(f.axis)), nil
	case ":CALC1:DATA:RDAT?":
		if f.trace != nil {
			return f.trace, nil
		}
		trace := make([]float64, 2*len(f.axis))
		for i := range f.axis {
			trace[2*i] = 100 + float64(i)
			trace[2*i+1] = -float64(i)
		}
		return trace, nil
	}
	return nil, errors.New("unexpected values query: " + cmd)
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSession) compFrequencies() []float64 {
	if f.compAxis != nil {
		return f.compAxis
	}
	return f.axis
}

func (f *fakeSession) wrote(cmd string) bool {
	for _, w := range f.writes {
		if w == cmd {
			return true
		}
	}
	return false
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func testConfig(plan config.Plan) *config.Config {
	return &config.Config{
		Sweep: config.Sweep{
			Plan:              plan,
			MeasurementSpeed:  1,
			SweepAverages:     1,
			PointAverages:     1,
			OscillatorVoltage: 0.5,
			Intervals:         1,
		},
		Output: config.Output{Directory: "."},
	}
}

func fastExecutor(session visa.Session, cfg *config.Config) *Executor {
	e := NewExecutor(session, cfg)
	e.opcRetries = 2
	e.opcBackoff = time.Millisecond
	e.opcMaxDelay = 2 * time.Millisecond
	e.opcBudget = 250 * time.Millisecond
	return e
}

func TestRunSweepUniform(t *testing.T) {
	plan := config.UniformPlan{Start: 500e3, Stop: 5e6, Points: 401}
	session := &fakeSession{axis: plan.FrequencyAxis()}
	executor := fastExecutor(session, testConfig(plan))

	m, err := executor.RunSweep(context.Background(), "test")
	if err != nil {
		t.Fatalf("RunSweep failed: %v", err)
	}

	if len(m.Frequency) != 401 {
		t.Fatalf("Expected 401 frequency points, got %d", len(m.Frequency))
	}
	if m.Frequency[0] != 500e3 {
		t.Errorf("First frequency = %g, want 500e3", m.Frequency[0])
	}
	if m.Frequency[400] != 5e6 {
		t.Errorf("Last frequency = %g, want 5e6", m.Frequency[400])
	}
	if len(m.R) != 1 || len(m.R[0]) != 401 {
		t.Errorf("Unexpected R shape: %d intervals x %d points", len(m.R), len(m.R[0]))
	}
	if len(m.X) != 1 || len(m.X[0]) != 401 {
		t.Errorf("Unexpected X shape: %d intervals", len(m.X))
	}
	if len(m.BiasCurrentMeas) != 0 {
		t.Errorf("Expected no bias measurements with bias disabled, got %d", len(m.BiasCurrentMeas))
	}

	// The DC bias source must be off when the run ends.
	if !session.wrote(":SOUR:BIAS:STAT OFF") {
		t.Error("Bias source was not switched off after the sweep")
	}
	if !session.wrote(":SENS1:SWE:TYPE LIN") {
		t.Error("Sweep type was not configured for a uniform plan")
	}
}

func TestRunSweepSegmented(t *testing.T) {
	plan := config.SegmentedPlan{Segments: []config.Segment{
		{Start: 500e3, Stop: 1e6, Points: 201},
		{Start: 1e6, Stop: 5e6, Points: 200},
	}}
	session := &fakeSession{axis: plan.FrequencyAxis(), segmentPoints: plan.TotalPoints()}
	executor := fastExecutor(session, testConfig(plan))

	m, err := executor.RunSweep(context.Background(), "test")
	if err != nil {
		t.Fatalf("RunSweep failed: %v", err)
	}

	if len(m.Frequency) != 401 {
		t.Fatalf("Expected 401 points (sum of segments), got %d", len(m.Frequency))
	}
	for i := 1; i < len(m.Frequency); i++ {
		if m.Frequency[i] < m.Frequency[i-1] {
			t.Fatalf("Frequency axis decreasing at %d", i)
		}
	}
	if !session.wrote(":SENS1:SWE:TYPE SEGM") {
		t.Error("Sweep type was not configured for a segmented plan")
	}
}

func TestRunSweepSegmentPointMismatch(t *testing.T) {
	plan := config.SegmentedPlan{Segments: []config.Segment{
		{Start: 500e3, Stop: 1e6, Points: 201},
	}}
	// Instrument disagrees about the acquired point count.
	session := &fakeSession{axis: plan.FrequencyAxis(), segmentPoints: 200}
	executor := fastExecutor(session, testConfig(plan))

	_, err := executor.RunSweep(context.Background(), "test")
	var ierr *InstrumentError
	if !errors.As(err, &ierr) {
		t.Fatalf("Expected InstrumentError for point mismatch, got %v", err)
	}
}

func TestRunSweepWithBiasMeasurement(t *testing.T) {
	plan := config.UniformPlan{Start: 500e3, Stop: 5e6, Points: 11}
	cfg := testConfig(plan)
	cfg.Sweep.BiasVoltage = 1.5
	cfg.Sweep.Intervals = 3
	session := &fakeSession{axis: plan.FrequencyAxis()}
	executor := fastExecutor(session, cfg)

	m, err := executor.RunSweep(context.Background(), "test")
	if err != nil {
		t.Fatalf("RunSweep failed: %v", err)
	}

	if len(m.R) != 3 {
		t.Fatalf("Expected 3 intervals, got %d", len(m.R))
	}
	if len(m.BiasCurrentMeas) != 3 || len(m.BiasVoltageMeas) != 3 {
		t.Fatalf("Expected 3 bias measurements, got %d/%d",
			len(m.BiasCurrentMeas), len(m.BiasVoltageMeas))
	}
	if !session.wrote(":SOUR:BIAS:STAT ON") {
		t.Error("Bias source was not enabled")
	}
	if !session.wrote(":SOUR:BIAS:STAT OFF") {
		t.Error("Bias source was not switched off afterwards")
	}
}

func TestRunSweepShortTraceFails(t *testing.T) {
	plan := config.UniformPlan{Start: 500e3, Stop: 5e6, Points: 401}
	session := &fakeSession{
		axis:  plan.FrequencyAxis(),
		trace: make([]float64, 100), // truncated response
	}
	executor := fastExecutor(session, testConfig(plan))

	_, err := executor.RunSweep(context.Background(), "test")
	var ierr *InstrumentError
	if !errors.As(err, &ierr) {
		t.Fatalf("Expected InstrumentError for short trace, got %v", err)
	}
}

func TestRunSweepCompensationMismatch(t *testing.T) {
	plan := config.UniformPlan{Start: 500e3, Stop: 5e6, Points: 401}
	stale := config.UniformPlan{Start: 100e3, Stop: 1e6, Points: 401}
	session := &fakeSession{
		axis:     plan.FrequencyAxis(),
		compAxis: stale.FrequencyAxis(),
	}
	executor := fastExecutor(session, testConfig(plan))

	_, err := executor.RunSweep(context.Background(), "test")
	var ierr *InstrumentError
	if !errors.As(err, &ierr) {
		t.Fatalf("Expected InstrumentError for stale compensation, got %v", err)
	}
}

func TestOperationCompleteTimeoutIsBounded(t *testing.T) {
	plan := config.UniformPlan{Start: 500e3, Stop: 5e6, Points: 11}
	session := &fakeSession{
		axis:   plan.FrequencyAxis(),
		opcErr: &visa.ConnectionError{Resource: "fake", Err: os.ErrDeadlineExceeded},
	}
	executor := fastExecutor(session, testConfig(plan))

	start := time.Now()
	_, err := executor.RunSweep(context.Background(), "test")
	elapsed := time.Since(start)

	var ierr *InstrumentError
	if !errors.As(err, &ierr) {
		t.Fatalf("Expected InstrumentError after bounded retries, got %v", err)
	}
	// The poll loop must give up within its budget instead of hanging.
	if elapsed > 2*time.Second {
		t.Fatalf("Poll loop took %v, expected bounded wait", elapsed)
	}
}

func TestOperationCompleteBudgetExhaustion(t *testing.T) {
	// An instrument that keeps answering "not complete" must trip the
	// overall budget, not loop forever.
	plan := config.UniformPlan{Start: 500e3, Stop: 5e6, Points: 11}
	session := &stalledSession{fakeSession: fakeSession{axis: plan.FrequencyAxis()}}
	executor := fastExecutor(session, testConfig(plan))
	executor.opcBudget = 50 * time.Millisecond

	start := time.Now()
	_, err := executor.RunSweep(context.Background(), "test")
	elapsed := time.Since(start)

	var ierr *InstrumentError
	if !errors.As(err, &ierr) {
		t.Fatalf("Expected InstrumentError on budget exhaustion, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Poll loop took %v, expected bounded wait", elapsed)
	}
}

// stalledSession reports the sweep as never complete.
type stalledSession struct {
	fakeSession
}

func (s *stalledSession) Query(cmd string) (string, error) {
	if cmd == "*OPC?" {
		return "0", nil
	}
	return s.fakeSession.Query(cmd)
}

func TestFixtureCompensationProcedure(t *testing.T) {
	plan := config.UniformPlan{Start: 500e3, Stop: 5e6, Points: 401}
	session := &fakeSession{axis: plan.FrequencyAxis()}
	executor := fastExecutor(session, testConfig(plan))

	var prompts []string
	prompt := func(message string) error {
		prompts = append(prompts, message)
		return nil
	}

	if err := executor.RunFixtureCompensation(context.Background(), prompt); err != nil {
		t.Fatalf("RunFixtureCompensation failed: %v", err)
	}

	if len(prompts) != 2 {
		t.Fatalf("Expected 2 operator prompts, got %d", len(prompts))
	}
	if !strings.Contains(prompts[0], "OPEN") || !strings.Contains(prompts[1], "SHORT") {
		t.Errorf("Unexpected prompt order: %v", prompts)
	}
	if !session.wrote(":SENS1:CORR2:COLL:ACQ:OPEN") {
		t.Error("Open compensation was not acquired")
	}
	if !session.wrote(":SENS1:CORR2:COLL:ACQ:SHOR") {
		t.Error("Short compensation was not acquired")
	}
	// The short correction requires a 500 mV oscillator level.
	if !session.wrote(":SOUR1:VOLT 0.5") {
		t.Error("Oscillator voltage was not set for compensation")
	}
}

func TestFixtureCompensationAborted(t *testing.T) {
	plan := config.UniformPlan{Start: 500e3, Stop: 5e6, Points: 401}
	session := &fakeSession{axis: plan.FrequencyAxis()}
	executor := fastExecutor(session, testConfig(plan))

	abort := errors.New("operator aborted")
	err := executor.RunFixtureCompensation(context.Background(), func(string) error {
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("Expected abort error to propagate, got %v", err)
	}
	if session.wrote(":SENS1:CORR2:COLL:ACQ:OPEN") {
		t.Error("Compensation must not be acquired after an aborted prompt")
	}
}

func TestSaveAndReadBack(t *testing.T) {
	plan := config.UniformPlan{Start: 500e3, Stop: 5e6, Points: 401}
	cfg := testConfig(plan)
	cfg.Sweep.Intervals = 2
	session := &fakeSession{axis: plan.FrequencyAxis()}
	executor := fastExecutor(session, cfg)

	m, err := executor.RunSweep(context.Background(), "test-version")
	if err != nil {
		t.Fatalf("RunSweep failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "out", "run.mat")
	if err := Save(path, m); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	elements, err := matfile.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	freq := elements["Frequency"]
	if len(freq.Values) != 401 {
		t.Fatalf("Expected 401 frequency values, got %d", len(freq.Values))
	}
	if freq.Values[0] != 500e3 || freq.Values[400] != 5e6 {
		t.Errorf("Frequency endpoints = %g..%g, want 500e3..5e6",
			freq.Values[0], freq.Values[400])
	}

	r := elements["R"]
	if r.Rows != 401 || r.Cols != 2 {
		t.Errorf("R dims = %dx%d, want 401x2", r.Rows, r.Cols)
	}

	// Compensation traces are complex columns, one value per point.
	cmp := elements["FixtureCmpOpenImpedance"]
	if cmp.Rows != 401 || cmp.Cols != 1 {
		t.Errorf("FixtureCmpOpenImpedance dims = %dx%d, want 401x1", cmp.Rows, cmp.Cols)
	}
	if len(cmp.Imag) != 401 {
		t.Errorf("FixtureCmpOpenImpedance has %d imaginary values, want 401", len(cmp.Imag))
	}
	if elements["acqProgramVersion"].Str != "test-version" {
		t.Errorf("acqProgramVersion = %q", elements["acqProgramVersion"].Str)
	}
	if !elements["biasVoltage"].IsScalar() {
		t.Error("biasVoltage is not a scalar")
	}
}

func TestCancelledContextStopsSweep(t *testing.T) {
	plan := config.UniformPlan{Start: 500e3, Stop: 5e6, Points: 11}
	cfg := testConfig(plan)
	cfg.Sweep.Intervals = 5
	session := &fakeSession{axis: plan.FrequencyAxis()}
	executor := fastExecutor(session, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := executor.RunSweep(ctx, "test")
	if err == nil {
		t.Fatal("Expected cancelled context to abort the sweep")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled in chain, got %v", err)
	}
}
