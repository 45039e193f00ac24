// Package acquire drives the E4990A through a sweep: instrument setup,
// triggering, completion polling, trace retrieval and result persistence.
package acquire

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"e4990a-acquire/internal/config"
	"e4990a-acquire/internal/visa"
)

// InstrumentError reports a device fault or a malformed instrument response.
type InstrumentError struct {
	Code    int
	Message string
}

func (e *InstrumentError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("instrument error %d: %s", e.Code, e.Message)
	}
	return "instrument error: " + e.Message
}

func instrumentErrorf(format string, args ...interface{}) error {
	return &InstrumentError{Message: fmt.Sprintf(format, args...)}
}

// Measurement holds the data of one completed acquisition. R and X are
// stored per interval; every point-indexed slice has the same length as the
// frequency axis.
type Measurement struct {
	Identity          string    // *IDN? response
	Timestamp         time.Time // Acquisition start
	ProgramVersion    string
	Frequency         []float64   // Hz, as reported by the instrument
	R                 [][]float32 // [interval][point] resistance
	X                 [][]float32 // [interval][point] reactance
	AcquisitionTimes  []time.Duration
	BiasVoltage       float64
	BiasCurrentMeas   []float32 // per interval, empty when bias disabled
	BiasVoltageMeas   []float32 // per interval, empty when bias disabled
	OscillatorVoltage float64
	MeasurementSpeed  int
	SweepAverages     int
	PointAverages     int
	Fixture           string
	OpenCmpStatus     int
	ShortCmpStatus    int
	OpenCmpImpedance  []float32 // interleaved re,im pairs
	ShortCmpImpedance []float32 // interleaved re,im pairs
}

// PromptFunc asks the operator to perform a manual step and returns once
// they confirm.
type PromptFunc func(message string) error

// Executor runs sweeps and fixture compensation against an open session.
type Executor struct {
	session visa.Session
	cfg     *config.Config
	verbose bool

	// Operation-complete polling knobs, overridable in tests.
	opcRetries  int           // attempts after a timed-out query
	opcBackoff  time.Duration // initial delay between attempts
	opcMaxDelay time.Duration // backoff cap
	opcBudget   time.Duration // bound on the total wait

	sleep func(time.Duration)
	now   func() time.Time
}

// NewExecutor wraps an open session with the configured sweep parameters.
func NewExecutor(session visa.Session, cfg *config.Config) *Executor {
	return &Executor{
		session:     session,
		cfg:         cfg,
		opcRetries:  3,
		opcBackoff:  100 * time.Millisecond,
		opcMaxDelay: 2 * time.Second,
		opcBudget:   60 * time.Second,
		sleep:       time.Sleep,
		now:         time.Now,
	}
}

// SetVerbose enables per-command progress output.
func (e *Executor) SetVerbose(verbose bool) { e.verbose = verbose }

// RunSweep configures the instrument from the sweep plan, runs the interval
// loop and returns the assembled measurement. The bias source is switched
// off before returning, even on error.
func (e *Executor) RunSweep(ctx context.Context, programVersion string) (m *Measurement, err error) {
	defer func() {
		// Never leave the DC bias energized after a run.
		if werr := e.session.Write(":SOUR:BIAS:STAT OFF"); werr != nil && err == nil {
			err = werr
		}
	}()

	idn, err := e.session.Query("*IDN?")
	if err != nil {
		return nil, err
	}
	fmt.Printf("%s\n", idn)
	opt, err := e.session.Query("*OPT?")
	if err != nil {
		return nil, err
	}
	fmt.Printf("Options installed: %s\n", opt)

	if err := e.session.Write("*CLS"); err != nil {
		return nil, err
	}

	fixture, err := e.session.Query(":SENS:FIXT:SEL?")
	if err != nil {
		return nil, err
	}
	fmt.Printf("Fixture: %s\n", fixture)

	openStatus, err := e.queryInt(":SENS1:CORR2:OPEN?")
	if err != nil {
		return nil, err
	}
	shortStatus, err := e.queryInt(":SENS1:CORR2:SHOR?")
	if err != nil {
		return nil, err
	}
	fmt.Printf("Fixture compensation status:\n")
	fmt.Printf("\tOpen: %s\n", onOff(openStatus))
	fmt.Printf("\tShort: %s\n", onOff(shortStatus))

	points, err := e.configureSweep()
	if err != nil {
		return nil, err
	}

	axis, err := e.session.QueryValues(":SENS1:FREQ:DATA?")
	if err != nil {
		return nil, err
	}
	if len(axis) != points {
		return nil, instrumentErrorf(
			"instrument reported %d frequency points, sweep plan defines %d", len(axis), points)
	}

	openImp, shortImp, err := e.fetchCompensationData(axis)
	if err != nil {
		return nil, err
	}

	if err := e.configureOscillatorVoltage(e.cfg.Sweep.OscillatorVoltage); err != nil {
		return nil, err
	}
	biasEnabled := e.cfg.Sweep.BiasVoltage != 0
	if biasEnabled {
		if err := e.writeAll(
			":SOUR1:BIAS:MODE VOLT",
			fmt.Sprintf(":SOUR1:BIAS:VOLT %g", e.cfg.Sweep.BiasVoltage),
			":SOUR:BIAS:STAT ON",
			":SENS1:DC:MEAS:ENAB ON",
		); err != nil {
			return nil, err
		}
	} else if err := e.session.Write(":SENS1:DC:MEAS:ENAB OFF"); err != nil {
		return nil, err
	}

	// Peak marker on the active trace.
	if err := e.writeAll(":CALC1:MARK1 ON", ":CALC1:MARK1:FUNC:TYPE PEAK"); err != nil {
		return nil, err
	}

	m = &Measurement{
		Identity:          idn,
		Timestamp:         e.now(),
		ProgramVersion:    programVersion,
		Frequency:         axis,
		R:                 make([][]float32, e.cfg.Sweep.Intervals),
		X:                 make([][]float32, e.cfg.Sweep.Intervals),
		AcquisitionTimes:  make([]time.Duration, e.cfg.Sweep.Intervals),
		BiasVoltage:       e.cfg.Sweep.BiasVoltage,
		OscillatorVoltage: e.cfg.Sweep.OscillatorVoltage,
		MeasurementSpeed:  e.cfg.Sweep.MeasurementSpeed,
		SweepAverages:     e.cfg.Sweep.SweepAverages,
		PointAverages:     e.cfg.Sweep.PointAverages,
		Fixture:           fixture,
		OpenCmpStatus:     openStatus,
		ShortCmpStatus:    shortStatus,
		OpenCmpImpedance:  openImp,
		ShortCmpImpedance: shortImp,
	}

	startTime := e.now()
	for i := 0; i < e.cfg.Sweep.Intervals; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("acquisition cancelled: %w", err)
		}
		if biasEnabled {
			if err := e.session.Write(":SENS1:DC:MEAS:CLE"); err != nil {
				return nil, err
			}
		}

		acqStart := e.now()
		if err := e.session.Write(":TRIG:SING"); err != nil {
			return nil, err
		}
		if err := e.waitOperationComplete(ctx); err != nil {
			return nil, err
		}
		m.AcquisitionTimes[i] = e.now().Sub(acqStart)
		fmt.Printf("Acquisition time is %d ms\n", m.AcquisitionTimes[i].Milliseconds())

		if err := e.writeAll(
			":DISP:WIND1:TRAC1:Y:AUTO",
			":DISP:WIND1:TRAC2:Y:AUTO",
			":CALC1:MARK1:FUNC:EXEC",
		); err != nil {
			return nil, err
		}

		trace, err := e.session.QueryValues(":CALC1:DATA:RDAT?")
		if err != nil {
			return nil, err
		}
		r, x, err := deinterleaveTrace(trace, points)
		if err != nil {
			return nil, err
		}
		m.R[i], m.X[i] = r, x

		if biasEnabled {
			current, err := e.queryFloat(":SENS1:DC:MEAS:DATA:DCI?")
			if err != nil {
				return nil, err
			}
			voltage, err := e.queryFloat(":SENS1:DC:MEAS:DATA:DCV?")
			if err != nil {
				return nil, err
			}
			m.BiasCurrentMeas = append(m.BiasCurrentMeas, float32(current))
			m.BiasVoltageMeas = append(m.BiasVoltageMeas, float32(voltage))
		}

		if e.cfg.Sweep.IntervalPeriod != 0 && i < e.cfg.Sweep.Intervals-1 {
			period := time.Duration(e.cfg.Sweep.IntervalPeriod * float64(time.Second))
			wakeAt := startTime.Add(time.Duration(i+1) * period)
			sleepFor := wakeAt.Sub(e.now())
			if sleepFor < 0 {
				return nil, instrumentErrorf("interval_period %.2fs is shorter than the acquisition",
					e.cfg.Sweep.IntervalPeriod)
			}
			fmt.Printf("Sleeping for %.2f s\n", sleepFor.Seconds())
			e.sleep(sleepFor)
		}
	}

	if err := e.checkInstrumentError(); err != nil {
		return nil, err
	}
	return m, nil
}

// configureSweep downloads the frequency plan and the averaging/aperture
// settings, and returns the plan's point count after verifying the
// instrument agrees with it.
func (e *Executor) configureSweep() (int, error) {
	if err := e.writeAll(
		":INIT1:CONT ON",
		":TRIG:SOUR BUS",
		":CALC1:PAR1:DEF R",
		":CALC1:PAR2:DEF X",
	); err != nil {
		return 0, err
	}

	var points int
	switch plan := e.cfg.Sweep.Plan.(type) {
	case config.SegmentedPlan:
		if err := e.session.Write(":SENS1:SWE:TYPE SEGM"); err != nil {
			return 0, err
		}
		// Segment table header: standard 7-field format, then the count
		// and the flat triplet list.
		cmd := fmt.Sprintf(":SENS1:SEGM:DATA 7,0,0,0,0,0,0,0,%d,%s",
			len(plan.Segments), plan.SCPIData())
		if err := e.session.Write(cmd); err != nil {
			return 0, err
		}
		points = plan.TotalPoints()
		reported, err := e.queryInt(":SENS1:SEGM:SWE:POIN?")
		if err != nil {
			return 0, err
		}
		if reported != points {
			return 0, instrumentErrorf(
				"segment table defines %d points but instrument will acquire %d", points, reported)
		}
		if err := e.session.Write(":DISP:WIND1:X:SPAC LIN"); err != nil {
			return 0, err
		}
	case config.UniformPlan:
		if err := e.writeAll(
			":SENS1:SWE:TYPE LIN",
			fmt.Sprintf(":SENS1:FREQ:START %g", plan.Start),
			fmt.Sprintf(":SENS1:FREQ:STOP %g", plan.Stop),
			fmt.Sprintf(":SENS1:SWE:POIN %d", plan.Points),
		); err != nil {
			return 0, err
		}
		points = plan.Points
	default:
		return 0, fmt.Errorf("unsupported sweep plan %T", plan)
	}

	if err := e.writeAll(
		fmt.Sprintf(":SENS1:AVER:COUN %d", e.cfg.Sweep.PointAverages),
		":SENS1:AVER:STAT ON",
		fmt.Sprintf(":SENS1:APER:TIME %d", e.cfg.Sweep.MeasurementSpeed),
	); err != nil {
		return 0, err
	}

	if e.cfg.Sweep.SweepAverages > 1 {
		if err := e.writeAll(
			":TRIG:SEQ:AVER ON",
			":CALC1:AVER ON",
			fmt.Sprintf(":CALC1:AVER:COUN %d", e.cfg.Sweep.SweepAverages),
		); err != nil {
			return 0, err
		}
	} else if err := e.session.Write(":CALC1:AVER OFF"); err != nil {
		return 0, err
	}
	return points, nil
}

// fetchCompensationData verifies the stored fixture compensation matches the
// sweep axis and returns the stored OPEN and SHORT impedance traces. The
// OPEN frequencies are checked and the SHORT set is assumed identical.
func (e *Executor) fetchCompensationData(axis []float64) (open, short []float32, err error) {
	cmpFreqs, err := e.session.QueryValues(":SENS1:CORR2:ZME:OPEN:FREQ?")
	if err != nil {
		return nil, nil, err
	}
	cmpPoints, err := e.queryInt(":SENS1:CORR2:ZME:OPEN:POIN?")
	if err != nil {
		return nil, nil, err
	}
	if cmpPoints != len(axis) || !equalAxes(cmpFreqs, axis) {
		return nil, nil, instrumentErrorf(
			"fixture compensation data is not valid for the sweep frequency range")
	}

	openValues, err := e.session.QueryValues(":SENS1:CORR2:ZME:OPEN:DATA?")
	if err != nil {
		return nil, nil, err
	}
	shortValues, err := e.session.QueryValues(":SENS1:CORR2:ZME:SHOR:DATA?")
	if err != nil {
		return nil, nil, err
	}
	return toFloat32(openValues), toFloat32(shortValues), nil
}

// waitOperationComplete polls *OPC? with capped exponential backoff. The
// total wait is bounded: a fixed number of timed-out queries or the overall
// budget, whichever trips first, fails the acquisition instead of hanging.
func (e *Executor) waitOperationComplete(ctx context.Context) error {
	deadline := e.now().Add(e.opcBudget)
	delay := e.opcBackoff
	timeouts := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("operation-complete wait cancelled: %w", err)
		}
		resp, err := e.session.Query("*OPC?")
		if err == nil {
			if strings.TrimSpace(resp) == "1" {
				return nil
			}
			// Not complete yet; fall through to the backoff sleep.
		} else if visa.IsTimeout(err) {
			timeouts++
			if timeouts > e.opcRetries {
				return &InstrumentError{Message: fmt.Sprintf(
					"sweep did not complete after %d timed-out status queries", timeouts)}
			}
		} else {
			return err
		}
		if e.now().Add(delay).After(deadline) {
			return &InstrumentError{Message: fmt.Sprintf(
				"sweep did not complete within %v", e.opcBudget)}
		}
		e.sleep(delay)
		if delay *= 2; delay > e.opcMaxDelay {
			delay = e.opcMaxDelay
		}
	}
}

// checkInstrumentError drains the instrument error queue and surfaces the
// first reported fault.
func (e *Executor) checkInstrumentError() error {
	resp, err := e.session.Query(":SYST:ERR?")
	if err != nil {
		return err
	}
	code, message := parseSystemError(resp)
	if code != 0 {
		return &InstrumentError{Code: code, Message: message}
	}
	return nil
}

// parseSystemError splits the `<code>,"<message>"` response of :SYST:ERR?.
func parseSystemError(resp string) (int, string) {
	parts := strings.SplitN(resp, ",", 2)
	code, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, ""
	}
	message := ""
	if len(parts) == 2 {
		message = strings.Trim(strings.TrimSpace(parts[1]), `"`)
	}
	return code, message
}

func (e *Executor) configureOscillatorVoltage(volt float64) error {
	return e.writeAll(":SOUR1:MODE VOLT", fmt.Sprintf(":SOUR1:VOLT %g", volt))
}

// RunFixtureCompensation executes the guided OPEN/SHORT compensation
// procedure, prompting the operator between the two acquisitions.
func (e *Executor) RunFixtureCompensation(ctx context.Context, prompt PromptFunc) error {
	if err := e.session.Write(":SYST:PRES"); err != nil {
		return err
	}
	if _, err := e.configureSweep(); err != nil {
		return err
	}
	if err := e.session.Write(":SENS1:CORR:COLL:FPO USER"); err != nil {
		return err
	}
	// The service manual calls for a 500 mV oscillator level during the
	// short correction.
	if err := e.configureOscillatorVoltage(0.5); err != nil {
		return err
	}
	fmt.Println("Starting fixture compensation procedure")

	if err := prompt("Put the test fixture's device contacts in the OPEN state"); err != nil {
		return err
	}
	if err := e.session.Write(":SENS1:CORR2:COLL:ACQ:OPEN"); err != nil {
		return err
	}
	if err := e.waitOperationComplete(ctx); err != nil {
		return err
	}

	if err := prompt("Put the test fixture's device contacts in the SHORT state"); err != nil {
		return err
	}
	if err := e.session.Write(":SENS1:CORR2:COLL:ACQ:SHOR"); err != nil {
		return err
	}
	if err := e.waitOperationComplete(ctx); err != nil {
		return err
	}
	return e.checkInstrumentError()
}

func (e *Executor) writeAll(cmds ...string) error {
	for _, cmd := range cmds {
		if e.verbose {
			fmt.Printf("> %s\n", cmd)
		}
		if err := e.session.Write(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) queryInt(cmd string) (int, error) {
	resp, err := e.session.Query(cmd)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, instrumentErrorf("malformed response to %s: %q", cmd, resp)
	}
	return int(f), nil
}

func (e *Executor) queryFloat(cmd string) (float64, error) {
	resp, err := e.session.Query(cmd)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, instrumentErrorf("malformed response to %s: %q", cmd, resp)
	}
	return f, nil
}

// deinterleaveTrace splits the interleaved R,X response into its two
// components, validating the length against the sweep plan.
func deinterleaveTrace(trace []float64, points int) (r, x []float32, err error) {
	if len(trace) != 2*points {
		return nil, nil, instrumentErrorf(
			"trace data has %d values, expected %d for %d points", len(trace), 2*points, points)
	}
	r = make([]float32, points)
	x = make([]float32, points)
	for i := 0; i < points; i++ {
		r[i] = float32(trace[2*i])
		x[i] = float32(trace[2*i+1])
	}
	return r, x, nil
}

func equalAxes(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toFloat32(values []float64) []float32 {
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v)
	}
	return out
}

func onOff(status int) string {
	if status != 0 {
		return "ON"
	}
	return "OFF"
}
