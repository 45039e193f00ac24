// Package config loads and validates the INI acquisition configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// DefaultFilename is the configuration file used when --config is not given.
const DefaultFilename = "e4990a.ini"

//go:embed template.ini
var templateINI []byte

// ValidationError reports a malformed or contradictory configuration.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + e.Msg
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Config represents the complete acquisition configuration.
type Config struct {
	Resource Resource
	Sweep    Sweep
	Output   Output
}

// Resource selects how the instrument is reached. Exactly one of IPAddress
// or a USB serial connection is used; setting both is a validation error.
type Resource struct {
	IPAddress string // Instrument LAN address (SCPI raw socket)
	USBPort   string // Serial port device path; empty means auto-discover
}

// Sweep contains the sweep plan and the acquisition parameters applied to
// the instrument before triggering.
type Sweep struct {
	Plan              Plan    // Uniform or segmented frequency plan
	MeasurementSpeed  int     // Aperture setting, 1 (fastest) to 5 (most accurate)
	SweepAverages     int     // Sweep-to-sweep averaging count
	PointAverages     int     // Per-point averaging count
	OscillatorVoltage float64 // Oscillator level in Volts
	BiasVoltage       float64 // DC bias in Volts; 0 disables the bias source
	Intervals         int     // Number of repeated sweeps in one run
	IntervalPeriod    float64 // Seconds between sweep starts; 0 = back to back
}

// Output contains result file settings.
type Output struct {
	Directory string // Directory for relative output filenames
}

// Plan is the sweep frequency plan: either a single uniform range or an
// ordered list of segments.
type Plan interface {
	// TotalPoints is the number of points the instrument will acquire.
	TotalPoints() int
	// FrequencyAxis computes the axis the instrument is expected to report.
	FrequencyAxis() []float64
	// Describe returns a short operator-facing summary.
	Describe() string
}

// UniformPlan sweeps a single linear range.
type UniformPlan struct {
	Start  float64 // Hz
	Stop   float64 // Hz
	Points int
}

func (p UniformPlan) TotalPoints() int { return p.Points }

func (p UniformPlan) FrequencyAxis() []float64 {
	return linspace(p.Start, p.Stop, p.Points)
}

func (p UniformPlan) Describe() string {
	return fmt.Sprintf("uniform sweep %.6g Hz .. %.6g Hz, %d points", p.Start, p.Stop, p.Points)
}

// Segment is one sub-range of a segmented sweep.
type Segment struct {
	Start  float64 // Hz
	Stop   float64 // Hz
	Points int
}

// SegmentedPlan sweeps an ordered sequence of segments.
type SegmentedPlan struct {
	Segments []Segment
}

func (p SegmentedPlan) TotalPoints() int {
	n := 0
	for _, s := range p.Segments {
		n += s.Points
	}
	return n
}

func (p SegmentedPlan) FrequencyAxis() []float64 {
	axis := make([]float64, 0, p.TotalPoints())
	for _, s := range p.Segments {
		axis = append(axis, linspace(s.Start, s.Stop, s.Points)...)
	}
	return axis
}

func (p SegmentedPlan) Describe() string {
	return fmt.Sprintf("segmented sweep, %d segments, %d points", len(p.Segments), p.TotalPoints())
}

// SCPIData renders the segment list as the flat start,stop,points triplets
// used by the segment table download command.
func (p SegmentedPlan) SCPIData() string {
	parts := make([]string, 0, len(p.Segments)*3)
	for _, s := range p.Segments {
		parts = append(parts, formatHz(s.Start), formatHz(s.Stop), strconv.Itoa(s.Points))
	}
	return strings.Join(parts, ",")
}

func formatHz(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func linspace(start, stop float64, n int) []float64 {
	axis := make([]float64, n)
	if n == 1 {
		axis[0] = start
		return axis
	}
	step := (stop - start) / float64(n-1)
	for i := range axis {
		axis[i] = start + float64(i)*step
	}
	// Pin the endpoint so rounding never shifts the last frequency.
	axis[n-1] = stop
	return axis
}

// EnsureDefault writes the embedded template to path if no file exists there.
// It reports whether the file was created.
func EnsureDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := os.WriteFile(path, templateINI, 0644); err != nil {
		return false, fmt.Errorf("failed to write default config: %w", err)
	}
	return true, nil
}

// Load parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	v.SetDefault("sweep.measurement_speed", 1)
	v.SetDefault("sweep.number_of_sweep_averages", 1)
	v.SetDefault("sweep.number_of_point_averages", 1)
	v.SetDefault("sweep.oscillator_voltage", 0.5)
	v.SetDefault("sweep.bias_voltage", 0)
	v.SetDefault("sweep.number_of_intervals", 1)
	v.SetDefault("sweep.interval_period", 0)
	v.SetDefault("output.directory", ".")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &Config{}

	cfg.Resource.IPAddress = strings.TrimSpace(v.GetString("resource.ip_address"))
	cfg.Resource.USBPort = strings.TrimSpace(v.GetString("resource.usb_port"))
	if cfg.Resource.IPAddress != "" && cfg.Resource.USBPort != "" {
		return nil, validationErrorf(
			"resource section defines both ip_address and usb_port; define only one")
	}

	plan, err := parsePlan(v)
	if err != nil {
		return nil, err
	}
	cfg.Sweep.Plan = plan

	if cfg.Sweep.MeasurementSpeed, err = intField(v, "sweep.measurement_speed"); err != nil {
		return nil, err
	}
	if cfg.Sweep.MeasurementSpeed < 1 || cfg.Sweep.MeasurementSpeed > 5 {
		return nil, validationErrorf("measurement_speed must be between 1 and 5, got %d",
			cfg.Sweep.MeasurementSpeed)
	}
	if cfg.Sweep.SweepAverages, err = intField(v, "sweep.number_of_sweep_averages"); err != nil {
		return nil, err
	}
	if cfg.Sweep.PointAverages, err = intField(v, "sweep.number_of_point_averages"); err != nil {
		return nil, err
	}
	if cfg.Sweep.SweepAverages < 1 || cfg.Sweep.PointAverages < 1 {
		return nil, validationErrorf("averaging counts must be at least 1")
	}
	if cfg.Sweep.OscillatorVoltage, err = floatField(v, "sweep.oscillator_voltage"); err != nil {
		return nil, err
	}
	if cfg.Sweep.BiasVoltage, err = floatField(v, "sweep.bias_voltage"); err != nil {
		return nil, err
	}
	if cfg.Sweep.Intervals, err = intField(v, "sweep.number_of_intervals"); err != nil {
		return nil, err
	}
	if cfg.Sweep.Intervals < 1 {
		return nil, validationErrorf("number_of_intervals must be at least 1, got %d",
			cfg.Sweep.Intervals)
	}
	if cfg.Sweep.IntervalPeriod, err = floatField(v, "sweep.interval_period"); err != nil {
		return nil, err
	}
	if cfg.Sweep.IntervalPeriod < 0 {
		return nil, validationErrorf("interval_period must not be negative")
	}

	cfg.Output.Directory = v.GetString("output.directory")
	if cfg.Output.Directory == "" {
		cfg.Output.Directory = "."
	}

	return cfg, nil
}

// parsePlan decides between the uniform and segmented variants and rejects
// configurations that define both.
func parsePlan(v *viper.Viper) (Plan, error) {
	segments := strings.TrimSpace(v.GetString("sweep.segments"))
	start := strings.TrimSpace(v.GetString("sweep.start_frequency"))
	stop := strings.TrimSpace(v.GetString("sweep.stop_frequency"))
	points := strings.TrimSpace(v.GetString("sweep.number_of_points"))

	uniformGiven := start != "" || stop != "" || points != ""
	if segments != "" && uniformGiven {
		return nil, validationErrorf(
			"sweep section defines both segments and start_frequency/stop_frequency/number_of_points; define only one plan")
	}

	if segments != "" {
		return parseSegments(segments)
	}
	if start == "" || stop == "" || points == "" {
		return nil, validationErrorf(
			"sweep section must define either segments or all of start_frequency, stop_frequency and number_of_points")
	}

	startHz, err := parseFrequency("start_frequency", start)
	if err != nil {
		return nil, err
	}
	stopHz, err := parseFrequency("stop_frequency", stop)
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(points)
	if err != nil {
		return nil, validationErrorf("number_of_points %q is not an integer", points)
	}
	if n < 1 {
		return nil, validationErrorf("number_of_points must be at least 1, got %d", n)
	}
	if stopHz < startHz {
		return nil, validationErrorf("stop_frequency %s is below start_frequency %s", stop, start)
	}
	return UniformPlan{Start: startHz, Stop: stopHz, Points: n}, nil
}

// parseSegments splits a flat comma-separated list into start/stop/points
// triplets.
func parseSegments(s string) (Plan, error) {
	fields := strings.Split(s, ",")
	if len(fields)%3 != 0 {
		return nil, validationErrorf(
			"segments must be a list of start,stop,points triplets; got %d values", len(fields))
	}
	plan := SegmentedPlan{}
	for i := 0; i < len(fields); i += 3 {
		start, err := parseFrequency("segment start", fields[i])
		if err != nil {
			return nil, err
		}
		stop, err := parseFrequency("segment stop", fields[i+1])
		if err != nil {
			return nil, err
		}
		points, err := strconv.Atoi(strings.TrimSpace(fields[i+2]))
		if err != nil {
			return nil, validationErrorf("segment point count %q is not an integer", fields[i+2])
		}
		if points < 1 {
			return nil, validationErrorf("segment point count must be at least 1, got %d", points)
		}
		if stop < start {
			return nil, validationErrorf("segment stop %g Hz is below segment start %g Hz", stop, start)
		}
		plan.Segments = append(plan.Segments, Segment{Start: start, Stop: stop, Points: points})
	}
	return plan, nil
}

// parseFrequency accepts plain and scientific notation (e.g. 500e3).
func parseFrequency(field, s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, validationErrorf("%s %q is not a number", field, s)
	}
	if f < 0 {
		return 0, validationErrorf("%s must not be negative", field)
	}
	return f, nil
}

func intField(v *viper.Viper, key string) (int, error) {
	s := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, validationErrorf("%s %q is not an integer", key, s)
	}
	return n, nil
}

func floatField(v *viper.Viper, key string) (float64, error) {
	s := strings.TrimSpace(v.GetString(key))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, validationErrorf("%s %q is not a number", key, s)
	}
	return f, nil
}
