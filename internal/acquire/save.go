package acquire

import (
	"fmt"
	"time"

	"e4990a-acquire/internal/matfile"
)

// Save writes the measurement to a MAT-file at path. Array element names
// match the layout the downstream analysis scripts expect; single-precision
// data is stored as-is and widened by the reader.
func Save(path string, m *Measurement) error {
	file, err := matfile.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	f, err := matfile.NewFile(file, "E4990A acquisition")
	if err != nil {
		return err
	}

	points := len(m.Frequency)
	intervals := len(m.R)

	if err := f.WriteString("time", m.Timestamp.Format(time.RFC3339)); err != nil {
		return err
	}
	if err := f.WriteString("idn", m.Identity); err != nil {
		return err
	}
	if err := f.WriteString("acqProgramVersion", m.ProgramVersion); err != nil {
		return err
	}
	if err := f.WriteScalar("biasVoltage", m.BiasVoltage); err != nil {
		return err
	}
	if err := writeRow(f, "biasCurrentMeasurement", m.BiasCurrentMeas); err != nil {
		return err
	}
	if err := writeRow(f, "biasVoltageMeasurement", m.BiasVoltageMeas); err != nil {
		return err
	}
	if err := f.WriteScalar("oscillatorVoltage", m.OscillatorVoltage); err != nil {
		return err
	}
	if err := f.WriteScalar("measurementSpeed", float64(m.MeasurementSpeed)); err != nil {
		return err
	}
	if err := f.WriteScalar("numberOfSweepAverages", float64(m.SweepAverages)); err != nil {
		return err
	}
	if err := f.WriteScalar("numberOfPointAverages", float64(m.PointAverages)); err != nil {
		return err
	}
	if err := f.WriteScalar("openCmpStatus", float64(m.OpenCmpStatus)); err != nil {
		return err
	}
	if err := f.WriteScalar("shortCmpStatus", float64(m.ShortCmpStatus)); err != nil {
		return err
	}
	if err := f.WriteString("fixture", m.Fixture); err != nil {
		return err
	}
	if err := writeCompensation(f, "FixtureCmpOpenImpedance", m.OpenCmpImpedance); err != nil {
		return err
	}
	if err := writeCompensation(f, "FixtureCmpShortImpedance", m.ShortCmpImpedance); err != nil {
		return err
	}
	if err := f.WriteDoubleMatrix("Frequency", m.Frequency, points, 1); err != nil {
		return err
	}
	if err := f.WriteSingleMatrix("R", flatten(m.R), points, intervals); err != nil {
		return err
	}
	if err := f.WriteSingleMatrix("X", flatten(m.X), points, intervals); err != nil {
		return err
	}

	seconds := make([]float32, len(m.AcquisitionTimes))
	for i, d := range m.AcquisitionTimes {
		seconds[i] = float32(d.Seconds())
	}
	if err := writeRow(f, "acquisitionTime", seconds); err != nil {
		return err
	}
	return nil
}

// flatten lays the per-interval traces out column-major: one column per
// interval, one row per frequency point.
func flatten(rows [][]float32) []float32 {
	var out []float32
	for _, r := range rows {
		out = append(out, r...)
	}
	if out == nil {
		out = []float32{}
	}
	return out
}

// writeRow writes a 1xN single-precision row, or an empty 0x0 array when
// there is no data (bias measurement disabled).
func writeRow(f *matfile.File, name string, values []float32) error {
	if len(values) == 0 {
		return f.WriteSingleMatrix(name, []float32{}, 0, 0)
	}
	return f.WriteSingleMatrix(name, values, 1, len(values))
}

// writeCompensation writes a fixture compensation trace, received from the
// instrument as interleaved re,im pairs, as an Nx1 single-precision complex
// array.
func writeCompensation(f *matfile.File, name string, interleaved []float32) error {
	values := make([]complex64, len(interleaved)/2)
	for i := range values {
		values[i] = complex(interleaved[2*i], interleaved[2*i+1])
	}
	rows := len(values)
	cols := 1
	if rows == 0 {
		cols = 0
	}
	return f.WriteComplexSingleMatrix(name, values, rows, cols)
}

// Summary returns a short operator-facing description of the measurement.
func (m *Measurement) Summary() string {
	return fmt.Sprintf("%d points x %d intervals, %.6g Hz .. %.6g Hz",
		len(m.Frequency), len(m.R), first(m.Frequency), last(m.Frequency))
}

func first(a []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	return a[0]
}

func last(a []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	return a[len(a)-1]
}
