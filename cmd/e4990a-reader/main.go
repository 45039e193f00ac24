// E4990A Reader - utility to display contents of E4990A acquisition files
// This program reads a MAT data file written by e4990a-acquire and prints
// its metadata and trace summary.
package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"e4990a-acquire/internal/matfile"
	"e4990a-acquire/internal/version"

	"github.com/spf13/cobra"
)

var (
	showValues  bool
	showStats   bool
	showVersion bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "e4990a-reader [file.mat]",
	Short: "Display contents of E4990A acquisition data files",
	Long: `E4990A Reader displays the named arrays stored in a MAT data file
written by e4990a-acquire. Useful for verifying acquisition parameters and
inspecting measured traces without MATLAB.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version.GetVersionInfo("E4990A Reader"))
			return
		}
		if len(args) == 0 {
			fmt.Fprintf(os.Stderr, "Error: filename required\n")
			cmd.Usage()
			os.Exit(1)
		}
		if err := displayFile(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	rootCmd.Flags().BoolVarP(&showValues, "values", "l", false, "list every value of each array")
	rootCmd.Flags().BoolVar(&showStats, "stats", false, "show min/max/mean statistics per trace")
}

// displayFile reads and displays the contents of an acquisition data file
func displayFile(filename string) error {
	fileInfo, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return fmt.Errorf("file does not exist: %s", filename)
	}

	elements, err := matfile.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read data file: %w", err)
	}

	fmt.Printf("E4990A DATA FILE READER %s\n\n", version.GetFullVersion())
	fmt.Printf("File: %s (%d bytes)\n", filepath.Base(filename), fileInfo.Size())
	fmt.Printf("Modified: %s\n\n", fileInfo.ModTime().Format("2006-01-02 15:04:05"))

	names := make([]string, 0, len(elements))
	for name := range elements {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-26s %-10s %s\n", "NAME", "SIZE", "VALUE")
	for _, name := range names {
		elem := elements[name]
		size := fmt.Sprintf("%dx%d", elem.Rows, elem.Cols)
		switch {
		case elem.Class == matfile.ClassChar:
			fmt.Printf("%-26s %-10s %q\n", name, size, elem.Str)
		case elem.IsScalar():
			fmt.Printf("%-26s %-10s %g\n", name, size, elem.Scalar())
		default:
			fmt.Printf("%-26s %-10s [%d values]\n", name, size, len(elem.Values))
		}
	}

	if freq, ok := elements["Frequency"]; ok && len(freq.Values) > 0 {
		fmt.Printf("\nFrequency axis: %d points, %.6g Hz .. %.6g Hz\n",
			len(freq.Values), freq.Values[0], freq.Values[len(freq.Values)-1])
	}

	if showStats {
		for _, name := range []string{"R", "X"} {
			if elem, ok := elements[name]; ok && len(elem.Values) > 0 {
				min, max, mean := stats(elem.Values)
				fmt.Printf("%s: min=%.6g max=%.6g mean=%.6g\n", name, min, max, mean)
			}
		}
	}

	if showValues {
		for _, name := range names {
			elem := elements[name]
			if elem.Class == matfile.ClassChar || len(elem.Values) == 0 {
				continue
			}
			fmt.Printf("\n%s:\n", name)
			for i, v := range elem.Values {
				if len(elem.Imag) == len(elem.Values) {
					fmt.Printf("%8d: %g%+gi\n", i, v, elem.Imag[i])
				} else {
					fmt.Printf("%8d: %g\n", i, v)
				}
			}
		}
	}
	return nil
}

func stats(values []float64) (min, max, mean float64) {
	min = math.Inf(1)
	max = math.Inf(-1)
	sum := 0.0
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	return min, max, sum / float64(len(values))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
