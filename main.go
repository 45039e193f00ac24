// E4990A Acquire - frequency sweep acquisition tool for the Keysight E4990A
// impedance analyzer. The instrument is driven over USB or TCP/IP and the
// measured R/X traces are written to a MAT data file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"e4990a-acquire/internal/acquire"
	"e4990a-acquire/internal/config"
	"e4990a-acquire/internal/matfile"
	"e4990a-acquire/internal/version"
	"e4990a-acquire/internal/visa"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
)

// Command line flag variables
var (
	cfgFile             string // Configuration file path
	appendDatetime      bool   // Append ISO 8601 datetime to the filename
	useDefaultFilename  bool   // Use the ISO 8601 datetime as the filename
	fixtureCompensation bool   // Run the fixture compensation procedure
	debug               bool   // Print the full error chain on failure
	showVersion         bool   // Print version information and exit
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "e4990a-acquire [filename]",
	Short: "Keysight E4990A sweep acquisition tool",
	Long: `E4990A Acquire runs a frequency sweep on a Keysight E4990A impedance
analyzer over USB or TCP/IP and saves the measured traces to a MAT file.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version.GetVersionInfo("E4990A Acquire"))
			return
		}
		if err := runAcquisition(args); err != nil {
			fmt.Fprintf(os.Stderr, "\nERROR: %v\n", err)
			if debug {
				for unwrapped := errors.Unwrap(err); unwrapped != nil; unwrapped = errors.Unwrap(unwrapped) {
					fmt.Fprintf(os.Stderr, "  caused by: %v\n", unwrapped)
				}
			}
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", config.DefaultFilename,
		fmt.Sprintf("INI config filename (default: %s)", config.DefaultFilename))
	rootCmd.Flags().BoolVarP(&appendDatetime, "append-datetime", "a", false,
		"append ISO 8601 datetime to filename")
	rootCmd.Flags().BoolVarP(&useDefaultFilename, "default-filename", "d", false,
		"use default filename (ISO 8601 datetime)")
	rootCmd.Flags().BoolVarP(&fixtureCompensation, "fixture-compensation", "c", false,
		"execute fixture compensation procedure")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "print the full error chain for debugging")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
}

// runAcquisition is the main application logic
func runAcquisition(args []string) error {
	now := time.Now()

	// Create the default configuration file from the embedded template on
	// first use and proceed with its defaults.
	if cfgFile == config.DefaultFilename {
		created, err := config.EnsureDefault(cfgFile)
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("Default config file %q created from template.\n", cfgFile)
		}
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	var path string
	if !fixtureCompensation {
		path, err = resolveOutputPath(args, cfg.Output.Directory, now)
		if err != nil {
			return err
		}
		if path == "" {
			// Operator declined to overwrite.
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Acquisition program version: %s\n", version.GetFullVersion())
	printConfig(cfg)

	session, err := visa.Open(ctx, cfg.Resource)
	if err != nil {
		return err
	}
	defer session.Close()
	fmt.Printf("Opened resource: %s\n", session.Resource())

	executor := acquire.NewExecutor(session, cfg)
	executor.SetVerbose(debug)

	if fixtureCompensation {
		return executor.RunFixtureCompensation(ctx, promptOperator)
	}

	measurement, err := executor.RunSweep(ctx, version.GetFullVersion())
	if err != nil {
		return err
	}
	if err := acquire.Save(path, measurement); err != nil {
		return err
	}
	fmt.Printf("Data saved to %q (%s)\n", path, measurement.Summary())
	return nil
}

// resolveOutputPath determines the output filename from the positional
// argument, the default-filename flag or an interactive prompt, applies the
// extension/timestamp policy and confirms overwrites. An empty return with
// nil error means the operator declined to overwrite.
func resolveOutputPath(args []string, outputDir string, now time.Time) (string, error) {
	defaultBase := matfile.Timestamp(now)

	var name string
	switch {
	case len(args) == 1 && args[0] != "":
		name = args[0]
	case useDefaultFilename:
		name = defaultBase
	default:
		prompt := &survey.Input{
			Message: "Output filename:",
			Default: defaultBase,
		}
		if err := survey.AskOne(prompt, &name); err != nil {
			return "", fmt.Errorf("filename prompt failed: %w", err)
		}
		if name == "" {
			name = defaultBase
		}
	}

	target := matfile.OutputTarget{
		Path:            name,
		AppendTimestamp: appendDatetime && !useDefaultFilename,
	}
	path := target.Resolve(now)
	if !filepath.IsAbs(path) {
		path = filepath.Join(outputDir, path)
	}

	if _, err := os.Stat(path); err == nil {
		overwrite := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("File %s exists. Overwrite it?", path),
		}
		if err := survey.AskOne(prompt, &overwrite); err != nil {
			return "", fmt.Errorf("overwrite prompt failed: %w", err)
		}
		if !overwrite {
			return "", nil
		}
	}
	return path, nil
}

// promptOperator pauses the compensation procedure until the operator
// confirms the fixture state.
func promptOperator(message string) error {
	input := ""
	prompt := &survey.Input{Message: message + " and press [ENTER]"}
	if err := survey.AskOne(prompt, &input); err != nil {
		return fmt.Errorf("operator prompt failed: %w", err)
	}
	return nil
}

func printConfig(cfg *config.Config) {
	fmt.Printf("Acquisition parameters:\n")
	if cfg.Resource.IPAddress != "" {
		fmt.Printf("\tIP address: %s\n", cfg.Resource.IPAddress)
	} else if cfg.Resource.USBPort != "" {
		fmt.Printf("\tUSB port: %s\n", cfg.Resource.USBPort)
	} else {
		fmt.Printf("\tUSB: auto-discover\n")
	}
	fmt.Printf("\tPlan: %s\n", cfg.Sweep.Plan.Describe())
	fmt.Printf("\tMeasurement speed: %d\n", cfg.Sweep.MeasurementSpeed)
	fmt.Printf("\tNumber of sweep averages: %d\n", cfg.Sweep.SweepAverages)
	fmt.Printf("\tNumber of point averages: %d\n", cfg.Sweep.PointAverages)
	fmt.Printf("\tOscillator voltage: %g Volts\n", cfg.Sweep.OscillatorVoltage)
	fmt.Printf("\tBias voltage: %g Volts\n", cfg.Sweep.BiasVoltage)
	fmt.Printf("\tNumber of intervals: %d\n", cfg.Sweep.Intervals)
	fmt.Printf("\tInterval period: %g seconds\n", cfg.Sweep.IntervalPeriod)
}

// main is the entry point of the application
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
