// Command grr32 revives a DECREE-ABI guest process group from snapshot
// files and runs it to quiescence under the dynamic binary translator,
// optionally mutating a recorded input and replaying it over and over to
// look for inputs that reach new path coverage.
//
// Grounded on the teacher's main.go flag-parsing idiom (package-level
// flag.String/flag.Bool calls, a VerboseMode switch gating
// fmt.Fprintf(os.Stderr, ...) diagnostics) and on granary/play.cc
// (original_source) for the CreateSnapshotGroup -> RunTestCase ->
// PublishNewInput driver shape, simplified to this repo's single-input,
// whole-file recording model.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/xyproto/env/v2"

	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/block"
	"github.com/xyproto/grr32/internal/codecache"
	"github.com/xyproto/grr32/internal/coverage"
	"github.com/xyproto/grr32/internal/decree"
	"github.com/xyproto/grr32/internal/dispatch"
	"github.com/xyproto/grr32/internal/mutate"
	"github.com/xyproto/grr32/internal/process"
	"github.com/xyproto/grr32/internal/scheduler"
	"github.com/xyproto/grr32/internal/snapshot"
)

const versionString = "grr32 version 0.1.0"

// VerboseMode is toggled by -v or GRR32_VERBOSE and gates diagnostic
// output the same way the teacher's main.go gates its own DEBUG prints.
var VerboseMode bool

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// config is every flag's parsed value, kept in one struct so run's logic
// stays a plain function of its input instead of reading package globals.
type config struct {
	snapshotDir string
	persistDir  string
	numExe      int

	input        string
	inputMutator string
	numTests     int
	outputDir    string

	pathCoverage       bool
	coverageFile       string
	outputCoverageFile string

	disablePatching    bool
	disableTracing     bool
	disableInlineCache bool

	maxInstructionsPerBlock int
	snapshotBeforeInputByte int

	strace  bool
	verbose bool

	printVersion bool
}

// parseFlags builds a FlagSet rather than using the top-level flag package
// directly so run can be called more than once in a test process; defaults
// for --persist_dir and -v fall back to GRR32_PERSIST_DIR/GRR32_VERBOSE
// when the flag is omitted, matching "a flag always wins over the
// corresponding environment variable."
func parseFlags(args []string, stderr io.Writer) (*config, error) {
	fs := flag.NewFlagSet("grr32", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &config{}
	fs.StringVar(&cfg.snapshotDir, "snapshot_dir", "", "directory holding grr.snapshot.<n>.persist files to revive")
	fs.StringVar(&cfg.persistDir, "persist_dir", env.StrOr("GRR32_PERSIST_DIR", ""), "directory backing a persistent, file-mapped code cache")
	fs.IntVar(&cfg.numExe, "num_exe", 1, "number of snapshots to revive and run together")

	fs.StringVar(&cfg.input, "input", "", "recorded input file to mutate and replay")
	fs.StringVar(&cfg.inputMutator, "input_mutator", "", "mutation strategy (bitflip, inf_bitflip_random)")
	fs.IntVar(&cfg.numTests, "num_tests", 1, "number of mutated inputs to try when --input_mutator is set")
	fs.StringVar(&cfg.outputDir, "output_dir", "", "directory for published mutated inputs and, on terminate, process snapshots")

	fs.BoolVar(&cfg.pathCoverage, "path_coverage", false, "record multi-way-branch path coverage")
	fs.StringVar(&cfg.coverageFile, "coverage_file", "", "coverage file to seed the recorder from")
	fs.StringVar(&cfg.outputCoverageFile, "output_coverage_file", "", "coverage file to write on exit")

	fs.BoolVar(&cfg.disablePatching, "disable_patching", false, "disable hot-patching direct-jump chains")
	fs.BoolVar(&cfg.disableTracing, "disable_tracing", false, "disable trace recording")
	fs.BoolVar(&cfg.disableInlineCache, "disable_inline_cache", false, "disable the per-dispatcher inline cache")

	fs.IntVar(&cfg.maxInstructionsPerBlock, "max_instructions_per_block", block.MaxInstructions, "instruction cap per translated block")
	fs.IntVar(&cfg.snapshotBeforeInputByte, "snapshot_before_input_byte", -1, "write a snapshot just before this many input bytes have been delivered, -1 to disable")

	fs.BoolVar(&cfg.strace, "strace", false, "trace every serviced syscall to stderr")
	fs.BoolVar(&cfg.verbose, "v", env.Bool("GRR32_VERBOSE"), "verbose diagnostic output")

	fs.BoolVar(&cfg.printVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.printVersion {
		return cfg, nil
	}
	if cfg.snapshotDir == "" {
		return nil, fmt.Errorf("grr32: --snapshot_dir is required")
	}
	return cfg, nil
}

func run(args []string, stdin, stdout, stderr io.ReadWriter) int {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "grr32: %v\n", err)
		return 1
	}
	if cfg.printVersion {
		fmt.Fprintln(stdout, versionString)
		return 0
	}

	VerboseMode = cfg.verbose
	block.MaxInstructions = cfg.maxInstructionsPerBlock
	abi.MaxSyscallsPerRun = env.IntOr("GRR32_MAX_SYSCALLS", abi.MaxSyscallsPerRun)

	cache, err := openCache(cfg.persistDir)
	if err != nil {
		fmt.Fprintf(stderr, "grr32: %v\n", err)
		return 1
	}
	defer cache.Close()

	recorder := coverage.NewRecorder(cfg.pathCoverage)
	if cfg.coverageFile != "" {
		if err := recorder.LoadFile(cfg.coverageFile); err != nil {
			fmt.Fprintf(stderr, "grr32: %v\n", err)
			return 1
		}
	}

	opts := dispatch.Options{
		DisablePatching:    cfg.disablePatching,
		DisableTracing:     cfg.disableTracing,
		DisableInlineCache: cfg.disableInlineCache,
		Coverage:           recorder,
	}

	if cfg.input == "" || cfg.inputMutator == "" {
		if err := runOnce(cfg, cache, opts, recorder, stdin, stdout, stderr); err != nil {
			fmt.Fprintf(stderr, "grr32: %v\n", err)
			return 1
		}
	} else {
		if err := fuzzLoop(cfg, cache, opts, recorder, stdout, stderr); err != nil {
			fmt.Fprintf(stderr, "grr32: %v\n", err)
			return 1
		}
	}

	if cfg.outputCoverageFile != "" {
		if err := recorder.WriteFile(cfg.outputCoverageFile); err != nil {
			fmt.Fprintf(stderr, "grr32: %v\n", err)
			return 1
		}
	}
	return 0
}

// openCache backs the code cache with a growable file under persistDir
// when one is given, matching --persist_dir, or an anonymous mapping
// otherwise.
func openCache(persistDir string) (*codecache.Cache, error) {
	if persistDir == "" {
		return codecache.New()
	}
	return codecache.NewPersistent(filepath.Join(persistDir, "grr.codecache"))
}

// reviveGroup revives numExe snapshots named grr.snapshot.<n>.persist out
// of dir, numbered 1..numExe, matching CreateSnapshotGroup's naming.
func reviveGroup(dir string, numExe int) ([]*process.Process, error) {
	procs := make([]*process.Process, 0, numExe)
	for i := 1; i <= numExe; i++ {
		path := filepath.Join(dir, fmt.Sprintf("grr.snapshot.%d.persist", i))
		proc, err := snapshot.Revive(path, uint8(i))
		if err != nil {
			closeAll(procs)
			return nil, fmt.Errorf("revive pid %d: %w", i, err)
		}
		procs = append(procs, proc)
	}
	return procs, nil
}

func closeAll(procs []*process.Process) {
	for _, p := range procs {
		p.Close()
	}
}

// runOnce revives the snapshot group once and runs it to quiescence
// against the live standard streams, with no mutation involved.
func runOnce(cfg *config, cache *codecache.Cache, opts dispatch.Options, recorder *coverage.Recorder, stdin, stdout, stderr io.ReadWriter) error {
	procs, err := reviveGroup(cfg.snapshotDir, cfg.numExe)
	if err != nil {
		return err
	}
	defer closeAll(procs)

	handler := decree.NewHandler(stdin, stdout, stderr)
	handler.Trace = cfg.strace
	handler.SnapshotBeforeInputByte = cfg.snapshotBeforeInputByte
	if cfg.outputDir != "" {
		handler.Snapshot = snapshot.DirWriter{Dir: cfg.outputDir}
	}

	recorder.Begin()
	sched := scheduler.New(handler)
	for _, p := range procs {
		sched.Add(p, cache, opts)
	}
	sched.Run()

	if VerboseMode {
		for _, p := range procs {
			fmt.Fprintf(os.Stderr, "grr32: pid %d finished with status %d\n", p.PID, p.Status)
		}
	}
	return nil
}

// readOnlyStream adapts a mutated input's bytes.Reader into the
// io.ReadWriter decree.Handler expects for Stdin; the guest has no
// legitimate reason to write to its own input stream, so Write reports
// the same error a real closed write end would.
type readOnlyStream struct {
	*bytes.Reader
}

func (readOnlyStream) Write(p []byte) (int, error) {
	return 0, io.ErrClosedPipe
}

// loadRecord reads path as a single recorded input chunk. The real
// original groups a run's receive() calls into one chunk per syscall;
// without a prior live capture to replay from, the whole file stands in
// as the one chunk a mutator slides its window across.
func loadRecord(path string) (mutate.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return mutate.Record{data}, nil
}

// publishInput atomically writes a mutated input that reached new
// coverage into dir, mirroring PublishNewInput's rename-into-place commit.
func publishInput(dir string, data []byte, index int) error {
	if dir == "" {
		return nil
	}
	path := filepath.Join(dir, fmt.Sprintf("input-%06d", index))
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("publish input: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish input: %w", err)
	}
	return nil
}

// fuzzLoop mirrors RunTestCase: mutate the recorded input, replay it
// through a fresh revival of the snapshot group, and publish any mutation
// that reaches new path coverage, until the mutator exhausts itself or
// --num_tests mutations have been tried.
func fuzzLoop(cfg *config, cache *codecache.Cache, opts dispatch.Options, recorder *coverage.Recorder, stdout, stderr io.ReadWriter) error {
	record, err := loadRecord(cfg.input)
	if err != nil {
		return err
	}
	m, ok := mutate.New(cfg.inputMutator, record, time.Now().UnixNano())
	if !ok {
		return fmt.Errorf("unknown --input_mutator %q", cfg.inputMutator)
	}

	for i := 0; i < cfg.numTests; i++ {
		data, ok := m.RequestMutation()
		if !ok {
			if VerboseMode {
				fmt.Fprintf(os.Stderr, "grr32: mutator exhausted after %d inputs\n", i)
			}
			break
		}

		if err := replayOne(cfg, cache, opts, recorder, data, i, stdout, stderr); err != nil {
			return err
		}
	}
	return nil
}

// replayOne runs a single mutated input against a fresh revival of the
// snapshot group and publishes it if it reached new path coverage.
func replayOne(cfg *config, cache *codecache.Cache, opts dispatch.Options, recorder *coverage.Recorder, data []byte, index int, stdout, stderr io.ReadWriter) error {
	procs, err := reviveGroup(cfg.snapshotDir, cfg.numExe)
	if err != nil {
		return err
	}
	defer closeAll(procs)

	handler := decree.NewHandler(readOnlyStream{bytes.NewReader(data)}, stdout, stderr)
	handler.Trace = cfg.strace
	handler.SnapshotBeforeInputByte = cfg.snapshotBeforeInputByte
	if cfg.outputDir != "" {
		handler.Snapshot = snapshot.DirWriter{Dir: cfg.outputDir}
	}

	recorder.Begin()
	sched := scheduler.New(handler)
	for _, p := range procs {
		sched.Add(p, cache, opts)
	}
	sched.Run()

	if recorder.CoveredNewPaths() {
		if err := publishInput(cfg.outputDir, data, index); err != nil {
			return err
		}
	}
	return nil
}
