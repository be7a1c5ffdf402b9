// Command relink merges one main program plus zero or more shared
// libraries/loaders into a single self-contained position-independent
// executable: parse each input, fold every merge-input into the first
// image in argument order, then emit the combined image in one shot.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/xyproto/relink/internal/diag"
	"github.com/xyproto/relink/internal/emit"
	"github.com/xyproto/relink/internal/parse"
)

// Global flags for controlling output verbosity, mirroring the teacher's
// package-level VerboseMode switch.
var VerboseMode bool

func main() {
	var verbose = flag.Bool("v", false, "verbose mode (log parse/merge/emit progress)")
	var verboseLong = flag.Bool("verbose", false, "verbose mode (log parse/merge/emit progress)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <output> <input> [<merge-input>...]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	VerboseMode = *verbose || *verboseLong

	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(args[0], args[1], args[2:], VerboseMode); err != nil {
		fmt.Fprintf(os.Stderr, "relink: %v\n", err)
		os.Exit(1)
	}
}

// run reads every input whole, parses the main program and folds each
// merge-input into it in argument order, emits the combined image, and
// writes the output file all at once — no partial output is ever left on
// disk, and the file is made executable only after the full write
// completes (§5).
func run(outputPath, mainPath string, mergePaths []string, verbose bool) error {
	collector := diag.NewCollector()

	collector.Notef("driver", "reading main program %s", mainPath)
	mainRaw, err := os.ReadFile(mainPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", mainPath, err)
	}
	img, err := parse.Image(mainRaw, "", collector)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", mainPath, err)
	}

	for _, mergePath := range mergePaths {
		collector.Notef("driver", "reading merge input %s", mergePath)
		raw, err := os.ReadFile(mergePath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", mergePath, err)
		}

		soname := filepath.Base(mergePath)
		source, err := parse.Image(raw, soname, collector)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", mergePath, err)
		}

		collector.Notef("driver", "merging %s into %s", mergePath, mainPath)
		if err := source.MergeInto(img, collector); err != nil {
			return fmt.Errorf("merging %s: %w", mergePath, err)
		}
	}

	collector.Notef("driver", "emitting combined image")
	out, err := emit.Emit(img, emit.Options{DefaultInterp: emit.DefaultInterpPath})
	if err != nil {
		return fmt.Errorf("emitting: %w", err)
	}

	if verbose {
		collector.Fprint(os.Stderr)
	}

	if err := os.WriteFile(outputPath, out, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", outputPath, err)
	}

	// Permissions are set executable only once the entire file is on disk.
	f, err := os.Open(outputPath)
	if err != nil {
		return fmt.Errorf("chmod %s: %w", outputPath, err)
	}
	defer f.Close()
	if err := unix.Fchmod(int(f.Fd()), 0o755); err != nil {
		return fmt.Errorf("chmod %s: %w", outputPath, err)
	}

	return nil
}
