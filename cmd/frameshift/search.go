package main

import (
	"context"
	"fmt"
	"io/ioutil"

	"github.com/grailbio/base/cmdutil"
	"v.io/x/lib/cmdline"

	"github.com/frameshift-fuzz/frameshift-go/buffer"
	"github.com/frameshift-fuzz/frameshift-go/corpus"
	"github.com/frameshift-fuzz/frameshift-go/oracle"
	"github.com/frameshift-fuzz/frameshift-go/search"
)

type searchFlags struct {
	target           *string
	covSize          *int
	store            *string
	verbose          *bool
	extraVerbose     *bool
	maxIters         *int
	lossThreshold    *float64
	recoverThreshold *float64
}

func newCmdSearch() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "search",
		Short:    "Search one test case for size/offset relations",
		ArgsName: "path",
		ArgsLong: "path is the raw test case to search; the target's coverage decides what gets kept.",
	}
	flags := searchFlags{
		target:           cmd.Flags.String("target", "", "Path to the target binary to probe"),
		covSize:          cmd.Flags.Int("cov-size", 4096, "Size in bytes of the target's coverage map"),
		store:            cmd.Flags.String("store", "", "Corpus directory (or registered file.Implementation URL) to save the result under"),
		verbose:          cmd.Flags.Bool("verbose", false, "Log each accepted relation"),
		extraVerbose:     cmd.Flags.Bool("extra-verbose", false, "Log every probe, including rejected candidates (printed at vlog level 2, -v=2)"),
		maxIters:         cmd.Flags.Int("max-iters", search.DefaultConfig().MaxIters, "Maximum outer search passes"),
		lossThreshold:    cmd.Flags.Float64("loss-threshold", search.DefaultConfig().LossThreshold, "Fraction of focus coverage a corrupting write must lose to be considered significant"),
		recoverThreshold: cmd.Flags.Float64("recover-threshold", search.DefaultConfig().RecoverThreshold, "Fraction of lost coverage an anchor candidate must recover to be accepted"),
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("search takes one pathname argument, but got %v", argv)
		}
		return runSearch(flags, argv[0])
	})
	return cmd
}

func runSearch(flags searchFlags, path string) error {
	if *flags.target == "" {
		return fmt.Errorf("search: -target is required")
	}

	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return fmt.Errorf("search: reading %s: %w", path, err)
	}

	ex, err := oracle.NewExec(*flags.target, *flags.covSize)
	if err != nil {
		return fmt.Errorf("search: starting target: %w", err)
	}
	defer ex.Close()

	config := search.Config{
		Verbose:          *flags.verbose,
		ExtraVerbose:     *flags.extraVerbose,
		MaxIters:         *flags.maxIters,
		LossThreshold:    *flags.lossThreshold,
		RecoverThreshold: *flags.recoverThreshold,
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("search: %w", err)
	}

	result := search.Search(buffer.New(raw), ex, config)
	fmt.Printf("searched %s: found=%v relations=%d tests=%d\n", path, result.FoundAny, len(result.Input.Relations), result.TestCount)
	for _, rel := range result.Input.Relations {
		fmt.Printf("  pos=%d size=%d le=%v value=%d anchor=%d insert=%d\n", rel.Pos, rel.Size, rel.LE, rel.Value, rel.Anchor, rel.Insert)
	}

	if *flags.store != "" {
		id := corpus.Identity(result.Input)
		if err := corpus.NewStore(*flags.store).Save(context.Background(), id, result.Input); err != nil {
			return fmt.Errorf("search: saving result: %w", err)
		}
		fmt.Printf("saved as %s\n", id)
	}

	return nil
}
