package main

import (
	"context"
	"fmt"

	"github.com/grailbio/base/cmdutil"
	"v.io/x/lib/cmdline"

	"github.com/frameshift-fuzz/frameshift-go/corpus"
	"github.com/frameshift-fuzz/frameshift-go/oracle"
	"github.com/frameshift-fuzz/frameshift-go/search"
	"github.com/frameshift-fuzz/frameshift-go/stage"
)

func newCmdStats() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "stats",
		Short:    "Run a search campaign over several corpus entries and report aggregate stats",
		ArgsName: "id ...",
	}
	store := cmd.Flags.String("store", "", "Corpus directory to read and write entries in")
	target := cmd.Flags.String("target", "", "Path to the target binary to probe")
	covSize := cmd.Flags.Int("cov-size", 4096, "Size in bytes of the target's coverage map")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) == 0 {
			return fmt.Errorf("stats takes one or more id arguments")
		}
		if *store == "" || *target == "" {
			return fmt.Errorf("stats: -store and -target are required")
		}
		return runStats(*store, *target, *covSize, argv)
	})
	return cmd
}

func runStats(storePath, target string, covSize int, ids []string) error {
	ctx := context.Background()
	cstore := corpus.NewStore(storePath)

	ex, err := oracle.NewExec(target, covSize)
	if err != nil {
		return fmt.Errorf("stats: starting target: %w", err)
	}
	defer ex.Close()

	st := stage.New(search.DefaultConfig())

	for i, id := range ids {
		buf, err := cstore.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("stats: loading %s: %w", id, err)
		}

		entry := &stage.Entry{ID: i, Buf: buf, State: stage.EntryState{Status: stage.StatusNew}}
		if _, err := st.Perform(entry, ex); err != nil {
			return fmt.Errorf("stats: searching %s: %w", id, err)
		}

		if err := cstore.Save(ctx, id, entry.Buf); err != nil {
			return fmt.Errorf("stats: saving %s: %w", id, err)
		}
	}

	snap := st.Snapshot()
	fmt.Printf("searched=%d found=%d found-ratio=%.2f tests=%d target-ms=%d total-ms=%d\n",
		snap.NumSearched, snap.NumFound, snap.FoundRatio(), snap.SearchTests, snap.TargetTimeMs, snap.TotalTimeMs)
	return nil
}
