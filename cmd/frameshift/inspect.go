package main

import (
	"context"
	"fmt"

	"github.com/grailbio/base/cmdutil"
	"v.io/x/lib/cmdline"

	"github.com/frameshift-fuzz/frameshift-go/corpus"
)

func newCmdInspect() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "inspect",
		Short:    "Print the relations recorded for a corpus entry",
		ArgsName: "id",
	}
	store := cmd.Flags.String("store", "", "Corpus directory to read from")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("inspect takes one id argument, but got %v", argv)
		}
		if *store == "" {
			return fmt.Errorf("inspect: -store is required")
		}

		buf, err := corpus.NewStore(*store).Load(context.Background(), argv[0])
		if err != nil {
			return fmt.Errorf("inspect: %w", err)
		}

		fmt.Printf("%s: %d bytes, %d relations\n", argv[0], len(buf.Raw), len(buf.Relations))
		for i, rel := range buf.Relations {
			state := "enabled"
			if !rel.Enabled {
				state = "disabled"
			}
			fmt.Printf("  [%d] pos=%d size=%d le=%v value=%d anchor=%d insert=%d (%s)\n",
				i, rel.Pos, rel.Size, rel.LE, rel.Value, rel.Anchor, rel.Insert, state)
		}
		return nil
	})
	return cmd
}
