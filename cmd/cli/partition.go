package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theblitlabs/parity-fedsync/internal/partition"
	"github.com/theblitlabs/parity-fedsync/internal/utils/cliutil"
	"github.com/theblitlabs/parity-fedsync/pkg/ipfs"
	"github.com/theblitlabs/parity-fedsync/pkg/logger"
)

func newPartitionCommand() *cobra.Command {
	return cliutil.CreateCommand(cliutil.CommandConfig{
		Use:     "partition <csv>",
		Short:   "Split a labelled CSV into stratified per-client shards",
		Example: `  fedsync partition data/heart.csv --shards 3 --prefix part --dir shards`,
		Args:    cobra.ExactArgs(1),
		RunFunc: runPartition,
		Flags: map[string]cliutil.Flag{
			"shards": {
				Type:        cliutil.FlagTypeInt,
				Shorthand:   "n",
				Description: "Number of shards to write",
				DefaultInt:  3,
			},
			"prefix": {
				Type:          cliutil.FlagTypeString,
				Description:   "Shard file prefix; files are named <prefix><k>.csv",
				DefaultString: partition.DefaultPrefix,
			},
			"dir": {
				Type:          cliutil.FlagTypeString,
				Description:   "Output directory",
				DefaultString: ".",
			},
			"seed": {
				Type:         cliutil.FlagTypeInt64,
				Description:  "Shuffle seed",
				DefaultInt64: partition.DefaultSeed,
			},
			"ipfs-api": {
				Type:        cliutil.FlagTypeString,
				Description: "Publish the shards to this IPFS API node and print their ipfs:// sources",
			},
		},
	}, logger.WithComponent("cli"))
}

func runPartition(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	shards, _ := flags.GetInt("shards")
	prefix, _ := flags.GetString("prefix")
	dir, _ := flags.GetString("dir")
	seed, _ := flags.GetInt64("seed")
	ipfsAPI, _ := flags.GetString("ipfs-api")

	written, err := partition.File(args[0], partition.Options{
		Shards: shards,
		Prefix: prefix,
		Dir:    dir,
		Seed:   seed,
	})
	if err != nil {
		return err
	}
	log := logger.WithComponent("cli")
	log.Info().Int("shards", len(written)).Str("source", args[0]).Msg("Partitioning complete")

	if ipfsAPI == "" {
		return nil
	}
	sources, err := publishShards(ipfs.New(ipfsAPI), written)
	if err != nil {
		return err
	}
	for _, src := range sources {
		fmt.Fprintln(cmd.OutOrStdout(), src)
	}
	return nil
}

// publishShards uploads every shard and returns the ipfs:// sources indexed
// by shard number.
func publishShards(svc *ipfs.Service, shards []partition.Shard) ([]string, error) {
	sources := make([]string, len(shards))
	for _, s := range shards {
		cid, err := svc.UploadFile(s.Path)
		if err != nil {
			return nil, fmt.Errorf("publish shard %d: %w", s.Index, err)
		}
		sources[s.Index] = ipfs.URI(cid)
	}
	return sources, nil
}
