package keys

import (
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/edgedlt/albatross"
)

const (
	validatorsKey = "validators"
	seedKey       = "seed"
)

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "keys",
		Short: "Prints the validator set a simulation seed derives",
		RunE:  keysFunc,
	}
	c.Flags().Int(validatorsKey, 4, "Number of validators")
	c.Flags().Int64(seedKey, 42, "Simulation seed")
	return c
}

func keysFunc(c *cobra.Command, _ []string) error {
	n, err := c.Flags().GetInt(validatorsKey)
	if err != nil {
		return err
	}
	seed, err := c.Flags().GetInt64(seedKey)
	if err != nil {
		return err
	}

	keys, err := albatross.TestKeystores(fmt.Sprintf("albasim-%d", seed), n)
	if err != nil {
		return err
	}
	genesis := albatross.TestGenesis(keys, time.Unix(0, 0))
	set, err := albatross.NewValidatorSet(genesis.Header.NextValidators)
	if err != nil {
		return err
	}

	out := c.OutOrStdout()
	fmt.Fprintf(out, "validator set %s (total weight %d, quorum %d)\n",
		set.Hash().Short(), set.TotalWeight(), set.Threshold())
	for i, v := range set.Validators() {
		fmt.Fprintf(out, "%3d  %s\n", i, v.Address)
		fmt.Fprintf(out, "     producer %s\n", base58.Encode(v.ProducerKey))
		fmt.Fprintf(out, "     voting   %s\n", base58.Encode(v.VotingKey))
	}
	return nil
}
