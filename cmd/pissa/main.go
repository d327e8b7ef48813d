// Command pissa exercises the adapter library end to end: it builds a layer
// over a synthetic weight, runs the decomposition-based initialization and
// reports how faithfully base plus adapter reproduce the original transform.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/fxmeng/pissa/peft"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "pissa",
		Short:         "Principal singular value adaptation playground",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	decomposeCmd := &cobra.Command{
		Use:   "decompose",
		Short: "Decompose a synthetic weight into residual plus low-rank adapter",
		RunE:  DecomposeHandler,
	}
	decomposeCmd.Flags().Int("in-dim", 512, "input dimension")
	decomposeCmd.Flags().Int("out-dim", 512, "output dimension")
	decomposeCmd.Flags().Int("rank", 8, "adapter rank")
	decomposeCmd.Flags().Float64("alpha", 8, "adapter scaling factor")
	decomposeCmd.Flags().Int("niter", -1, "randomized svd iterations, -1 for exact svd")
	decomposeCmd.Flags().Uint64("seed", 0, "seed for the synthetic weight")

	rootCmd.AddCommand(decomposeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func DecomposeHandler(cmd *cobra.Command, args []string) error {
	inDim, _ := cmd.Flags().GetInt("in-dim")
	outDim, _ := cmd.Flags().GetInt("out-dim")
	rank, _ := cmd.Flags().GetInt("rank")
	alpha, _ := cmd.Flags().GetFloat64("alpha")
	niter, _ := cmd.Flags().GetInt("niter")
	seed, _ := cmd.Flags().GetUint64("seed")

	l, err := peft.New(inDim, outDim, rank, alpha, peft.WithSeed(seed))
	if err != nil {
		return err
	}

	w := randomWeight(outDim, inDim, seed)
	if err := l.LoadWeight(w); err != nil {
		return err
	}

	start := time.Now()
	if niter >= 0 {
		err = l.InitializePiSSAFast(niter)
	} else {
		err = l.InitializePiSSA()
	}
	if err != nil {
		return err
	}
	slog.Info("decomposed base weight",
		"in_dim", inDim, "out_dim", outDim, "rank", rank,
		"exact", niter < 0, "duration", time.Since(start))

	// probe the layer against direct multiplication by the original weight
	x := randomWeight(16, inDim, seed+1)
	want := mat.NewDense(16, outDim, nil)
	want.Mul(x, w.T())
	got := l.Forward(x)

	var maxErr float64
	for i := range 16 {
		for j := range outDim {
			d := got.At(i, j) - want.At(i, j)
			if d < 0 {
				d = -d
			}
			if d > maxErr {
				maxErr = d
			}
		}
	}

	s := l.PissaS.Data().RawRowView(0)
	shown := min(len(s), 8)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")

	data := [][]string{
		{"Rank:", strconv.Itoa(rank)},
		{"Scale (alpha/rank):", fmt.Sprintf("%.4g", l.Scale())},
		{"Residual norm:", fmt.Sprintf("%.4g", mat.Norm(l.Weight.Data(), 2))},
		{"Max forward error:", fmt.Sprintf("%.4g", maxErr)},
	}
	for i := range shown {
		data = append(data, []string{
			fmt.Sprintf("Singular value %d:", i),
			fmt.Sprintf("%.4g", s[i]*l.Scale()),
		})
	}
	table.AppendBulk(data)
	table.Render()

	return nil
}

func randomWeight(rows, cols int, seed uint64) *mat.Dense {
	normal := distuv.Normal{Mu: 0, Sigma: 0.02, Src: rand.NewSource(seed)}
	w := mat.NewDense(rows, cols, nil)
	for i := range rows {
		for j := range cols {
			w.Set(i, j, normal.Rand())
		}
	}
	return w
}
