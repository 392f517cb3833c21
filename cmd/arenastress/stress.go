package main

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/arenakit/arena"
	"github.com/joshuapare/arenakit/cmd/arenastress/logger"
)

var (
	stressVariant  string
	stressWorkers  int
	stressOps      int
	stressMinSize  int
	stressMaxSize  int
	stressMaxAlign int
	stressLive     int
	stressSeed     int64
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().StringVar(&stressVariant, "variant", "lockfree", "Resource variant: serial or lockfree")
	cmd.Flags().IntVar(&stressWorkers, "workers", 4, "Concurrent goroutines")
	cmd.Flags().IntVar(&stressOps, "ops", 100000, "Allocations per goroutine")
	cmd.Flags().IntVar(&stressMinSize, "min-size", 1, "Minimum allocation size in bytes")
	cmd.Flags().IntVar(&stressMaxSize, "max-size", 4096, "Maximum allocation size in bytes")
	cmd.Flags().IntVar(&stressMaxAlign, "max-align", 64, "Maximum alignment (power of two)")
	cmd.Flags().IntVar(&stressLive, "live", 32, "Live allocations held per goroutine")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Workload seed")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a randomized allocate/deallocate workload",
		Long: `The stress command runs a randomized allocate/deallocate workload against
one resource instance and reports throughput plus the instance counters.

Example:
  arenastress stress --variant lockfree --workers 8 --ops 200000
  arenastress stress --variant serial --max-size 70000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
}

// stressResource is what the workload needs from either variant.
type stressResource interface {
	arena.Resource
	Stats() arena.Stats
	Layout() arena.Layout
	Close() error
}

func buildResource(variant string) (stressResource, error) {
	switch variant {
	case "serial":
		return arena.New(arena.DefaultPolicy())
	case "lockfree":
		return arena.NewLockFree(arena.DefaultPolicy())
	default:
		return nil, fmt.Errorf("unknown variant %q (want serial or lockfree)", variant)
	}
}

func runStress() error {
	if stressMinSize < 1 || stressMaxSize < stressMinSize {
		return fmt.Errorf("bad size range [%d, %d]", stressMinSize, stressMaxSize)
	}
	if stressMaxAlign < 1 || stressMaxAlign&(stressMaxAlign-1) != 0 {
		return fmt.Errorf("max-align %d is not a power of two", stressMaxAlign)
	}

	r, err := buildResource(stressVariant)
	if err != nil {
		return err
	}
	defer r.Close()

	logger.L.Debug("starting workload",
		"variant", stressVariant,
		"workers", stressWorkers,
		"ops", stressOps)

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, stressWorkers)
	for w := 0; w < stressWorkers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			errs <- stressWorker(r, id)
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	report(r, elapsed)
	return nil
}

// stressWorker keeps a bounded window of live pieces, stamping each one and
// verifying the stamp before returning it.
func stressWorker(r stressResource, id int) error {
	rng := rand.New(rand.NewSource(stressSeed + int64(id)))
	stamp := byte(id + 1)
	type piece struct {
		buf   []byte
		size  int
		align int
	}
	var live []piece

	free := func(p piece) error {
		if p.buf[0] != stamp || p.buf[p.size-1] != stamp {
			return fmt.Errorf("worker %d: stamp lost on %d-byte piece", id, p.size)
		}
		r.Deallocate(p.buf, p.size, p.align)
		return nil
	}

	for i := 0; i < stressOps; i++ {
		size := stressMinSize + rng.Intn(stressMaxSize-stressMinSize+1)
		align := 1 << rng.Intn(bitsOf(stressMaxAlign)+1)
		buf, err := r.Allocate(size, align)
		if err != nil {
			return fmt.Errorf("worker %d: %w", id, err)
		}
		buf[0] = stamp
		buf[size-1] = stamp
		live = append(live, piece{buf, size, align})
		if len(live) > stressLive {
			victim := live[0]
			live = live[1:]
			if err := free(victim); err != nil {
				return err
			}
		}
	}
	for _, p := range live {
		if err := free(p); err != nil {
			return err
		}
	}
	return nil
}

func bitsOf(pow2 int) int {
	n := 0
	for v := pow2; v > 1; v >>= 1 {
		n++
	}
	return n
}

func report(r stressResource, elapsed time.Duration) {
	st := r.Stats()
	pr := message.NewPrinter(language.English)

	total := st.Allocs
	rate := float64(total) / elapsed.Seconds()

	title := lipgloss.NewStyle().Bold(true)
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1)
	if noColor {
		title = title.UnsetBold()
		box = box.Border(lipgloss.NormalBorder())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", title.Render(fmt.Sprintf("%s · %d workers · %s",
		stressVariant, stressWorkers, elapsed.Round(time.Millisecond))))
	fmt.Fprintf(&b, "%s\n", pr.Sprintf("allocations     %d (%.0f/s)", total, rate))
	fmt.Fprintf(&b, "%s\n", pr.Sprintf("frees           %d", st.Frees))
	fmt.Fprintf(&b, "%s\n", pr.Sprintf("garbage hits    %d (splits %d)", st.GarbageHits, st.Splits))
	fmt.Fprintf(&b, "%s\n", pr.Sprintf("pool blocks     %d (%d B)", st.PoolBlocks, st.PoolBytes))
	fmt.Fprintf(&b, "%s", pr.Sprintf("large blocks    %d (%d B)", st.LargeAllocs, st.LargeBytes))

	printInfo("%s\n", box.Render(b.String()))
}
