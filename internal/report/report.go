package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ligustah/cdsdl/internal/downloader"
	"github.com/ligustah/cdsdl/internal/product"
	"github.com/ligustah/cdsdl/internal/progress"
)

// Counter names.
const (
	CounterListing    = "products_in_initial_listing"
	CounterArchived   = "archived_product"
	CounterSpool      = "in_spool_product"
	CounterOutput     = "in_outdir_product"
	CounterAbsent     = "product_absent_from_local_disks"
	CounterDownloaded = "successful_download"
	CounterException  = "status_Exception"
)

// Attempt is one finished download attempt.
type Attempt struct {
	Product    string
	Login      string
	Outcome    downloader.Outcome
	Status     string
	StatusCode int
	Bytes      int64
	Elapsed    time.Duration
	SpeedMBps  float64
	Err        string
	Finished   time.Time
}

// Report is the summary of a run.
type Report struct {
	RunID    string
	Group    string
	Started  time.Time
	Finished time.Time

	Items       []*product.Item
	Counters    map[string]int
	Speeds      []float64
	Rounds      []int
	Attempts    []Attempt
	Blacklisted []string
}

// New starts a report for items.
func New(group string, items []*product.Item) *Report {
	return &Report{
		RunID:    uuid.NewString(),
		Group:    group,
		Started:  time.Now(),
		Items:    items,
		Counters: map[string]int{CounterListing: len(items)},
	}
}

// Add increments counter name by n.
func (r *Report) Add(name string, n int) {
	r.Counters[name] += n
}

// Presence records where products were found before scheduling.
func (r *Report) Presence(archive, spool, output, absent int) {
	r.Add(CounterArchived, archive)
	r.Add(CounterSpool, spool)
	r.Add(CounterOutput, output)
	r.Add(CounterAbsent, absent)
}

// Record accounts for a finished download attempt.
func (r *Report) Record(res downloader.Result) {
	a := Attempt{
		Product:    res.Request.Item.Name,
		Login:      res.Request.Login,
		Outcome:    res.Outcome,
		Status:     res.Status(),
		StatusCode: res.StatusCode,
		Bytes:      res.Bytes,
		Elapsed:    res.Elapsed,
		SpeedMBps:  res.SpeedMBps,
		Finished:   time.Now(),
	}
	if res.Err != nil {
		a.Err = res.Err.Error()
	}
	r.Attempts = append(r.Attempts, a)

	r.Add("status_"+res.Status(), 1)
	if res.OK() {
		r.Add(CounterDownloaded, 1)
		r.Speeds = append(r.Speeds, res.SpeedMBps)
	}
}

// Round records the number of downloads dispatched in a scheduling round.
func (r *Report) Round(size int) {
	r.Rounds = append(r.Rounds, size)
}

// Finish stamps the end of the run.
func (r *Report) Finish() {
	r.Finished = time.Now()
}

// Tally returns the number of items in each status.
func (r *Report) Tally() (success, failed, pending int) {
	for _, it := range r.Items {
		switch it.Status {
		case product.StatusSuccess:
			success++
		case product.StatusFailed:
			failed++
		default:
			pending++
		}
	}
	return success, failed, pending
}

// Throughput returns the mean and population standard deviation of the
// speeds of successful downloads in MB/s. Both are zero without downloads.
func (r *Report) Throughput() (mean, stddev float64) {
	return meanStd(r.Speeds)
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

// CounterNames returns the counter names in sorted order.
func (r *Report) CounterNames() []string {
	names := make([]string, 0, len(r.Counters))
	for name := range r.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteTable prints the per-product statuses followed by the counters.
func (r *Report) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "PRODUCT\tSTATUS\tSOURCE\tREASON")
	for _, it := range r.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.Name, it.Status, dash(string(it.Source)), dash(it.Reason))
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "COUNTER\tVALUE")
	for _, name := range r.CounterNames() {
		fmt.Fprintf(tw, "%s\t%d\n", name, r.Counters[name])
	}
	fmt.Fprintln(tw)

	success, failed, pending := r.Tally()
	mean, std := r.Throughput()
	var transferred int64
	for _, a := range r.Attempts {
		if a.Outcome == downloader.OutcomeOK {
			transferred += a.Bytes
		}
	}
	fmt.Fprintf(tw, "success\t%d\n", success)
	fmt.Fprintf(tw, "failed\t%d\n", failed)
	if pending > 0 {
		fmt.Fprintf(tw, "pending\t%d\n", pending)
	}
	fmt.Fprintf(tw, "rounds\t%v\n", r.Rounds)
	fmt.Fprintf(tw, "transferred\t%s\n", progress.FormatBytes(transferred))
	fmt.Fprintf(tw, "speed\t%.1f MB/s (stdev %.1f MB/s)\n", mean, std)
	if len(r.Blacklisted) > 0 {
		fmt.Fprintf(tw, "blacklisted\t%v\n", r.Blacklisted)
	}

	return tw.Flush()
}

// Log writes a one-line summary of the run.
func (r *Report) Log(logger zerolog.Logger) {
	success, failed, pending := r.Tally()
	mean, std := r.Throughput()
	logger.Info().
		Str("run", r.RunID).
		Int("success", success).
		Int("failed", failed).
		Int("pending", pending).
		Ints("rounds", r.Rounds).
		Float64("speed_mbps", mean).
		Float64("speed_stdev_mbps", std).
		Interface("counters", r.Counters).
		Msg("download over")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
