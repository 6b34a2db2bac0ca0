// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/lockstepml/lockstep/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/exp/constraints"
)

// ExtraMetricFn adds a row to the stats table: it is called on every refresh
// and returns the row's title and current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the longest the display goes without a redraw.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle selects the bar theme. ASCII survives dumb terminals;
// progressbar.ThemeUnicode is prettier where the glyphs render.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName identifies the progress bar hooks in loop errors.
const ProgressBarName = "lockstep.train.commandline.progressBar"

// maxUpdateFrequency throttles the printer goroutine between redraws.
const maxUpdateFrequency = time.Millisecond * 200

const tableBorderColor = "#7D56F4"

var (
	labelStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	valueStyle = lipgloss.NewStyle().Padding(0, 1)
)

// progressBar renders a progress bar plus a lipgloss stats table, redrawn in
// place by an asynchronous printer goroutine.
type progressBar struct {
	totalSteps  int
	lastStep    int
	bar         *progressbar.ProgressBar
	eraseSuffix string

	term        *termenv.Output
	indent      lipgloss.Style
	stats       *lgtable.Table
	firstDraw   bool
	updates     chan progressBarUpdate
	printerDone sync.WaitGroup

	extraRows []ExtraMetricFn
}

// progressBarUpdate is one snapshot shipped from the training goroutine to
// the printer. The amount is how many steps the bar advances; the strings are
// already formatted so the printer never touches the live Loop.
type progressBarUpdate struct {
	amount     int
	globalStep string
	epoch      string
	medianStep string
	loss       string
}

// AttachProgressBar hooks a live progress display onto the loop: a stepping
// bar plus a table with the global step, epoch, median step duration and
// batch loss, redrawn in place a bounded number of times per run.
//
// Each extraRows function contributes one extra table row per refresh. In a
// distributed run attach it on the master only, or the replicas' output will
// interleave.
func AttachProgressBar(loop *train.Loop, extraRows ...ExtraMetricFn) {
	pBar := &progressBar{
		firstDraw: true,
		extraRows: extraRows,
		term:      termenv.NewOutput(os.Stdout),
		indent:    lipgloss.NewStyle().PaddingLeft(8),
		updates:   make(chan progressBarUpdate, 100),
	}
	pBar.stats = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(_, col int) lipgloss.Style {
			if col == 0 {
				return labelStyle
			}
			return valueStyle
		})

	pBar.printerDone.Add(1)
	go func() {
		// Decoupling the drawing keeps slow terminals (a cloud ssh session,
		// say) from stalling the training goroutine.
		defer pBar.printerDone.Done()
		for update := range pBar.updates {
			update = pBar.drain(update)
			pBar.draw(update)
			time.Sleep(maxUpdateFrequency)
		}
	}()

	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Refresh spread over the run, and at least once per RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStep = loop.LoopStep
	pBar.totalSteps = loop.EndStep - loop.StartStep
	if loop.EndStep < 0 {
		pBar.totalSteps = 1000 // Length unknown, pick something to render.
	}
	pBar.bar = progressbar.NewOptions(pBar.totalSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, loss float32) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	// The step that just finished counts, hence the +1.
	advanced := loop.LoopStep + 1 - pBar.lastStep
	if advanced <= 0 {
		return nil
	}

	// Appended after every bar write; erasing to the end of the screen
	// ("\033[J") instead flickers on some terminals.
	pBar.eraseSuffix = "\033[J"

	endStep := "?"
	if loop.EndStep >= 0 {
		endStep = humanizeInt(loop.EndStep)
	}
	// The median is computed here, on the loop's goroutine: the durations
	// slice still grows while the asynchronous printer runs.
	pBar.updates <- progressBarUpdate{
		amount:     advanced,
		globalStep: fmt.Sprintf("%s of %s", humanizeInt(loop.LoopStep), endStep),
		epoch:      humanizeInt(loop.Epoch),
		medianStep: FormatDuration(loop.MedianTrainStepDuration()),
		loss:       fmt.Sprintf("%.4g", loss),
	}
	pBar.lastStep = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ float32) error {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.printerDone.Wait()
	if pBar.term != nil {
		pBar.term.ShowCursor()
	}
	fmt.Println()
	return nil
}

// drain empties whatever else is already queued, summing the advance amounts
// and keeping the freshest snapshot.
func (pBar *progressBar) drain(update progressBarUpdate) progressBarUpdate {
	for {
		select {
		case next, ok := <-pBar.updates:
			if !ok {
				return update
			}
			next.amount += update.amount
			update = next
		default:
			return update
		}
	}
}

// draw renders one table and bar refresh, backing the cursor up over the
// previous one.
func (pBar *progressBar) draw(update progressBarUpdate) {
	pBar.stats.Data(lgtable.NewStringData())
	pBar.stats.Row("Global Step", update.globalStep)
	pBar.stats.Row("Epoch", update.epoch)
	pBar.stats.Row("Median train step duration", update.medianStep)
	pBar.stats.Row("Batch loss", update.loss)
	rows := 4
	for _, extra := range pBar.extraRows {
		name, value := extra()
		pBar.stats.Row(name, value)
		rows++
	}

	pBar.term.HideCursor()
	if !pBar.firstDraw {
		// The table rows plus its two border lines plus the bar line.
		pBar.term.CursorPrevLine(rows + 3)
	}
	pBar.firstDraw = false

	fmt.Println(pBar.indent.Render(pBar.stats.String()))
	_ = pBar.bar.Add(update.amount)
	fmt.Println()
	pBar.term.ShowCursor()
}

// Write sends data to stdout with the erase suffix appended, so the bar and
// its trailing control sequence leave in a single call.
func (pBar *progressBar) Write(data []byte) (int, error) {
	n, err := os.Stdout.Write(data)
	if err != nil {
		return n, err
	}
	if _, err := os.Stdout.Write([]byte(pBar.eraseSuffix)); err != nil {
		return 0, err
	}
	return n, nil
}

// humanizeInt renders n with "_" between thousands groups: 1234567 becomes
// "1_234_567".
func humanizeInt[I constraints.Integer](n I) string {
	digits := fmt.Sprintf("%d", n)
	var b strings.Builder
	if digits[0] == '-' {
		b.WriteByte('-')
		digits = digits[1:]
	}
	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(digits[:lead])
	for i := lead; i < len(digits); i += 3 {
		b.WriteByte('_')
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
