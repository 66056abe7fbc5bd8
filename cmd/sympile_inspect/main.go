// sympile_inspect compiles one of the built-in demo graphs and reports what
// the pipeline did to it: op counts before and after rewriting, the linker's
// storage-reuse decisions, intermediate storage and, on request, the
// generated C unit.
//
// Usage:
//
//	sympile_inspect [-graph=chain|product|shapes] [-opt=none|default|aggressive] [-c]
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/sympile/sympile/compile"
	"github.com/sympile/sympile/config"
	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/link"
	"github.com/sympile/sympile/ops"
	"github.com/sympile/sympile/types/shapes"
)

var (
	flagGraph = flag.String("graph", "chain",
		"Demo graph to inspect: 'chain' (unary chain, exercises fusion), "+
			"'product' (sum of products, exercises storage reuse) or "+
			"'shapes' (shape-only query, exercises shape specialization).")
	flagOpt = flag.String("opt", config.OptDefault,
		"Optimizer level: none, default or aggressive.")
	flagDevice  = flag.String("device", "", "Default device; empty takes the configured one.")
	flagCSource = flag.Bool("c", false, "Print the generated C unit, when the graph has a full lowering.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).PaddingLeft(1).PaddingRight(1)
	evenRowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).PaddingLeft(1).PaddingRight(1)
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				return oddRowStyle
			}
			return evenRowStyle
		})
}

// buildDemo constructs the requested demo graph with the configured default
// float dtype (SYMPILE_FLOATX).
func buildDemo(name string, dtype dtypes.DType) *graph.FunctionGraph {
	fg := graph.New(name)
	switch name {
	case "chain":
		x := fg.NewInput("x", shapes.Make(dtype, 1024))
		fg.SetOutputs(ops.Log(ops.Exp(ops.Neg(ops.Exp(x)))))
	case "product":
		x := fg.NewInput("x", shapes.Make(dtype, 256, 256))
		y := fg.NewInput("y", shapes.Make(dtype, 256, 256))
		one := ops.ConstScalar(fg, dtype, 1)
		fg.SetOutputs(ops.Sum(ops.Mul(ops.Add(ops.Mul(x, y), ops.Mul(x, x)), one)))
	case "shapes":
		x := fg.NewInput("x", shapes.MakePartial(dtype, shapes.UnknownDim, shapes.UnknownDim))
		two := ops.ConstScalar(fg, dtype, 2)
		fg.SetOutputs(ops.ShapeOf(ops.Pow(x, two)))
	default:
		klog.Errorf("Unknown -graph=%q. See 'sympile_inspect -help'.", name)
		os.Exit(1)
	}
	return fg
}

// opCounts returns the per-op-name node counts of the graph's schedule.
func opCounts(fg *graph.FunctionGraph) map[string]int {
	counts := make(map[string]int)
	for _, node := range fg.Toposort() {
		counts[node.Op().Name()]++
	}
	return counts
}

func main() {
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %v. See 'sympile_inspect -help'.", flag.Args())
		os.Exit(1)
	}

	options := config.Get()
	options.Opt = *flagOpt
	if *flagDevice != "" {
		options.Device = *flagDevice
	}

	fg := buildDemo(*flagGraph, options.FloatX)
	before := opCounts(fg)
	f := must.M1(compile.Compile(fg, compile.WithOptions(options)))
	after := opCounts(f.Graph())
	plan := must.M1(link.NewPlan(f.Graph()))

	reportOps(before, after)
	reportSummary(f, plan)
	if *flagCSource {
		if source := f.CSource(); source != "" {
			fmt.Println(source)
		} else {
			fmt.Println("No full C lowering for this graph; it runs interpreted.")
		}
	}
}

func reportOps(before, after map[string]int) {
	names := make([]string, 0, len(before)+len(after))
	seen := make(map[string]bool)
	for _, counts := range []map[string]int{before, after} {
		for name := range counts {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)

	table := newPlainTable(true)
	table.Row("Op", "Before", "After")
	for _, name := range names {
		table.Row(name, fmt.Sprintf("%d", before[name]), fmt.Sprintf("%d", after[name]))
	}
	fmt.Println(titleStyle.Render("Scheduled ops"))
	fmt.Println(table.Render())
}

func reportSummary(f *compile.Function, plan *link.Plan) {
	takeovers := 0
	var intermediateBytes uint64
	for _, node := range plan.Schedule() {
		takeovers += len(plan.InplacePairs(node))
		for _, out := range node.Outputs() {
			if out.Shape().IsFullyDefined() {
				intermediateBytes += uint64(out.Shape().Memory())
			}
		}
	}

	table := newPlainTable(false)
	table.Row("Graph", f.Graph().Name())
	table.Row("Arguments", fmt.Sprintf("%d", f.NumInputs()))
	table.Row("Outputs", fmt.Sprintf("%d", len(f.Graph().Outputs())))
	table.Row("Scheduled nodes", fmt.Sprintf("%d", len(plan.Schedule())))
	table.Row("Devices", fmt.Sprintf("%v", plan.Devices()))
	table.Row("Storage takeovers", fmt.Sprintf("%d", takeovers))
	table.Row("Intermediate storage", humanize.Bytes(intermediateBytes))
	unit := f.UnitName()
	if unit == "" {
		unit = "(interpreted only)"
	}
	table.Row("C unit", unit)
	fmt.Println(titleStyle.Render("Compilation summary"))
	fmt.Println(table.Render())
}
