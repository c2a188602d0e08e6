package report

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/stevecastle/depthkit/evalerr"
)

// PlotHistogram saves a histogram of per-example abs_rel values as a PNG (or
// any format plot.Save infers from the extension).
func PlotHistogram(path string, absRels []float64, bins int) error {
	if len(absRels) == 0 {
		return evalerr.Domainf("no values to plot")
	}
	if bins <= 0 {
		bins = 20
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("abs_rel over %d examples", len(absRels))
	p.X.Label.Text = "abs_rel"
	p.Y.Label.Text = "Examples"

	h, err := plotter.NewHist(plotter.Values(absRels), bins)
	if err != nil {
		return fmt.Errorf("build histogram: %w", err)
	}
	p.Add(h)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return evalerr.IO("create plot directory", err)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return evalerr.IO("save plot "+path, err)
	}
	return nil
}
