// Package expr loads and validates the observed expression data fed to
// the Gibbs samplers: bulk and single-cell count matrices, the cell
// type assignment vector and optional marker gene hints.
package expr

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/golang/glog"
	"gonum.org/v1/gonum/mat"
)

// Marker flags a (gene, cell type) coordinate known a priori to be
// specific to that type. Markers only seed the bulk chain's initial
// state and are never used afterwards.
type Marker struct {
	Gene int
	Type int
}

// LoadMatrix reads a comma-separated numeric matrix, one row per line.
// All rows must have the same number of fields.
func LoadMatrix(fn string) (*mat.Dense, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var data []float64
	var ncol int
	nrow := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		vals := strings.Split(line, ",")
		if nrow == 0 {
			ncol = len(vals)
		} else if len(vals) != ncol {
			return nil, fmt.Errorf("expr: %s row %d has %d fields, want %d", fn, nrow, len(vals), ncol)
		}
		for _, v := range vals {
			x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("expr: %s row %d: %v", fn, nrow, err)
			}
			data = append(data, x)
		}
		nrow += 1
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if nrow == 0 {
		return nil, fmt.Errorf("expr: %s is empty", fn)
	}
	return mat.NewDense(nrow, ncol, data), nil
}

// LoadIntVector reads one integer per line (or a single comma-separated
// line) into a slice.
func LoadIntVector(fn string) ([]int, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		for _, v := range strings.Split(line, ",") {
			x, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("expr: %s: %v", fn, err)
			}
			out = append(out, x)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadMarkers reads gene,type pairs, one pair per line.
func LoadMarkers(fn string) ([]Marker, error) {
	rows, err := LoadMatrix(fn)
	if err != nil {
		return nil, err
	}
	n, c := rows.Dims()
	if c != 2 {
		return nil, fmt.Errorf("expr: %s must have two columns (gene, type), got %d", fn, c)
	}
	markers := make([]Marker, n)
	for r := 0; r < n; r += 1 {
		markers[r] = Marker{Gene: int(rows.At(r, 0)), Type: int(rows.At(r, 1))}
	}
	return markers, nil
}

// Validate applies the preconditions the samplers assume: at least one
// of the two data sets present, matching gene dimensions, a type label
// in [0, K) for every cell and for every marker.
func Validate(bkExpr, scExpr *mat.Dense, g []int, k int, markers []Marker) error {
	if bkExpr == nil && scExpr == nil {
		return fmt.Errorf("expr: must provide at least one of single cell or bulk data")
	}
	if bkExpr != nil && scExpr != nil {
		_, nbk := bkExpr.Dims()
		_, nsc := scExpr.Dims()
		if nbk != nsc {
			return fmt.Errorf("expr: single cell and bulk data must have the same number of genes (%d vs %d)", nsc, nbk)
		}
	}
	if scExpr != nil {
		l, _ := scExpr.Dims()
		if g == nil {
			return fmt.Errorf("expr: must provide cell type information for single cells")
		}
		if len(g) != l {
			return fmt.Errorf("expr: mismatched cell dimensions: %d cells but %d type labels", l, len(g))
		}
		for _, t := range g {
			if t < 0 || t >= k {
				return fmt.Errorf("expr: cell types can only take values in {0, ..., %d}", k-1)
			}
		}
	}
	var n int
	if bkExpr != nil {
		_, n = bkExpr.Dims()
	} else {
		_, n = scExpr.Dims()
	}
	for _, mk := range markers {
		if mk.Type < 0 || mk.Type >= k {
			return fmt.Errorf("expr: marker cell types can only take values in {0, ..., %d}", k-1)
		}
		if mk.Gene < 0 || mk.Gene >= n {
			return fmt.Errorf("expr: marker gene %d out of range", mk.Gene)
		}
	}
	if bkExpr != nil {
		m, n := bkExpr.Dims()
		log.Infof("%d bulk samples on %d genes are loaded", m, n)
	}
	if scExpr != nil {
		l, n := scExpr.Dims()
		log.Infof("%d single cells on %d genes are loaded", l, n)
	}
	return nil
}

// TypeIndex groups cell indices by their type label; the result is the
// per-type membership index the single-cell sampler consumes.
func TypeIndex(g []int, k int) [][]int {
	itype := make([][]int, k)
	for l, t := range g {
		itype[t] = append(itype[t], l)
	}
	return itype
}
