// Package sstable serializes dense float64 matrices as comma-separated
// text, the flat table format the EM driver reads its initial profile
// matrix from and dumps its posterior estimates to.
package sstable

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// WriteMatrix serializes m to fn, one row per line.
func WriteMatrix(fn string, m mat.Matrix) error {
	out, err := os.OpenFile(fn, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	r, c := m.Dims()
	for ridx := 0; ridx < r; ridx += 1 {
		for cidx := 0; cidx < c; cidx += 1 {
			if cidx > 0 {
				w.WriteByte(',')
			}
			w.WriteString(strconv.FormatFloat(m.At(ridx, cidx), 'e', 10, 64))
		}
		w.WriteByte('\n')
	}
	return w.Flush()
}

// WriteVector serializes v as a single-column table.
func WriteVector(fn string, v []float64) error {
	return WriteMatrix(fn, mat.NewDense(len(v), 1, append([]float64(nil), v...)))
}

// ReadMatrix deserializes a matrix written by WriteMatrix (or any
// comma-separated numeric table with equal-length rows).
func ReadMatrix(fn string) (*mat.Dense, error) {
	file, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var data []float64
	var ncol, nrow int

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	for scanner.Scan() {
		txt := strings.TrimSpace(scanner.Text())
		if txt == "" {
			continue
		}
		vals := strings.Split(txt, ",")
		if nrow == 0 {
			ncol = len(vals)
		} else if len(vals) != ncol {
			return nil, fmt.Errorf("sstable: table corrupted, row %d has %d fields, want %d", nrow, len(vals), ncol)
		}
		for _, v := range vals {
			x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("sstable: row %d: %v", nrow, err)
			}
			data = append(data, x)
		}
		nrow += 1
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if nrow == 0 {
		return nil, fmt.Errorf("sstable: %s is empty", fn)
	}
	return mat.NewDense(nrow, ncol, data), nil
}
