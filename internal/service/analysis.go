package service

import (
	"context"
	"errors"
	"math"
	"math/rand"
)

// matrix holds one row of standardized feature values per object.
type matrix struct {
	ids  []int64
	rows [][]float64
}

// buildMatrix collects the selected features of every object, skipping
// objects that lack one of them, and standardizes each column.
func buildMatrix(ids []int64, columns [][]float64) matrix {
	m := matrix{}
	for i, id := range ids {
		row := make([]float64, len(columns))
		ok := true
		for j, col := range columns {
			v := col[i]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				ok = false
				break
			}
			row[j] = v
		}
		if ok {
			m.ids = append(m.ids, id)
			m.rows = append(m.rows, row)
		}
	}
	standardize(m.rows)
	return m
}

func standardize(rows [][]float64) {
	if len(rows) == 0 {
		return
	}
	n := float64(len(rows))
	for j := range rows[0] {
		var mean float64
		for _, r := range rows {
			mean += r[j]
		}
		mean /= n
		var sd float64
		for _, r := range rows {
			sd += (r[j] - mean) * (r[j] - mean)
		}
		sd = math.Sqrt(sd / n)
		if sd == 0 {
			sd = 1
		}
		for _, r := range rows {
			r[j] = (r[j] - mean) / sd
		}
	}
}

func sqDist(a, b []float64) float64 {
	var d float64
	for i := range a {
		d += (a[i] - b[i]) * (a[i] - b[i])
	}
	return d
}

func nearest(row []float64, centers [][]float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, center := range centers {
		if d := sqDist(row, center); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

const kmeansMaxIter = 100

var errTooFewObjects = errors.New("fewer objects than clusters")

// kmeans clusters rows into k groups using k-means++ seeding with a fixed
// seed, so equal input gives equal clusters.
func kmeans(ctx context.Context, rows [][]float64, k int, seed int64) ([]int, error) {
	if len(rows) < k {
		return nil, errTooFewObjects
	}
	rng := rand.New(rand.NewSource(seed))

	centers := make([][]float64, 0, k)
	centers = append(centers, append([]float64(nil), rows[rng.Intn(len(rows))]...))
	dist := make([]float64, len(rows))
	for len(centers) < k {
		var total float64
		for i, r := range rows {
			dist[i] = sqDist(r, centers[nearest(r, centers)])
			total += dist[i]
		}
		pick := 0
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range dist {
				target -= d
				if target <= 0 {
					pick = i
					break
				}
			}
		} else {
			pick = rng.Intn(len(rows))
		}
		centers = append(centers, append([]float64(nil), rows[pick]...))
	}

	assign := make([]int, len(rows))
	for i := range assign {
		assign[i] = -1
	}
	for iter := 0; iter < kmeansMaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := false
		for i, r := range rows {
			if c := nearest(r, centers); c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
		counts := make([]int, k)
		for c := range centers {
			for j := range centers[c] {
				centers[c][j] = 0
			}
		}
		for i, r := range rows {
			c := assign[i]
			counts[c]++
			for j, v := range r {
				centers[c][j] += v
			}
		}
		for c := range centers {
			if counts[c] == 0 {
				continue
			}
			for j := range centers[c] {
				centers[c][j] /= float64(counts[c])
			}
		}
	}
	return assign, nil
}

// centroids averages the rows of each class.
func centroids(rows [][]float64, classes []int, n int) ([][]float64, []int) {
	dims := 0
	if len(rows) > 0 {
		dims = len(rows[0])
	}
	centers := make([][]float64, n)
	for c := range centers {
		centers[c] = make([]float64, dims)
	}
	counts := make([]int, n)
	for i, r := range rows {
		c := classes[i]
		counts[c]++
		for j, v := range r {
			centers[c][j] += v
		}
	}
	for c := range centers {
		if counts[c] == 0 {
			continue
		}
		for j := range centers[c] {
			centers[c][j] /= float64(counts[c])
		}
	}
	return centers, counts
}

// histogram bins finite values into n equal-width bins over [min, max].
func histogram(values []float64, min, max float64, n int) ([]int, []float64) {
	counts := make([]int, n)
	edges := make([]float64, n+1)
	width := (max - min) / float64(n)
	for i := range edges {
		edges[i] = min + float64(i)*width
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		b := n - 1
		if width > 0 {
			b = int((v - min) / width)
			if b >= n {
				b = n - 1
			}
			if b < 0 {
				b = 0
			}
		}
		counts[b]++
	}
	return counts, edges
}
