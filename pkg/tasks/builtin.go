package tasks

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"

	"offload/pkg/device"
)

// ErrDivisionByZero is the task failure raised by divide.
var ErrDivisionByZero = errors.New("division by zero")

// Work loops poll the context every cancelCheckEvery iterations.
const cancelCheckEvery = 4096

func builtinOperations() []Operation {
	return []Operation{
		{
			Name:   "square",
			Class:  device.CPU,
			Params: []Param{{Name: "x", Kind: KindInt}},
			Run: func(_ context.Context, p Params) (any, error) {
				x := int64(p.Int("x"))
				return x * x, nil
			},
		},
		{
			Name:   "divide",
			Class:  device.CPU,
			Params: []Param{{Name: "a", Kind: KindFloat}, {Name: "b", Kind: KindFloat}},
			Run: func(_ context.Context, p Params) (any, error) {
				if p.Float("b") == 0 {
					return nil, ErrDivisionByZero
				}
				return p.Float("a") / p.Float("b"), nil
			},
		},
		{
			Name:   "prime_count",
			Class:  device.CPU,
			Params: []Param{limited("limit", KindInt, nil, 0, 5_000_000)},
			Run:    primeCount,
		},
		{
			Name:  "matrix_multiply",
			Class: device.CPU,
			Params: []Param{
				limited("size", KindInt, 64, 1, 256),
				{Name: "seed", Kind: KindInt, Default: 42},
			},
			Run: matrixMultiply,
		},
		{
			Name:  "data_stats",
			Class: device.CPU,
			Params: []Param{
				limited("count", KindInt, 1000, 1, 1_000_000),
				{Name: "seed", Kind: KindInt, Default: 42},
			},
			Run: dataStats,
		},
		{
			Name:  "image_filter",
			Class: device.GPU,
			Params: []Param{
				limited("width", KindInt, 320, 1, 2048),
				limited("height", KindInt, 240, 1, 2048),
				limited("passes", KindInt, 1, 1, 10),
				{Name: "seed", Kind: KindInt, Default: 42},
			},
			Run: imageFilter,
		},
	}
}

func limited(name string, kind Kind, def any, lo, hi float64) Param {
	minValue, maxValue := bounds(lo, hi)
	return Param{Name: name, Kind: kind, Default: def, Min: minValue, Max: maxValue}
}

func newRand(seed int) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}

func primeCount(ctx context.Context, p Params) (any, error) {
	limit := p.Int("limit")
	if limit < 2 {
		return 0, nil
	}

	composite := make([]bool, limit+1)
	count := 0
	for i := 2; i <= limit; i++ {
		if i%cancelCheckEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if composite[i] {
			continue
		}
		count++
		for j := i * i; j <= limit; j += i {
			composite[j] = true
		}
	}
	return count, nil
}

type matrixResult struct {
	Size     int     `json:"size"`
	Trace    float64 `json:"trace"`
	Checksum float64 `json:"checksum"`
}

func matrixMultiply(ctx context.Context, p Params) (any, error) {
	size := p.Int("size")
	rng := newRand(p.Int("seed"))

	a := make([]float64, size*size)
	b := make([]float64, size*size)
	for i := range a {
		a[i] = rng.Float64()
		b[i] = rng.Float64()
	}

	product := make([]float64, size*size)
	for i := range size {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for k := range size {
			aik := a[i*size+k]
			for j := range size {
				product[i*size+j] += aik * b[k*size+j]
			}
		}
	}

	result := matrixResult{Size: size}
	for i := range size {
		result.Trace += product[i*size+i]
	}
	for _, value := range product {
		result.Checksum += value
	}
	result.Trace = round6(result.Trace)
	result.Checksum = round6(result.Checksum)
	return result, nil
}

type statsResult struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

func dataStats(ctx context.Context, p Params) (any, error) {
	count := p.Int("count")
	rng := newRand(p.Int("seed"))

	result := statsResult{Count: count, Min: math.Inf(1), Max: math.Inf(-1)}
	var mean, m2 float64
	for i := range count {
		if i%cancelCheckEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		value := rng.NormFloat64()*10 + 50
		delta := value - mean
		mean += delta / float64(i+1)
		m2 += delta * (value - mean)
		result.Min = math.Min(result.Min, value)
		result.Max = math.Max(result.Max, value)
	}

	result.Mean = round6(mean)
	if count > 1 {
		result.StdDev = round6(math.Sqrt(m2 / float64(count-1)))
	}
	result.Min = round6(result.Min)
	result.Max = round6(result.Max)
	return result, nil
}

type imageResult struct {
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	Passes        int     `json:"passes"`
	MeanIntensity float64 `json:"mean_intensity"`
}

// imageFilter box-blurs a synthetic grayscale frame.
func imageFilter(ctx context.Context, p Params) (any, error) {
	width, height, passes := p.Int("width"), p.Int("height"), p.Int("passes")
	rng := newRand(p.Int("seed"))

	frame := make([]float64, width*height)
	for i := range frame {
		frame[i] = float64(rng.IntN(256))
	}

	scratch := make([]float64, len(frame))
	for range passes {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for y := range height {
			for x := range width {
				var sum float64
				var n int
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := x+dx, y+dy
						if nx < 0 || ny < 0 || nx >= width || ny >= height {
							continue
						}
						sum += frame[ny*width+nx]
						n++
					}
				}
				scratch[y*width+x] = sum / float64(n)
			}
		}
		frame, scratch = scratch, frame
	}

	var total float64
	for _, value := range frame {
		total += value
	}

	return imageResult{
		Width:         width,
		Height:        height,
		Passes:        passes,
		MeanIntensity: round6(total / float64(len(frame))),
	}, nil
}

func round6(value float64) float64 {
	return math.Round(value*1e6) / 1e6
}
