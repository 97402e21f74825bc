// Package einsum parses Einstein-summation equations and contracts tensors
// over host buffers. The executor works on flat row-major data so both the
// CPU backend and accelerator host-staging paths can share it.
package einsum

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

// ErrBadEquation is returned for syntactically or dimensionally invalid
// equations.
var ErrBadEquation = errors.New("einsum: bad equation")

// Plan is the resolved, immutable execution plan for one equation against
// one set of operand shapes. Plans are cached; never mutate one.
type Plan struct {
	// OutShape is the result shape, outermost first. Empty for scalars.
	OutShape []int

	output  []int   // label id per output axis
	sum     []int   // summed label ids, first-appearance order
	extents []int   // label id -> dimension extent
	strides [][]int // operand -> label id -> flat stride (0 if absent)

	// fastDot marks a two-operand contraction whose last summed label is
	// stride-1 in both operands, so the inner loop can run the dot kernel.
	fastDot bool
}

var plans = cache.NewMap[*Plan]()

// Parse validates the equation against the operand shapes and returns the
// (possibly cached) execution plan.
//
// Supported grammar: comma-separated operand terms of index letters
// [a-zA-Z], optionally followed by "->" and an output term. Whitespace is
// ignored. Without "->" the output consists of the labels that appear
// exactly once, sorted (implicit mode). Repeated labels within one operand
// select its diagonal. Ellipsis broadcasting is not supported.
func Parse(equation string, shapes [][]int) (*Plan, error) {
	key := planKey(equation, shapes)
	if p, ok := plans.Get(key); ok {
		return p, nil
	}

	p, err := parse(equation, shapes)
	if err != nil {
		return nil, err
	}
	plans.Put(key, p)
	return p, nil
}

func planKey(equation string, shapes [][]int) string {
	var sb strings.Builder
	sb.WriteString(equation)
	for _, s := range shapes {
		sb.WriteByte('|')
		for i, d := range s {
			if i > 0 {
				sb.WriteByte('x')
			}
			sb.WriteString(strconv.Itoa(d))
		}
	}
	return sb.String()
}

func parse(equation string, shapes [][]int) (*Plan, error) {
	eq := strings.ReplaceAll(equation, " ", "")
	if strings.Contains(eq, "...") {
		return nil, fmt.Errorf("%w: ellipsis broadcasting not supported", ErrBadEquation)
	}

	lhs := eq
	rhs := ""
	explicit := false
	if i := strings.Index(eq, "->"); i >= 0 {
		lhs, rhs = eq[:i], eq[i+2:]
		explicit = true
		if strings.Contains(rhs, "->") {
			return nil, fmt.Errorf("%w: multiple '->' in %q", ErrBadEquation, equation)
		}
	}

	terms := strings.Split(lhs, ",")
	if len(terms) != len(shapes) {
		return nil, fmt.Errorf("%w: %d operand terms for %d operands", ErrBadEquation, len(terms), len(shapes))
	}

	// Assign label ids in first-appearance order and bind extents.
	ids := map[rune]int{}
	var extents []int
	counts := map[rune]int{}
	inputs := make([][]int, len(terms))

	for ti, term := range terms {
		shape := shapes[ti]
		labels := []rune(term)
		if len(labels) != len(shape) {
			return nil, fmt.Errorf("%w: term %q has %d labels for rank-%d operand", ErrBadEquation, term, len(labels), len(shape))
		}
		axes := make([]int, len(labels))
		for ai, r := range labels {
			if !isIndexLetter(r) {
				return nil, fmt.Errorf("%w: invalid index %q in %q", ErrBadEquation, string(r), equation)
			}
			id, ok := ids[r]
			if !ok {
				id = len(extents)
				ids[r] = id
				extents = append(extents, shape[ai])
			} else if extents[id] != shape[ai] {
				return nil, fmt.Errorf("%w: index %q bound to both %d and %d", ErrBadEquation, string(r), extents[id], shape[ai])
			}
			axes[ai] = id
			counts[r]++
		}
		inputs[ti] = axes
	}

	// Resolve output labels.
	var outLabels []rune
	if explicit {
		seen := map[rune]bool{}
		for _, r := range rhs {
			if !isIndexLetter(r) {
				return nil, fmt.Errorf("%w: invalid output index %q", ErrBadEquation, string(r))
			}
			if _, ok := ids[r]; !ok {
				return nil, fmt.Errorf("%w: output index %q not present in inputs", ErrBadEquation, string(r))
			}
			if seen[r] {
				return nil, fmt.Errorf("%w: output index %q repeated", ErrBadEquation, string(r))
			}
			seen[r] = true
			outLabels = append(outLabels, r)
		}
	} else {
		for r, c := range counts {
			if c == 1 {
				outLabels = append(outLabels, r)
			}
		}
		sort.Slice(outLabels, func(i, j int) bool { return outLabels[i] < outLabels[j] })
	}

	output := make([]int, len(outLabels))
	outShape := make([]int, len(outLabels))
	inOutput := make([]bool, len(extents))
	for i, r := range outLabels {
		id := ids[r]
		output[i] = id
		outShape[i] = extents[id]
		inOutput[id] = true
	}

	// Summed labels in first-appearance order.
	var sum []int
	for id := range extents {
		if !inOutput[id] {
			sum = append(sum, id)
		}
	}

	// Per-operand flat stride of each label. Repeated labels within one
	// operand accumulate their axis strides, which walks the diagonal.
	strides := make([][]int, len(inputs))
	for ti, axes := range inputs {
		shape := shapes[ti]
		axStride := make([]int, len(shape))
		s := 1
		for i := len(shape) - 1; i >= 0; i-- {
			axStride[i] = s
			s *= shape[i]
		}
		ls := make([]int, len(extents))
		for ai, id := range axes {
			ls[id] += axStride[ai]
		}
		strides[ti] = ls
	}

	p := &Plan{
		OutShape: outShape,
		output:   output,
		sum:      sum,
		extents:  extents,
		strides:  strides,
	}

	if len(inputs) == 2 && len(sum) > 0 {
		last := sum[len(sum)-1]
		if strides[0][last] == 1 && strides[1][last] == 1 {
			p.fastDot = true
		}
	}
	return p, nil
}

func isIndexLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// Contract evaluates the plan over flat row-major operand buffers. The
// output index space is split across workers; each output element sums the
// operand products over the summation index space.
func Contract[T ~float64 | ~complex128](p *Plan, operands [][]T) []T {
	outSize := 1
	for _, d := range p.OutShape {
		outSize *= d
	}
	out := make([]T, outSize)

	// A zero-extent summation index sums nothing.
	for _, id := range p.sum {
		if p.extents[id] == 0 {
			return out
		}
	}

	sumIDs := p.sum
	fast := p.fastDot
	var fastExt int
	if fast {
		fastExt = p.extents[sumIDs[len(sumIDs)-1]]
		sumIDs = sumIDs[:len(sumIDs)-1]
	}

	workers := runtime.NumCPU()
	if outSize < workers {
		workers = outSize
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	perWorker := (outSize + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * perWorker
		end := start + perWorker
		if start >= outSize {
			break
		}
		if end > outSize {
			end = outSize
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()

			nops := len(operands)
			base := make([]int, nops)
			off := make([]int, nops)
			sumIdx := make([]int, len(sumIDs))

			for o := start; o < end; o++ {
				// Base operand offsets from the output multi-index.
				for i := range base {
					base[i] = 0
				}
				rem := o
				for ax := len(p.OutShape) - 1; ax >= 0; ax-- {
					idx := rem % p.OutShape[ax]
					rem /= p.OutShape[ax]
					id := p.output[ax]
					for ti := range operands {
						base[ti] += idx * p.strides[ti][id]
					}
				}

				for i := range sumIdx {
					sumIdx[i] = 0
				}

				var acc T
				for {
					for ti := range operands {
						off[ti] = base[ti]
						for si, id := range sumIDs {
							off[ti] += sumIdx[si] * p.strides[ti][id]
						}
					}

					if fast {
						acc += dot(operands[0][off[0]:off[0]+fastExt], operands[1][off[1]:off[1]+fastExt])
					} else {
						prod := operands[0][off[0]]
						for ti := 1; ti < nops; ti++ {
							prod *= operands[ti][off[ti]]
						}
						acc += prod
					}

					// Advance the summation odometer.
					si := len(sumIdx) - 1
					for ; si >= 0; si-- {
						sumIdx[si]++
						if sumIdx[si] < p.extents[sumIDs[si]] {
							break
						}
						sumIdx[si] = 0
					}
					if si < 0 {
						break
					}
				}
				out[o] = acc
			}
		}(start, end)
	}
	wg.Wait()
	return out
}

func dot[T ~float64 | ~complex128](a, b []T) T {
	switch av := any(a).(type) {
	case []float64:
		return any(simd.DotProduct(av, any(b).([]float64))).(T)
	case []complex128:
		return any(simd.DotProductCmplx(av, any(b).([]complex128))).(T)
	}
	var acc T
	for i := range a {
		acc += a[i] * b[i]
	}
	return acc
}
