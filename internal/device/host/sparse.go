package host

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/sparselt/internal/device"
)

// groupSize and groupKeep describe the 2:4 pattern along the reduction
// dimension of op(A).
const (
	groupSize = 4
	groupKeep = 2
)

// tileMasks holds every 4x4 keep-mask with two survivors per row and column.
var tileMasks = func() []uint16 {
	var out []uint16
	for m := 0; m < 1<<16; m++ {
		if bits.OnesCount16(uint16(m)) != 8 {
			continue
		}
		ok := true
		for i := 0; i < 4 && ok; i++ {
			row := (m >> (4 * i)) & 0xf
			col := 0
			for j := 0; j < 4; j++ {
				col |= ((m >> (4*j + i)) & 1) << j
			}
			ok = bits.OnesCount(uint(row)) == 2 && bits.OnesCount(uint(col)) == 2
		}
		if ok {
			out = append(out, uint16(m))
		}
	}
	return out
}()

func validateDesc(desc device.MatDesc) error {
	if desc.Rows < 1 || desc.Cols < 1 {
		return fmt.Errorf("invalid shape %dx%d", desc.Rows, desc.Cols)
	}
	if desc.Type.Size() == 0 {
		return fmt.Errorf("unsupported data type %s", desc.Type)
	}
	minLd := desc.Cols
	if desc.Order == device.OrderCol {
		minLd = desc.Rows
	}
	if desc.Ld < minLd {
		return fmt.Errorf("leading dimension %d smaller than %d", desc.Ld, minLd)
	}
	if desc.Alignment == 0 || desc.Alignment%16 != 0 {
		return fmt.Errorf("alignment %d is not a multiple of 16 bytes", desc.Alignment)
	}
	// Dense operands only need aligned base pointers, which every
	// allocation has; the sparse operand's rows must stay aligned too.
	if desc.Structured && (desc.Ld*desc.Type.Size())%int64(desc.Alignment) != 0 {
		return fmt.Errorf("leading dimension %d violates %d-byte alignment", desc.Ld, desc.Alignment)
	}
	if desc.Batches < 1 {
		return fmt.Errorf("batch count %d must be >= 1", desc.Batches)
	}
	if desc.BatchStride < 0 || (desc.BatchStride > 0 && desc.BatchStride < desc.Elements()) {
		return fmt.Errorf("batch stride %d overlaps a %d-element matrix", desc.BatchStride, desc.Elements())
	}
	if desc.Structured {
		if desc.Sparsity != device.Sparsity50 {
			return fmt.Errorf("unsupported sparsity %s", desc.Sparsity)
		}
		if desc.Rows%groupSize != 0 || desc.Cols%groupSize != 0 {
			return fmt.Errorf("structured shape %dx%d must be a multiple of %d", desc.Rows, desc.Cols, groupSize)
		}
	}
	return nil
}

func invalid(op string, err error) error {
	return device.CheckDetail(libName, op, device.StatusInvalidValue, err.Error())
}

// storedBatches is the number of distinct matrices behind a descriptor.
func storedBatches(desc device.MatDesc) int64 {
	if desc.BatchStride == 0 {
		return 1
	}
	return int64(desc.Batches)
}

// opIndex maps element (i, j) of op(X) to its storage offset.
func opIndex(desc device.MatDesc, op device.Operation, b, i, j int64) int64 {
	if op == device.OpTranspose {
		return desc.Index(b, j, i)
	}
	return desc.Index(b, i, j)
}

// compressedLayout returns the per-batch size of the values block and the
// metadata block of a compressed matrix.
func compressedLayout(desc device.MatDesc) (values int64, meta int64) {
	n := desc.Rows * desc.Cols
	return n / groupKeep * desc.Type.Size(), n / groupSize
}

// parallelFor runs fn over [0, n) split into contiguous chunks.
func parallelFor(n int64, fn func(lo, hi int64) error) error {
	if n <= 0 {
		return nil
	}
	workers := int64(runtime.GOMAXPROCS(0))
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers
	var g errgroup.Group
	for lo := int64(0); lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			return fn(lo, hi)
		})
	}
	return g.Wait()
}

func (s *Session) Prune(desc device.MatDesc, op device.Operation, in, out device.Ptr, alg device.PruneAlg, st device.Stream) error {
	const name = "Prune"
	if bypass, err := s.enter(name); err != nil || bypass {
		return err
	}
	if err := s.checkStream(name, st); err != nil {
		return err
	}
	if !desc.Structured {
		return invalid(name, fmt.Errorf("descriptor is not structured"))
	}
	if err := validateDesc(desc); err != nil {
		return invalid(name, err)
	}
	src, status := s.lib.mem.view(in, desc.Bytes())
	if err := device.Check(libName, name, status); err != nil {
		return err
	}
	dst, status := s.lib.mem.view(out, desc.Bytes())
	if err := device.Check(libName, name, status); err != nil {
		return err
	}
	if in != out {
		copy(dst, src)
	}

	m, k := desc.OpShape(op)
	batches := storedBatches(desc)
	switch alg {
	case device.PruneStrip:
		return parallelFor(batches*m, func(lo, hi int64) error {
			for row := lo; row < hi; row++ {
				pruneStripRow(dst, desc, op, row/m, row%m, k)
			}
			return nil
		})
	case device.PruneTile:
		tileRows := m / groupSize
		return parallelFor(batches*tileRows, func(lo, hi int64) error {
			for t := lo; t < hi; t++ {
				b, ti := t/tileRows, t%tileRows
				for tj := int64(0); tj < k/groupSize; tj++ {
					pruneTile(dst, desc, op, b, ti*groupSize, tj*groupSize)
				}
			}
			return nil
		})
	default:
		return invalid(name, fmt.Errorf("unknown prune algorithm %s", alg))
	}
}

func pruneStripRow(buf []byte, desc device.MatDesc, op device.Operation, b, i, k int64) {
	for g := int64(0); g < k; g += groupSize {
		var idx [groupSize]int64
		var mag [groupSize]float32
		for t := range idx {
			idx[t] = opIndex(desc, op, b, i, g+int64(t))
			mag[t] = abs32(load(buf, desc.Type, idx[t]))
		}
		first, second := topTwo(mag)
		for t := range idx {
			if t != first && t != second {
				zero(buf, desc.Type, idx[t])
			}
		}
	}
}

// topTwo returns the positions of the two largest magnitudes, preferring the
// lower position on ties.
func topTwo(mag [groupSize]float32) (int, int) {
	first, second := -1, -1
	for t, v := range mag {
		switch {
		case first < 0 || v > mag[first]:
			second = first
			first = t
		case second < 0 || v > mag[second]:
			second = t
		}
	}
	return first, second
}

func pruneTile(buf []byte, desc device.MatDesc, op device.Operation, b, i0, j0 int64) {
	var idx [16]int64
	var mag [16]float32
	for r := int64(0); r < groupSize; r++ {
		for c := int64(0); c < groupSize; c++ {
			t := r*groupSize + c
			idx[t] = opIndex(desc, op, b, i0+r, j0+c)
			mag[t] = abs32(load(buf, desc.Type, idx[t]))
		}
	}
	best, bestScore := tileMasks[0], float32(-1)
	for _, mask := range tileMasks {
		var score float32
		for t := 0; t < 16; t++ {
			if mask&(1<<t) != 0 {
				score += mag[t]
			}
		}
		if score > bestScore {
			best, bestScore = mask, score
		}
	}
	for t := 0; t < 16; t++ {
		if best&(1<<t) == 0 {
			zero(buf, desc.Type, idx[t])
		}
	}
}

func (s *Session) PruneCheck(desc device.MatDesc, op device.Operation, in, valid device.Ptr, st device.Stream) error {
	const name = "PruneCheck"
	if bypass, err := s.enter(name); err != nil || bypass {
		return err
	}
	if err := s.checkStream(name, st); err != nil {
		return err
	}
	if !desc.Structured {
		return invalid(name, fmt.Errorf("descriptor is not structured"))
	}
	if err := validateDesc(desc); err != nil {
		return invalid(name, err)
	}
	buf, status := s.lib.mem.view(in, desc.Bytes())
	if err := device.Check(libName, name, status); err != nil {
		return err
	}
	flag, status := s.lib.mem.view(valid, 4)
	if err := device.Check(libName, name, status); err != nil {
		return err
	}

	m, k := desc.OpShape(op)
	var result uint32
	for b := int64(0); b < storedBatches(desc) && result == 0; b++ {
		for i := int64(0); i < m && result == 0; i++ {
			for g := int64(0); g < k; g += groupSize {
				if nonZeros(buf, desc, op, b, i, g) > groupKeep {
					result = 1
					break
				}
			}
		}
	}
	binary.LittleEndian.PutUint32(flag, result)
	return nil
}

func nonZeros(buf []byte, desc device.MatDesc, op device.Operation, b, i, g int64) int {
	n := 0
	for t := int64(0); t < groupSize; t++ {
		if !isZero(buf, desc.Type, opIndex(desc, op, b, i, g+t)) {
			n++
		}
	}
	return n
}

func (s *Session) CompressedSize(desc device.MatDesc) (int64, int64, error) {
	const name = "CompressedSize"
	if _, err := s.enter(name); err != nil {
		return 0, 0, err
	}
	if !desc.Structured {
		return 0, 0, invalid(name, fmt.Errorf("descriptor is not structured"))
	}
	if err := validateDesc(desc); err != nil {
		return 0, 0, invalid(name, err)
	}
	values, meta := compressedLayout(desc)
	return storedBatches(desc) * (values + meta), 0, nil
}

// Compress writes, per batch, the kept values of op(A) row by row followed by
// one metadata byte per group holding the two 2-bit column positions.
func (s *Session) Compress(desc device.MatDesc, op device.Operation, dense, compressed, scratch device.Ptr, st device.Stream) error {
	const name = "Compress"
	if bypass, err := s.enter(name); err != nil || bypass {
		return err
	}
	if err := s.checkStream(name, st); err != nil {
		return err
	}
	if !desc.Structured {
		return invalid(name, fmt.Errorf("descriptor is not structured"))
	}
	if err := validateDesc(desc); err != nil {
		return invalid(name, err)
	}
	src, status := s.lib.mem.view(dense, desc.Bytes())
	if err := device.Check(libName, name, status); err != nil {
		return err
	}
	values, meta := compressedLayout(desc)
	batches := storedBatches(desc)
	dst, status := s.lib.mem.view(compressed, batches*(values+meta))
	if err := device.Check(libName, name, status); err != nil {
		return err
	}

	m, k := desc.OpShape(op)
	groups := k / groupSize
	return parallelFor(batches*m, func(lo, hi int64) error {
		for row := lo; row < hi; row++ {
			b, i := row/m, row%m
			base := b * (values + meta)
			vals := dst[base : base+values]
			metas := dst[base+values : base+values+meta]
			for g := int64(0); g < groups; g++ {
				var pos [groupKeep]int64
				n := 0
				for t := int64(0); t < groupSize; t++ {
					if isZero(src, desc.Type, opIndex(desc, op, b, i, g*groupSize+t)) {
						continue
					}
					if n == groupKeep {
						return invalid(name, fmt.Errorf("row %d group %d is not 2:4 sparse", i, g))
					}
					pos[n] = t
					n++
				}
				// Pad with unused positions; their values are zero.
				for t := int64(0); n < groupKeep; t++ {
					if n == 1 && pos[0] == t {
						continue
					}
					pos[n] = t
					n++
				}
				if pos[0] > pos[1] {
					pos[0], pos[1] = pos[1], pos[0]
				}
				slot := i*(k/groupKeep) + g*groupKeep
				for p := range pos {
					v := load(src, desc.Type, opIndex(desc, op, b, i, g*groupSize+pos[p]))
					store(vals, desc.Type, slot+int64(p), v)
				}
				metas[i*groups+g] = byte(pos[0]) | byte(pos[1])<<2
			}
		}
		return nil
	})
}

func abs32(v float32) float32 {
	return float32(math.Abs(float64(v)))
}
