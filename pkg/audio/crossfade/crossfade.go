// Package crossfade stitches consecutive PCM chunks into one continuous
// waveform using linear overlap-add.
//
// Streaming synthesis engines emit audio in short chunks whose boundaries
// rarely line up at a zero crossing. Concatenating them naively produces an
// audible click at every splice. An [Assembler] blends the last k samples of
// the buffer built so far with the first k samples of the incoming chunk
// using complementary linear ramps, where k is the configured window clamped
// to the lengths of both sides.
//
// The transform is deterministic: the same chunk sequence presented in the
// same order always yields a bit-identical buffer. Chunk order cannot be
// verified by the assembler and must be preserved by the caller.
package crossfade

// DefaultWindow is the crossfade window in samples used when none is given.
const DefaultWindow = 200

// Assembler accumulates chunks into a single append-only buffer. Only the
// trailing window of the buffer is ever rewritten; every sample before it is
// committed and never touched again.
//
// An Assembler is not safe for concurrent use. Each synthesis session owns
// exactly one.
type Assembler struct {
	window int
	buf    []float32
}

// New returns an empty Assembler with the given crossfade window. A window
// of zero disables blending (chunks are concatenated); a negative window
// selects [DefaultWindow].
func New(window int) *Assembler {
	if window < 0 {
		window = DefaultWindow
	}
	return &Assembler{window: window}
}

// Window returns the configured crossfade window in samples.
func (a *Assembler) Window() int { return a.window }

// Len returns the number of samples currently in the buffer.
func (a *Assembler) Len() int { return len(a.buf) }

// Append merges chunk into the buffer and returns the number of samples that
// were blended. The chunk is copied; the caller may reuse it afterwards.
//
// An empty chunk leaves the buffer unchanged. The first non-empty chunk is
// taken verbatim. Every later chunk overlaps the buffer by
// min(window, Len(), len(chunk)) samples, so the buffer grows by
// len(chunk) minus that overlap.
func (a *Assembler) Append(chunk []float32) int {
	if len(chunk) == 0 {
		return 0
	}
	if len(a.buf) == 0 {
		a.buf = append(a.buf, chunk...)
		return 0
	}

	k := min(a.window, len(a.buf), len(chunk))
	tail := a.buf[len(a.buf)-k:]
	for i := range k {
		out, in := Weights(k, i)
		tail[i] = float32(float64(tail[i])*out + float64(chunk[i])*in)
	}
	a.buf = append(a.buf, chunk[k:]...)
	return k
}

// Samples returns the assembled buffer. The slice aliases internal storage:
// callers that keep appending must not retain it across calls to Append.
func (a *Assembler) Samples() []float32 { return a.buf }

// Reset discards the buffer, keeping its capacity for reuse.
func (a *Assembler) Reset() { a.buf = a.buf[:0] }

// Weights returns the fade-out and fade-in weights at position i of a k-sample
// overlap. The ramps run linearly from 1 to 0 and 0 to 1 inclusive, so the
// first overlapped sample belongs fully to the buffer and the last fully to
// the chunk. A single-sample overlap keeps the buffer's sample.
func Weights(k, i int) (out, in float64) {
	if k <= 1 {
		return 1, 0
	}
	in = float64(i) / float64(k-1)
	return 1 - in, in
}

// ExpectedLen returns the buffer length an Assembler with the given window
// reaches after appending chunks of the given lengths in order.
func ExpectedLen(window int, lengths ...int) int {
	total := 0
	for _, n := range lengths {
		if n <= 0 {
			continue
		}
		if total == 0 {
			total = n
			continue
		}
		total += n - min(window, total, n)
	}
	return total
}
