// Package embeddingstest provides deterministic tokenizer and encoder fakes
// for exercising the embedding pipeline without model files.
package embeddingstest

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/raaihank/bertify/internal/embeddings"
)

const (
	PadID = 0
	ClsID = 101
	SepID = 102
)

// ErrTokenize is returned by Tokenizer for texts containing FailToken.
var ErrTokenize = errors.New("fake tokenizer failure")

// Tokenizer splits on whitespace and hashes lowercase words into IDs,
// wrapping them in CLS/SEP.
type Tokenizer struct {
	MaxLen    int
	FailToken string
}

// Encode implements embeddings.Tokenizer
func (t *Tokenizer) Encode(text string) ([]int64, error) {
	if t.FailToken != "" && strings.Contains(text, t.FailToken) {
		return nil, ErrTokenize
	}
	ids := []int64{ClsID}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		ids = append(ids, WordID(w))
	}
	ids = append(ids, SepID)
	if t.MaxLen > 0 && len(ids) > t.MaxLen {
		ids = append(ids[:t.MaxLen-1], SepID)
	}
	return ids, nil
}

// PadID implements embeddings.Tokenizer
func (t *Tokenizer) PadID() int64 { return PadID }

// MaxLength implements embeddings.Tokenizer
func (t *Tokenizer) MaxLength() int { return t.MaxLen }

// WordID is the ID the fake tokenizer assigns to a word
func WordID(w string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(w))
	return 1000 + int64(h.Sum32()%20000)
}

// Encoder produces hidden states that depend only on each token's ID,
// position and layer, so a sequence's real-token states never depend on
// its batch neighbours.
type Encoder struct {
	Layers  int
	Dim     int
	FailAt  int // batch number that fails, 0 disables
	Dev     embeddings.Device
	mu      sync.Mutex
	Calls   []Call
	masks   [][]int64
	closed  bool
	Dynamic bool // report HiddenSize 0
}

// Call records the shape of one Forward
type Call struct {
	Size   int
	SeqLen int
}

// ErrForward is returned when FailAt is reached.
var ErrForward = errors.New("fake encoder failure")

// Value is the activation for token id at position pos in layer l, feature d.
func Value(id int64, pos, l, d int) float32 {
	return float32(id%97)/97 + 0.1*float32(l) + 0.01*float32(d) + 0.001*float32(pos)
}

// Forward implements embeddings.Encoder
func (e *Encoder) Forward(ctx context.Context, b *embeddings.Batch) (*embeddings.HiddenStates, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, Call{Size: b.Size, SeqLen: b.SeqLen})
	e.masks = append(e.masks, append([]int64(nil), b.EncoderMask()...))
	n := len(e.Calls)
	e.mu.Unlock()

	if e.FailAt > 0 && n == e.FailAt {
		return nil, ErrForward
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	states := &embeddings.HiddenStates{
		Layers: make([][]float32, e.Layers),
		Batch:  b.Size,
		SeqLen: b.SeqLen,
		Dim:    e.Dim,
	}
	for l := 0; l < e.Layers; l++ {
		layer := make([]float32, b.Size*b.SeqLen*e.Dim)
		for r := 0; r < b.Size; r++ {
			for s := 0; s < b.SeqLen; s++ {
				id := b.InputIDs[r*b.SeqLen+s]
				off := (r*b.SeqLen + s) * e.Dim
				for d := 0; d < e.Dim; d++ {
					layer[off+d] = Value(id, s, l, d)
				}
			}
		}
		states.Layers[l] = layer
	}
	return states, nil
}

// NumLayers implements embeddings.Encoder
func (e *Encoder) NumLayers() int { return e.Layers }

// HiddenSize implements embeddings.Encoder
func (e *Encoder) HiddenSize() int {
	if e.Dynamic {
		return 0
	}
	return e.Dim
}

// Device implements embeddings.Encoder
func (e *Encoder) Device() embeddings.Device {
	if e.Dev == "" {
		return embeddings.DeviceCPU
	}
	return e.Dev
}

// Close implements embeddings.Encoder
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Closed reports whether Close was called
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// CallShapes returns a copy of the recorded Forward shapes
func (e *Encoder) CallShapes() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.Calls...)
}

// Masks returns the attention masks Forward received, one per call
func (e *Encoder) Masks() [][]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]int64(nil), e.masks...)
}

// Provider hands out the fakes and counts loads.
type Provider struct {
	Tokenizer      *Tokenizer
	Encoder        *Encoder
	LoadErr        error
	Loads          int
	LastDevice     embeddings.Device
	LastCheckpoint embeddings.Checkpoint
}

// NewProvider returns a provider with a 5-layer, 8-wide encoder.
func NewProvider() *Provider {
	return &Provider{
		Tokenizer: &Tokenizer{MaxLen: 512},
		Encoder:   &Encoder{Layers: 5, Dim: 8},
	}
}

// LoadTokenizer implements embeddings.Provider
func (p *Provider) LoadTokenizer(ctx context.Context, cp embeddings.Checkpoint) (embeddings.Tokenizer, error) {
	p.Loads++
	p.LastCheckpoint = cp
	if p.LoadErr != nil {
		return nil, p.LoadErr
	}
	return p.Tokenizer, nil
}

// LoadEncoder implements embeddings.Provider
func (p *Provider) LoadEncoder(ctx context.Context, cp embeddings.Checkpoint, device embeddings.Device) (embeddings.Encoder, error) {
	p.Loads++
	p.LastDevice = device
	if p.LoadErr != nil {
		return nil, p.LoadErr
	}
	return p.Encoder, nil
}
