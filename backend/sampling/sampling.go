// Package sampling implements the sampling-task capability backend: a set of
// statistical and text-generation sampling methods (uniform, normal,
// weighted, stratified, top-k, nucleus) invoked with JSON parameters.
package sampling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/caphub/caphub-go/backend"
	"github.com/caphub/caphub-go/dispatch"
	"github.com/caphub/caphub-go/envelope"
)

// Option configures the sampling handler.
type Option func(*Handler)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithSeed makes the random source deterministic. Tests use this to assert
// exact draws.
func WithSeed(seed uint64) Option {
	return func(h *Handler) { h.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// Handler is the sampling-task backend.
type Handler struct {
	mu  sync.Mutex
	rng *rand.Rand
	log *slog.Logger
}

// New builds a handler with a time-seeded random source.
func New(opts ...Option) *Handler {
	h := &Handler{
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())),
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Kind() string { return "sampling" }

func (h *Handler) Capabilities() any {
	return map[string]any{
		"methods": []string{"uniform", "normal", "weighted", "stratified", "topk", "nucleus"},
	}
}

type taskPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Handle executes payload.method with payload.params.
func (h *Handler) Handle(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	if req.Type != dispatch.TypeSamplingTask {
		return nil, fmt.Errorf("unsupported request type for sampling backend: %s", req.Type)
	}

	var p taskPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode sampling-task payload: %w", err)
	}
	if p.Method == "" {
		return nil, fmt.Errorf("sampling method is required")
	}
	if p.Params == nil {
		p.Params = json.RawMessage("{}")
	}

	h.log.Info("sampling.run", slog.String("method", p.Method))

	var (
		result map[string]any
		err    error
	)
	h.mu.Lock()
	switch p.Method {
	case "uniform":
		result, err = h.uniform(p.Params)
	case "normal":
		result, err = h.normal(p.Params)
	case "weighted":
		result, err = h.weighted(p.Params)
	case "stratified":
		result, err = h.stratified(p.Params)
	case "topk":
		result, err = h.topK(p.Params)
	case "nucleus":
		result, err = h.nucleus(p.Params)
	default:
		err = fmt.Errorf("sampling method not supported: %s", p.Method)
	}
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	result["method"] = p.Method
	result["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	return envelope.NewResponse(req.ID, envelope.StatusSuccess,
		map[string]any{"result": result},
		envelope.WithSource("capserver-sampling"))
}

func sampleSize(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func (h *Handler) uniform(raw json.RawMessage) (map[string]any, error) {
	p := struct {
		Size int     `json:"size"`
		Low  float64 `json:"low"`
		High float64 `json:"high"`
	}{High: 1}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode uniform params: %w", err)
	}

	samples := make([]float64, sampleSize(p.Size))
	for i := range samples {
		samples[i] = p.Low + h.rng.Float64()*(p.High-p.Low)
	}
	return map[string]any{"samples": samples}, nil
}

func (h *Handler) normal(raw json.RawMessage) (map[string]any, error) {
	p := struct {
		Size int     `json:"size"`
		Mean float64 `json:"mean"`
		Std  float64 `json:"std"`
	}{Std: 1}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode normal params: %w", err)
	}

	samples := make([]float64, sampleSize(p.Size))
	for i := range samples {
		samples[i] = h.rng.NormFloat64()*p.Std + p.Mean
	}
	return map[string]any{"samples": samples}, nil
}

func (h *Handler) weighted(raw json.RawMessage) (map[string]any, error) {
	var p struct {
		Size    int       `json:"size"`
		Values  []any     `json:"values"`
		Weights []float64 `json:"weights"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode weighted params: %w", err)
	}
	if len(p.Values) == 0 || len(p.Weights) != len(p.Values) {
		return nil, fmt.Errorf("values and weights must be provided and have the same length")
	}

	total := 0.0
	for _, w := range p.Weights {
		if w < 0 {
			return nil, fmt.Errorf("weights must be non-negative")
		}
		total += w
	}
	if total == 0 {
		return nil, fmt.Errorf("weights must not all be zero")
	}

	samples := make([]any, sampleSize(p.Size))
	for i := range samples {
		r := h.rng.Float64() * total
		acc := 0.0
		pick := len(p.Values) - 1
		for j, w := range p.Weights {
			acc += w
			if r < acc {
				pick = j
				break
			}
		}
		samples[i] = p.Values[pick]
	}
	return map[string]any{"samples": samples}, nil
}

func (h *Handler) stratified(raw json.RawMessage) (map[string]any, error) {
	var p struct {
		Strata      map[string][]any `json:"strata"`
		SampleSizes map[string]int   `json:"sampleSizes"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode stratified params: %w", err)
	}
	if len(p.Strata) == 0 || len(p.SampleSizes) == 0 {
		return nil, fmt.Errorf("strata and sample sizes must be provided")
	}

	samples := make(map[string][]any, len(p.Strata))
	for name, values := range p.Strata {
		size := p.SampleSizes[name]
		if size <= 0 {
			size = 1
		}
		if size > len(values) {
			size = len(values)
		}
		// Without replacement: shuffle indices, take the first size.
		perm := h.rng.Perm(len(values))
		picked := make([]any, size)
		for i := 0; i < size; i++ {
			picked[i] = values[perm[i]]
		}
		samples[name] = picked
	}
	return map[string]any{"samples": samples}, nil
}

// softmax converts logits to a probability distribution, shifting by the max
// for numerical stability.
func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, l := range logits[1:] {
		if l > max {
			max = l
		}
	}
	probs := make([]float64, len(logits))
	sum := 0.0
	for i, l := range logits {
		probs[i] = math.Exp(l - max)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func applyTemperature(logits []float64, temperature float64) []float64 {
	if temperature <= 0 || temperature == 1 {
		return logits
	}
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = l / temperature
	}
	return out
}

// pickIndex draws one index from a probability distribution restricted to the
// given candidate indices. The candidate probabilities must sum to 1.
func (h *Handler) pickIndex(candidates []int, probs []float64) int {
	r := h.rng.Float64()
	acc := 0.0
	for i, c := range candidates {
		acc += probs[i]
		if r < acc {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func (h *Handler) topK(raw json.RawMessage) (map[string]any, error) {
	p := struct {
		Logits      []float64 `json:"logits"`
		K           int       `json:"k"`
		Temperature float64   `json:"temperature"`
	}{K: 5, Temperature: 1}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode topk params: %w", err)
	}
	if len(p.Logits) == 0 {
		return nil, fmt.Errorf("logits must be provided")
	}
	if p.K <= 0 || p.K > len(p.Logits) {
		p.K = len(p.Logits)
	}

	logits := applyTemperature(p.Logits, p.Temperature)

	// Indices of the k largest logits.
	order := make([]int, len(logits))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return logits[order[i]] > logits[order[j]] })
	top := order[:p.K]
	sort.Ints(top)

	topLogits := make([]float64, p.K)
	for i, idx := range top {
		topLogits[i] = logits[idx]
	}
	probs := softmax(topLogits)

	pick := h.pickIndex(top, probs)
	pickProb := 0.0
	for i, idx := range top {
		if idx == pick {
			pickProb = probs[i]
			break
		}
	}

	return map[string]any{
		"sampleIndex":       pick,
		"sampleProbability": pickProb,
		"topKIndices":       top,
	}, nil
}

func (h *Handler) nucleus(raw json.RawMessage) (map[string]any, error) {
	p := struct {
		Logits      []float64 `json:"logits"`
		P           float64   `json:"p"`
		Temperature float64   `json:"temperature"`
	}{P: 0.9, Temperature: 1}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode nucleus params: %w", err)
	}
	if len(p.Logits) == 0 {
		return nil, fmt.Errorf("logits must be provided")
	}
	if p.P <= 0 || p.P > 1 {
		p.P = 0.9
	}

	probs := softmax(applyTemperature(p.Logits, p.Temperature))

	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return probs[order[i]] > probs[order[j]] })

	// Smallest prefix whose cumulative probability reaches p; always at
	// least the single most probable index.
	nucleus := []int{order[0]}
	cum := probs[order[0]]
	for _, idx := range order[1:] {
		if cum >= p.P {
			break
		}
		nucleus = append(nucleus, idx)
		cum += probs[idx]
	}

	renorm := make([]float64, len(nucleus))
	total := 0.0
	for i, idx := range nucleus {
		renorm[i] = probs[idx]
		total += probs[idx]
	}
	for i := range renorm {
		renorm[i] /= total
	}

	pick := h.pickIndex(nucleus, renorm)
	return map[string]any{
		"sampleIndex":       pick,
		"sampleProbability": probs[pick],
		"nucleusSize":       len(nucleus),
		"nucleusIndices":    nucleus,
	}, nil
}

var _ backend.Handler = (*Handler)(nil)
