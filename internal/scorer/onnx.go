package scorer

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/loopgate/loopgate/internal/model"
)

// onnxInputLen is the fixed feature window the model was exported with.
const onnxInputLen = 32

// onnxOutputLen is the model output width: five vector dimensions plus
// the confidence metric.
const onnxOutputLen = 6

// ONNX scores actions with an exported risk model. The model consumes a
// fixed-width feature window (caller signals padded or truncated) and
// emits the five governance dimensions plus a confidence logit.
type ONNX struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	mu      sync.Mutex
}

// NewONNX loads the risk model at modelPath. libPath points at the
// onnxruntime shared library; empty falls back to the
// ONNXRUNTIME_SHARED_LIBRARY_PATH environment variable.
func NewONNX(modelPath, libPath string) (*ONNX, error) {
	if libPath == "" {
		libPath = os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	}
	if libPath == "" {
		return nil, fmt.Errorf("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or pass a path")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("risk model missing at %s: %w", modelPath, err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, onnxInputLen))
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, onnxOutputLen))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"signals"},
		[]string{"risk"},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &ONNX{session: session, input: input, output: output}, nil
}

// Score featurizes the caller signals and runs the model. The session
// is single-threaded over the shared tensors.
func (s *ONNX) Score(ctx context.Context, action model.ActionPayload, evalCtx model.Context) (model.GovernanceVector, float64, error) {
	if err := ctx.Err(); err != nil {
		return model.GovernanceVector{}, 0, &ScoringError{Action: action.String(), Cause: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.input.GetData()
	for i := range data {
		if i < len(evalCtx.Signals) {
			data[i] = float32(evalCtx.Signals[i])
		} else {
			data[i] = 0
		}
	}

	if err := s.session.Run(); err != nil {
		return model.GovernanceVector{}, 0, &ScoringError{Action: action.String(), Cause: err}
	}

	out := s.output.GetData()
	if len(out) < onnxOutputLen {
		return model.GovernanceVector{}, 0, &ScoringError{
			Action: action.String(),
			Cause:  fmt.Errorf("model emitted %d outputs, want %d", len(out), onnxOutputLen),
		}
	}

	v := model.GovernanceVector{
		AttackRisk:      sigmoid(out[0]),
		RollbackCost:    sigmoid(out[1]),
		StabilityImpact: sigmoid(out[2]),
		ModelDrift:      sigmoid(out[3]),
		EntropyShift:    sigmoid(out[4]),
	}
	confidence := sigmoid(out[5])
	return v, confidence, nil
}

// Close releases the session and tensors.
func (s *ONNX) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	if err := s.session.Destroy(); err != nil {
		first = err
	}
	if err := s.input.Destroy(); err != nil && first == nil {
		first = err
	}
	if err := s.output.Destroy(); err != nil && first == nil {
		first = err
	}
	return first
}

func sigmoid(x float32) float64 {
	return 1 / (1 + math.Exp(-float64(x)))
}
