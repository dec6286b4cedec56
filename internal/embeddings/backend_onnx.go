//go:build onnx
// +build onnx

package embeddings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var (
	envMu   sync.Mutex
	envRefs int
)

// acquireEnvironment initializes the process-wide ONNX Runtime environment
// on first use.
func acquireEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		// Allow user to provide shared library path via environment variable.
		if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
			ort.SetSharedLibraryPath(shlib)
		} else if shlib := os.Getenv("ORT_SHLIB"); shlib != "" {
			ort.SetSharedLibraryPath(shlib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return err
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		ort.DestroyEnvironment()
	}
}

// OnnxEncoder implements Encoder using ONNX Runtime (via yalue/onnxruntime_go).
// The model must be exported with all hidden states as outputs.
type OnnxEncoder struct {
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
	hiddenSize  int
	device      Device
	logger      *zap.Logger
	mu          sync.Mutex
}

// NewOnnxEncoder loads modelPath on the preferred device.
func NewOnnxEncoder(logger *zap.Logger, modelPath string, device Device) (Encoder, error) {
	if err := acquireEnvironment(); err != nil {
		return nil, fmt.Errorf("%w: onnx runtime environment init failed: %w", ErrResourceAcquisition, err)
	}

	enc, err := newOnnxEncoder(logger, modelPath, device)
	if err != nil {
		releaseEnvironment()
		return nil, err
	}
	return enc, nil
}

func newOnnxEncoder(logger *zap.Logger, modelPath string, device Device) (*OnnxEncoder, error) {
	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read model %s: %w", ErrResourceAcquisition, modelPath, err)
	}

	available := map[string]bool{}
	for _, ii := range inputsInfo {
		available[strings.ToLower(ii.Name)] = true
	}
	var inputNames []string
	for _, name := range []string{"input_ids", "attention_mask", "token_type_ids"} {
		if available[name] {
			inputNames = append(inputNames, name)
		}
	}
	if !available["input_ids"] {
		return nil, fmt.Errorf("%w: model %s has no input_ids input", ErrInvalidConfiguration, modelPath)
	}

	outputNames, hiddenSize := selectHiddenOutputs(outputsInfo)
	if len(outputNames) == 0 {
		return nil, fmt.Errorf("%w: model %s exposes no hidden_states or last_hidden_state output", ErrInvalidConfiguration, modelPath)
	}

	session, actual, err := openSession(logger, modelPath, inputNames, outputNames, device)
	if err != nil {
		if errors.Is(err, ErrInvalidConfiguration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: open session for %s: %w", ErrResourceAcquisition, modelPath, err)
	}

	logger.Info("ONNX Runtime encoder ready",
		zap.String("model", modelPath),
		zap.Strings("inputs", inputNames),
		zap.Int("hidden_layers", len(outputNames)),
		zap.Int("hidden_size", hiddenSize),
		zap.String("device", string(actual)))

	return &OnnxEncoder{
		session:     session,
		inputNames:  inputNames,
		outputNames: outputNames,
		hiddenSize:  hiddenSize,
		device:      actual,
		logger:      logger,
	}, nil
}

// selectHiddenOutputs picks hidden_states.N outputs in layer order, falling
// back to last_hidden_state alone.
func selectHiddenOutputs(outputs []ort.InputOutputInfo) ([]string, int) {
	type layerOut struct {
		name  string
		index int
	}
	var layers []layerOut
	var last string
	hiddenSize := 0
	for _, oi := range outputs {
		name := oi.Name
		lower := strings.ToLower(name)
		if dims := oi.Dimensions; len(dims) == 3 && dims[2] > 0 {
			hiddenSize = int(dims[2])
		}
		switch {
		case strings.HasPrefix(lower, "hidden_states"):
			suffix := strings.TrimLeft(lower[len("hidden_states"):], "._")
			idx, err := strconv.Atoi(suffix)
			if err != nil {
				continue
			}
			layers = append(layers, layerOut{name: name, index: idx})
		case lower == "last_hidden_state":
			last = name
		}
	}
	if len(layers) == 0 {
		if last == "" {
			return nil, hiddenSize
		}
		return []string{last}, hiddenSize
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].index < layers[j].index })
	names := make([]string, len(layers))
	for i, l := range layers {
		names[i] = l.name
	}
	return names, hiddenSize
}

// openSession creates the session, trying CUDA first when allowed.
func openSession(logger *zap.Logger, modelPath string, inputs, outputs []string, device Device) (*ort.DynamicAdvancedSession, Device, error) {
	if device == DeviceAuto || device == DeviceCUDA {
		sess, err := openCUDASession(modelPath, inputs, outputs)
		if err == nil {
			return sess, DeviceCUDA, nil
		}
		if device == DeviceCUDA {
			return nil, "", fmt.Errorf("%w: cuda requested but unavailable: %v", ErrInvalidConfiguration, err)
		}
		logger.Info("CUDA unavailable, falling back to CPU", zap.Error(err))
	}

	sess, err := ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, nil)
	if err != nil {
		return nil, "", err
	}
	return sess, DeviceCPU, nil
}

func openCUDASession(modelPath string, inputs, outputs []string) (*ort.DynamicAdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, err
	}
	defer cudaOptions.Destroy()

	if err := cudaOptions.Update(map[string]string{"device_id": "0"}); err != nil {
		return nil, err
	}
	if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		return nil, err
	}
	return ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, options)
}

// NumLayers returns the number of hidden-state outputs
func (e *OnnxEncoder) NumLayers() int { return len(e.outputNames) }

// HiddenSize returns the static hidden width, 0 when dynamic
func (e *OnnxEncoder) HiddenSize() int { return e.hiddenSize }

// Device returns the execution device
func (e *OnnxEncoder) Device() Device { return e.device }

// Close releases session and environment resources.
func (e *OnnxEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	releaseEnvironment()
	return err
}

// Forward runs the batch and copies every hidden layer to host memory.
func (e *OnnxEncoder) Forward(ctx context.Context, batch *Batch) (*HiddenStates, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ErrEmbedderClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shape := ort.NewShape(int64(batch.Size), int64(batch.SeqLen))
	idsTensor, err := ort.NewTensor[int64](shape, batch.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor[int64](shape, batch.EncoderMask())
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	inputs := make([]ort.Value, 0, len(e.inputNames))
	for _, name := range e.inputNames {
		switch name {
		case "input_ids":
			inputs = append(inputs, idsTensor)
		case "attention_mask":
			inputs = append(inputs, maskTensor)
		case "token_type_ids":
			// Single-segment input.
			typeTensor, terr := ort.NewTensor[int64](shape, make([]int64, batch.Size*batch.SeqLen))
			if terr != nil {
				return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", terr)
			}
			defer typeTensor.Destroy()
			inputs = append(inputs, typeTensor)
		}
	}

	// Let ORT allocate the outputs
	outputs := make([]ort.Value, len(e.outputNames))
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				_ = o.Destroy()
			}
		}
	}()

	states := &HiddenStates{Layers: make([][]float32, len(outputs)), Batch: batch.Size, SeqLen: batch.SeqLen}
	for i, o := range outputs {
		t, ok := o.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %s: unexpected type (want float32 tensor)", e.outputNames[i])
		}
		outShape := t.GetShape()
		if len(outShape) != 3 || int(outShape[0]) != batch.Size || int(outShape[1]) != batch.SeqLen {
			return nil, fmt.Errorf("output %s: unexpected shape %v", e.outputNames[i], outShape)
		}
		dim := int(outShape[2])
		if states.Dim == 0 {
			states.Dim = dim
		} else if dim != states.Dim {
			return nil, fmt.Errorf("output %s: hidden size %d differs from %d", e.outputNames[i], dim, states.Dim)
		}
		// The tensor's buffer is freed with it, so copy out.
		data := t.GetData()
		layer := make([]float32, len(data))
		copy(layer, data)
		states.Layers[i] = layer
	}
	return states, nil
}
