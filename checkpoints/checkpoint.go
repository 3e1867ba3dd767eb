package checkpoints

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	// FrameworkName is stamped into checkpoint metadata.
	FrameworkName = "go-resnet3d"
	// FormatVersion is the checkpoint layout version.
	FormatVersion = "1.0.0"
)

// Format defines the serialization format
type Format int

const (
	FormatBinary Format = iota
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat maps a format name back to a Format.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "binary", "bin", "":
		return FormatBinary, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format: %q", name)
	}
}

// Checkpoint is a resumable snapshot of a training run: the epoch that was
// just completed, the best validation prec@1 so far, model parameters and
// optimizer state.
type Checkpoint struct {
	Epoch     int
	BestPrec1 float64 // math.Inf(-1) means no best yet
	Model     ModelState
	Optimizer OptimizerState
	Metadata  Metadata
}

// Tensor represents a named parameter or optimizer buffer
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// ModelState holds the model parameters. Runtimes that serialize themselves
// put their own encoding into Blob and name it in Format.
type ModelState struct {
	Format  string   `json:"format,omitempty"`
	Tensors []Tensor `json:"tensors,omitempty"`
	Blob    []byte   `json:"blob,omitempty"`
}

// OptimizerState captures optimizer-specific state (momentum buffers, hyperparameters)
type OptimizerState struct {
	Type    string             `json:"type"`
	Params  map[string]float64 `json:"params,omitempty"`
	Tensors []Tensor           `json:"tensors,omitempty"`
}

// Metadata contains checkpoint metadata
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       uuid.UUID `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// HasBest reports whether the checkpoint carries a real best metric.
func (c *Checkpoint) HasBest() bool {
	return !math.IsInf(c.BestPrec1, -1)
}

func (c *Checkpoint) stamp() {
	if c.Metadata.Framework == "" {
		c.Metadata.Framework = FrameworkName
		c.Metadata.Version = FormatVersion
	}
	if c.Metadata.CreatedAt.IsZero() {
		c.Metadata.CreatedAt = time.Now()
	}
}

// Encode writes the checkpoint to w in the given format.
func Encode(w io.Writer, c *Checkpoint, f Format) error {
	if c == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	c.stamp()

	switch f {
	case FormatBinary:
		data, err := marshalBinary(c)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("failed to write checkpoint: %w", err)
		}
		return nil
	case FormatJSON:
		return encodeJSON(w, c)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", f)
	}
}

// Decode reads a checkpoint in the given format.
func Decode(r io.Reader, f Format) (*Checkpoint, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	switch f {
	case FormatBinary:
		return unmarshalBinary(data)
	case FormatJSON:
		return decodeJSON(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", f)
	}
}

// DetectFormat sniffs the leading bytes of an encoded checkpoint.
func DetectFormat(head []byte) (Format, error) {
	if bytes.HasPrefix(head, binaryMagic) {
		return FormatBinary, nil
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON, nil
	}
	return 0, fmt.Errorf("%w: unrecognized checkpoint header", ErrCorrupt)
}

// ReadFile loads a checkpoint from disk, detecting its format.
func ReadFile(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	br := bufio.NewReader(file)
	head, _ := br.Peek(len(binaryMagic))
	format, err := DetectFormat(head)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c, err := Decode(br, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// jsonFloat writes infinities and NaN as strings since JSON numbers cannot
// carry them.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	}
	return []byte(strconv.FormatFloat(v, 'g', -1, 64)), nil
}

func (f *jsonFloat) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = jsonFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = jsonFloat(v)
	return nil
}

// jsonCheckpoint uses pointers so missing fields can be told apart from zero values
type jsonCheckpoint struct {
	Epoch     *int            `json:"epoch"`
	BestPrec1 *jsonFloat      `json:"best_prec1"`
	Model     *ModelState     `json:"state_dict"`
	Optimizer *OptimizerState `json:"optimizer"`
	Metadata  Metadata        `json:"metadata"`
}

func encodeJSON(w io.Writer, c *Checkpoint) error {
	epoch := c.Epoch
	best := jsonFloat(c.BestPrec1)
	model := c.Model
	opt := c.Optimizer

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(jsonCheckpoint{
		Epoch:     &epoch,
		BestPrec1: &best,
		Model:     &model,
		Optimizer: &opt,
		Metadata:  c.Metadata,
	}); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

func decodeJSON(data []byte) (*Checkpoint, error) {
	var jc jsonCheckpoint
	if err := json.Unmarshal(data, &jc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	switch {
	case jc.Epoch == nil:
		return nil, fmt.Errorf("%w: missing epoch", ErrCorrupt)
	case jc.BestPrec1 == nil:
		return nil, fmt.Errorf("%w: missing best_prec1", ErrCorrupt)
	case jc.Model == nil:
		return nil, fmt.Errorf("%w: missing model state", ErrCorrupt)
	case jc.Optimizer == nil:
		return nil, fmt.Errorf("%w: missing optimizer state", ErrCorrupt)
	}
	if *jc.Epoch < 0 {
		return nil, fmt.Errorf("%w: negative epoch %d", ErrCorrupt, *jc.Epoch)
	}

	return &Checkpoint{
		Epoch:     *jc.Epoch,
		BestPrec1: float64(*jc.BestPrec1),
		Model:     *jc.Model,
		Optimizer: *jc.Optimizer,
		Metadata:  jc.Metadata,
	}, nil
}
