package preprocessing

import (
	"fmt"
	"path/filepath"
	"sync"
)

// FlowComponents are the directories holding the horizontal and vertical
// optical flow frames, in channel order.
var FlowComponents = []string{"u", "v"}

// FrameName returns the file name of a 1-based frame index
func FrameName(frame int) string {
	return fmt.Sprintf("frame%06d.jpg", frame)
}

// FlowStackDecoder reads the TV-L1 flow frames of a clip laid out as
// <Root>/u/<video>/frame000001.jpg and <Root>/v/<video>/... into one
// [2, length, Size, Size] tensor.
type FlowStackDecoder struct {
	Root string
	Size int

	pool sync.Pool
}

// NewFlowStackDecoder creates a decoder producing size x size frames
func NewFlowStackDecoder(root string, size int) (*FlowStackDecoder, error) {
	if root == "" {
		return nil, fmt.Errorf("flow root cannot be empty")
	}
	if size <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", size)
	}
	return &FlowStackDecoder{Root: root, Size: size}, nil
}

// Shape returns the tensor shape of a clip with the given number of frames
func (d *FlowStackDecoder) Shape(length int) []int {
	return []int{len(FlowComponents), length, d.Size, d.Size}
}

// FramePath returns the path of one flow frame
func (d *FlowStackDecoder) FramePath(component, video string, frame int) string {
	return filepath.Join(d.Root, component, video, FrameName(frame))
}

// Decode reads length frames of video starting at the 1-based frame start.
// It is safe for concurrent use.
func (d *FlowStackDecoder) Decode(video string, start, length int) ([]float32, []int, error) {
	if start < 1 || length <= 0 {
		return nil, nil, fmt.Errorf("invalid clip of %s: start %d, length %d", video, start, length)
	}

	processor, _ := d.pool.Get().(*FrameProcessor)
	if processor == nil || processor.TargetSize() != d.Size {
		processor = NewFrameProcessor(d.Size)
	}
	defer d.pool.Put(processor)

	frameSize := d.Size * d.Size
	data := make([]float32, len(FlowComponents)*length*frameSize)

	for c, component := range FlowComponents {
		for i := 0; i < length; i++ {
			frame, err := processor.DecodeFrameFile(d.FramePath(component, video, start+i))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to decode %s flow of %s: %w", component, video, err)
			}
			offset := (c*length + i) * frameSize
			copy(data[offset:offset+frameSize], frame)
		}
	}

	return data, d.Shape(length), nil
}
