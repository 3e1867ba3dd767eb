package preprocessing

import (
	"fmt"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"sync"
)

// FrameProcessor decodes single-channel flow frames with buffer reuse
type FrameProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	targetSize    int
}

// NewFrameProcessor creates a new frame processor with the specified target size
func NewFrameProcessor(targetSize int) *FrameProcessor {
	return &FrameProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the edge length of decoded frames
func (p *FrameProcessor) TargetSize() int {
	return p.targetSize
}

// DecodeFrame decodes a JPEG frame, resizes it to targetSize x targetSize
// and returns its luminance in row-major order normalized to [0, 1]
func (p *FrameProcessor) DecodeFrame(reader io.Reader) ([]float32, error) {
	img, err := jpeg.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JPEG: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("empty frame %dx%d", width, height)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reuse data buffer
	requiredSize := p.targetSize * p.targetSize
	if len(p.processBuffer) < requiredSize {
		p.processBuffer = make([]float32, requiredSize)
	}
	data := p.processBuffer[:requiredSize]

	// Nearest-neighbour resize
	scaleX := float64(width) / float64(p.targetSize)
	scaleY := float64(height) / float64(p.targetSize)

	for y := 0; y < p.targetSize; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= height {
			srcY = height - 1
		}
		for x := 0; x < p.targetSize; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= width {
				srcX = width - 1
			}

			gray := color.GrayModel.Convert(img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY)).(color.Gray)
			data[y*p.targetSize+x] = float32(gray.Y) / 255.0
		}
	}

	// Create a copy since we're returning a slice of the reusable buffer
	result := make([]float32, len(data))
	copy(result, data)
	return result, nil
}

// DecodeFrameFile opens and decodes one frame file
func (p *FrameProcessor) DecodeFrameFile(path string) ([]float32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := p.DecodeFrame(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, nil
}
