// Package report implements sinks for the scalar, image, and text
// events emitted during training and validation
package report

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fogleman/gg"

	"github.com/gantrylab/gantry/utils/floatutils"
)

// Writer accepts named events keyed by global step. Ordering across
// distinct names is not guaranteed; within one name, steps arrive
// monotonically because there is a single emitting thread.
type Writer interface {
	// Scalar records a named scalar at a step
	Scalar(name string, value float64, step int)

	// Image records a named image at a step. The pixel values are a
	// flattened height x width grayscale image in [0, 1].
	Image(name string, pixels []float64, height, width, step int) error

	// Text records a named text event at a step
	Text(name, value string, step int)

	// Flush writes all cached events to their backing store
	Flush() error
}

// ScalarPoint is one element of a scalar series
type ScalarPoint struct {
	Step  int
	Value float64
}

// Logdir is a Writer backed by a log directory. Scalar and text series
// are cached in RAM and written out on Flush; images are rendered to
// PNG as they arrive.
type Logdir struct {
	dir     string
	scalars map[string][]ScalarPoint
	texts   map[string][]string
	order   []string
}

// NewLogdir returns a Writer rooted at dir, creating it if needed
func NewLogdir(dir string) (*Logdir, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("newlogdir: could not create log "+
			"directory: %v", err)
	}
	return &Logdir{
		dir:     dir,
		scalars: make(map[string][]ScalarPoint),
		texts:   make(map[string][]string),
	}, nil
}

// Scalar records a named scalar at a step
func (l *Logdir) Scalar(name string, value float64, step int) {
	if _, ok := l.scalars[name]; !ok {
		l.order = append(l.order, name)
	}
	l.scalars[name] = append(l.scalars[name], ScalarPoint{
		Step:  step,
		Value: value,
	})
}

// Image renders a grayscale image event to a PNG file named after the
// event and step
func (l *Logdir) Image(name string, pixels []float64, height, width,
	step int) error {
	if len(pixels) != height*width {
		return fmt.Errorf("image: expected %v pixels but got %v",
			height*width, len(pixels))
	}

	ctx := gg.NewContext(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := floatutils.Clip(pixels[y*width+x], 0.0, 1.0)
			ctx.SetRGB(v, v, v)
			ctx.SetPixel(x, y)
		}
	}

	filename := fmt.Sprintf("%v_%v.png", sanitize(name), step)
	if err := ctx.SavePNG(filepath.Join(l.dir, filename)); err != nil {
		return fmt.Errorf("image: could not save %v: %v", filename, err)
	}
	return nil
}

// Text records a named text event at a step
func (l *Logdir) Text(name, value string, step int) {
	l.texts[name] = append(l.texts[name],
		fmt.Sprintf("%v\t%v", step, value))
}

// Flush writes every cached scalar series to a gob file and every text
// series to a plain text file
func (l *Logdir) Flush() error {
	for _, name := range l.order {
		filename := filepath.Join(l.dir, sanitize(name)+".bin")
		file, err := os.Create(filename)
		if err != nil {
			return fmt.Errorf("flush: could not create %v: %v", filename,
				err)
		}

		enc := gob.NewEncoder(file)
		if err := enc.Encode(l.scalars[name]); err != nil {
			file.Close()
			return fmt.Errorf("flush: could not encode series %v: %v",
				name, err)
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("flush: could not close %v: %v", filename,
				err)
		}
	}

	for name, lines := range l.texts {
		filename := filepath.Join(l.dir, sanitize(name)+".txt")
		content := strings.Join(lines, "\n") + "\n"
		if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
			return fmt.Errorf("flush: could not write %v: %v", filename,
				err)
		}
	}
	return nil
}

// LoadScalars loads a scalar series previously flushed by a Logdir
func LoadScalars(filename string) ([]ScalarPoint, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("loadscalars: could not open series: %v",
			err)
	}
	defer file.Close()

	var points []ScalarPoint
	dec := gob.NewDecoder(file)
	if err := dec.Decode(&points); err != nil {
		return nil, fmt.Errorf("loadscalars: could not decode series: %v",
			err)
	}
	return points, nil
}

// sanitize maps an event name like "Train_Metrics/g_loss" to a safe
// filename
func sanitize(name string) string {
	return strings.ReplaceAll(name, "/", "_")
}

// Memory is a Writer that keeps every event in RAM. It is used by
// tests and by callers that only want to inspect events
// programmatically.
type Memory struct {
	Scalars map[string][]ScalarPoint
	Images  map[string][]int // steps at which each image name was emitted
	Texts   map[string][]string
}

// NewMemory returns an empty in-memory Writer
func NewMemory() *Memory {
	return &Memory{
		Scalars: make(map[string][]ScalarPoint),
		Images:  make(map[string][]int),
		Texts:   make(map[string][]string),
	}
}

// Scalar records a named scalar at a step
func (m *Memory) Scalar(name string, value float64, step int) {
	m.Scalars[name] = append(m.Scalars[name], ScalarPoint{
		Step:  step,
		Value: value,
	})
}

// Image records the step at which a named image event arrived
func (m *Memory) Image(name string, pixels []float64, height, width,
	step int) error {
	if len(pixels) != height*width {
		return fmt.Errorf("image: expected %v pixels but got %v",
			height*width, len(pixels))
	}
	m.Images[name] = append(m.Images[name], step)
	return nil
}

// Text records a named text event at a step
func (m *Memory) Text(name, value string, step int) {
	m.Texts[name] = append(m.Texts[name], value)
}

// Flush implements the Writer interface; Memory has nothing to flush
func (m *Memory) Flush() error {
	return nil
}
