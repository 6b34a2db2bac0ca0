package tensors

import (
	"encoding/gob"
	"os"

	"github.com/lockstepml/lockstep/pkg/core/shapes"
	"github.com/lockstepml/lockstep/pkg/support/xslices"
	"github.com/pkg/errors"
)

// GobSerialize writes the tensor, shape first and flat data after, to the
// encoder.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) error {
	if err := t.shape.GobSerialize(encoder); err != nil {
		return err
	}
	return errors.Wrapf(encoder.Encode(t.flat), "writing tensor data")
}

// GobDeserialize reads back a tensor written by GobSerialize.
func GobDeserialize(decoder *gob.Decoder) (*Tensor, error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading tensor shape")
	}
	var flat []float32
	if err := decoder.Decode(&flat); err != nil {
		return nil, errors.Wrapf(err, "reading tensor data")
	}
	if len(flat) != shape.Size() {
		return nil, errors.Errorf("decoded %d values for shape %s, which needs %d",
			len(flat), shape, shape.Size())
	}
	// The decoded slice is fresh, the tensor takes it as is.
	return &Tensor{shape: shape, flat: flat}, nil
}

// Save writes the tensor to a file in gob encoding.
func (t *Tensor) Save(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating tensor file %q", filePath)
	}
	if err := t.GobSerialize(gob.NewEncoder(f)); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "writing tensor to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing tensor file %q", filePath)
}

// Load reads back a tensor written by Save.
func Load(filePath string) (*Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening tensor file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	t, err := GobDeserialize(gob.NewDecoder(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading tensor from %q", filePath)
	}
	return t, nil
}

// SaveNamed writes a map of named tensors to one file. Model exports use it
// to persist all parameters together. Entries are written in sorted name
// order, so the same map always produces the same file.
func SaveNamed(filePath string, named map[string]*Tensor) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save tensors", filePath)
	}
	enc := gob.NewEncoder(f)
	err = errors.Wrapf(enc.Encode(len(named)), "writing tensor count")
	if err == nil {
		for _, name := range xslices.SortedKeys(named) {
			if err = errors.Wrapf(enc.Encode(name), "writing name of tensor %q", name); err != nil {
				break
			}
			if err = errors.WithMessagef(named[name].GobSerialize(enc), "tensor %q", name); err != nil {
				break
			}
		}
	}
	if err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "saving tensors to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing tensors file %q", filePath)
}

// LoadNamed reads back a map of named tensors written by SaveNamed.
func LoadNamed(filePath string) (map[string]*Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q to load tensors", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	var count int
	if err = dec.Decode(&count); err != nil {
		return nil, errors.Wrapf(err, "loading tensor count from %q", filePath)
	}
	if count < 0 {
		return nil, errors.Errorf("file %q reports %d tensors", filePath, count)
	}
	named := make(map[string]*Tensor, count)
	for i := 0; i < count; i++ {
		var name string
		if err = dec.Decode(&name); err != nil {
			return nil, errors.Wrapf(err, "loading tensor name %d of %d from %q", i+1, count, filePath)
		}
		t, err := GobDeserialize(dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading tensor %q from %q", name, filePath)
		}
		named[name] = t
	}
	return named, nil
}
