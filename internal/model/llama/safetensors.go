package llama

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// maxHeaderSize bounds the JSON header read from a safetensors file.
const maxHeaderSize = 100 << 20

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Source yields named tensors.
type Source interface {
	Tensor(name string) (Tensor, error)
	Close() error
}

type tensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// SafetensorsFile reads tensors lazily from one .safetensors file.
type SafetensorsFile struct {
	f       *os.File
	base    int64
	tensors map[string]tensorInfo
}

// OpenSafetensors parses the header of path.
func OpenSafetensors(path string) (*SafetensorsFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := parseHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return st, nil
}

func parseHeader(f *os.File) (*SafetensorsFile, error) {
	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if n == 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("invalid header length %d", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	st := &SafetensorsFile{f: f, base: int64(8 + n), tensors: make(map[string]tensorInfo, len(header))}
	for name, msg := range header {
		if name == "__metadata__" {
			continue
		}
		var ti tensorInfo
		if err := json.Unmarshal(msg, &ti); err != nil {
			return nil, fmt.Errorf("decode tensor %s: %w", name, err)
		}
		if ti.Offsets[1] < ti.Offsets[0] {
			return nil, fmt.Errorf("tensor %s: bad offsets %v", name, ti.Offsets)
		}
		st.tensors[name] = ti
	}
	return st, nil
}

// Names lists the tensors in the file in sorted order.
func (s *SafetensorsFile) Names() []string {
	out := make([]string, 0, len(s.tensors))
	for n := range s.tensors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Tensor reads and converts one tensor to float32.
func (s *SafetensorsFile) Tensor(name string) (Tensor, error) {
	ti, ok := s.tensors[name]
	if !ok {
		return Tensor{}, missingTensorError{name: name}
	}
	elems := 1
	for _, d := range ti.Shape {
		elems *= d
	}
	width, err := dtypeWidth(ti.DType)
	if err != nil {
		return Tensor{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	size := ti.Offsets[1] - ti.Offsets[0]
	if size != int64(elems*width) {
		return Tensor{}, fmt.Errorf("tensor %s: %d bytes for %d %s elements", name, size, elems, ti.DType)
	}
	raw := make([]byte, size)
	if _, err := s.f.ReadAt(raw, s.base+ti.Offsets[0]); err != nil {
		return Tensor{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return Tensor{Shape: append([]int(nil), ti.Shape...), Data: toFloat32(ti.DType, raw, elems)}, nil
}

// Close releases the file.
func (s *SafetensorsFile) Close() error { return s.f.Close() }

func dtypeWidth(dtype string) (int, error) {
	switch dtype {
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func toFloat32(dtype string, raw []byte, n int) []float32 {
	out := make([]float32, n)
	switch dtype {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case "F16":
		for i := range out {
			out[i] = halfToFloat(binary.LittleEndian.Uint16(raw[2*i:]))
		}
	case "BF16":
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[2*i:])) << 16)
		}
	}
	return out
}

// halfToFloat converts an IEEE 754 binary16 value.
func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff
	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: normalize the mantissa
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}

// ShardedSource resolves tensors through a model.safetensors.index.json
// weight map.
type ShardedSource struct {
	files map[string]*SafetensorsFile
	where map[string]string
}

// OpenIndex opens every shard listed in an index file. Shards are resolved
// relative to the index.
func OpenIndex(indexPath string) (*ShardedSource, error) {
	b, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var idx struct {
		WeightMap map[string]string `json:"weight_map"`
	}
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, errors.New("index has an empty weight_map")
	}
	dir := filepath.Dir(indexPath)
	s := &ShardedSource{files: map[string]*SafetensorsFile{}, where: idx.WeightMap}
	for _, shard := range ShardNames(idx.WeightMap) {
		f, err := OpenSafetensors(filepath.Join(dir, shard))
		if err != nil {
			s.Close()
			return nil, err
		}
		s.files[shard] = f
	}
	return s, nil
}

// ShardNames returns the distinct shard files of a weight map in sorted order.
func ShardNames(weightMap map[string]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range weightMap {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

func (s *ShardedSource) Tensor(name string) (Tensor, error) {
	shard, ok := s.where[name]
	if !ok {
		return Tensor{}, missingTensorError{name: name}
	}
	return s.files[shard].Tensor(name)
}

func (s *ShardedSource) Close() error {
	var errs []error
	for _, f := range s.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

type missingTensorError struct{ name string }

func (e missingTensorError) Error() string { return "tensor " + e.name + " not found" }

// IsMissingTensor reports whether err is a lookup of an absent tensor.
func IsMissingTensor(err error) bool {
	var e missingTensorError
	return errors.As(err, &e)
}
