package voice

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// errEmpty is wrapped into LoadErrors for files without conditioning data.
var errEmpty = errors.New("empty conditioning vector")

// decoder turns raw file contents into a conditioning vector and metadata.
type decoder func(data []byte) ([]float32, map[string]string, error)

// decoders maps lower-case file extensions to their decoder. Files with any
// other extension are not profiles and are ignored by the loader.
var decoders = map[string]decoder{
	".f32":  decodeRaw,
	".bin":  decodeRaw,
	".json": decodeJSON,
	".yaml": decodeYAML,
	".yml":  decodeYAML,
}

// decoderFor returns the decoder for path, or nil if the extension is not a
// profile format.
func decoderFor(path string) decoder {
	return decoders[strings.ToLower(filepath.Ext(path))]
}

// document is the structured profile encoding shared by JSON and YAML.
type document struct {
	Conditioning []float32         `json:"conditioning" yaml:"conditioning"`
	Metadata     map[string]string `json:"metadata" yaml:"metadata"`
}

// decodeRaw reads a little-endian float32 vector.
func decodeRaw(data []byte) ([]float32, map[string]string, error) {
	if len(data) == 0 {
		return nil, nil, errEmpty
	}
	if len(data)%4 != 0 {
		return nil, nil, fmt.Errorf("raw float32 data has %d bytes, not a multiple of 4", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	if err := checkFinite(vec); err != nil {
		return nil, nil, err
	}
	return vec, nil, nil
}

// decodeJSON accepts either a bare number array or a [document] object.
func decodeJSON(data []byte) ([]float32, map[string]string, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var vec []float32
		if err := json.Unmarshal(data, &vec); err != nil {
			return nil, nil, fmt.Errorf("decode json array: %w", err)
		}
		return finish(vec, nil)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode json: %w", err)
	}
	return finish(doc.Conditioning, doc.Metadata)
}

// decodeYAML accepts a [document] object.
func decodeYAML(data []byte) ([]float32, map[string]string, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode yaml: %w", err)
	}
	return finish(doc.Conditioning, doc.Metadata)
}

func finish(vec []float32, meta map[string]string) ([]float32, map[string]string, error) {
	if len(vec) == 0 {
		return nil, nil, errEmpty
	}
	if err := checkFinite(vec); err != nil {
		return nil, nil, err
	}
	return vec, meta, nil
}

// checkFinite rejects vectors containing NaN or Inf, which would poison every
// utterance generated from them.
func checkFinite(vec []float32) error {
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite value at index %d", i)
		}
	}
	return nil
}
