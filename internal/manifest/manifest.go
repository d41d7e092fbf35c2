package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/transomlabs/transom/internal/props"
)

// Format identifies a manifest encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Kind classifies a guest entry source.
type Kind string

const (
	KindHTML    Kind = "html"
	KindScript  Kind = "script"
	KindUnknown Kind = "unknown"
)

var ErrUnsupportedFormat = errors.New("manifest: unsupported format")

// Manifest describes one guest application.
type Manifest struct {
	// Name identifies the frame instance. Required.
	Name string `json:"name" yaml:"name" toml:"name"`
	// Src locates the guest entry: a file path or URL. Required.
	Src string `json:"src" yaml:"src" toml:"src"`
	// Base is the routing prefix. Defaults to "/"+Name.
	Base string `json:"base,omitempty" yaml:"base,omitempty" toml:"base,omitempty"`
	// Sandbox is the capability policy string. Empty means the default
	// policy applies.
	Sandbox string `json:"sandbox,omitempty" yaml:"sandbox,omitempty" toml:"sandbox,omitempty"`
	// Props are the initial application-level properties handed to the
	// guest in the handshake.
	Props map[string]any `json:"props,omitempty" yaml:"props,omitempty" toml:"props,omitempty"`

	// Path records where the manifest was loaded from. Not serialized.
	Path string `json:"-" yaml:"-" toml:"-"`
}

// Load reads and decodes a manifest file, picking the format from its
// extension.
func Load(path string) (*Manifest, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// Decode parses manifest bytes, applies defaults and validates.
func Decode(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	var err error
	switch format {
	case FormatJSON:
		err = sonic.Unmarshal(data, &m)
	case FormatYAML:
		err = yaml.Unmarshal(data, &m)
	case FormatTOML:
		err = toml.Unmarshal(data, &m)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", format, err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Base == "" && m.Name != "" {
		m.Base = "/" + m.Name
	}
}

// Validate checks the fields a frame cannot default.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("manifest: name is required")
	}
	if strings.ContainsAny(m.Name, "/ \t") {
		return fmt.Errorf("manifest: invalid name %q", m.Name)
	}
	if m.Src == "" {
		return errors.New("manifest: src is required")
	}
	for key := range m.Props {
		if props.Reserved(key) {
			return fmt.Errorf("manifest: prop %w: %q", props.ErrReservedKey, key)
		}
	}
	return nil
}

// FormatForPath picks the encoding from a file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// ClassifySource decides how a local guest entry should be launched: HTML
// documents go to a browsing guest, scripts to the script runner. The
// extension wins when recognized; otherwise content sniffing decides.
func ClassifySource(path string) Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return KindHTML
	case ".js", ".mjs":
		return KindScript
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return KindUnknown
	}
	switch {
	case mtype.Is("text/html"):
		return KindHTML
	case mtype.Is("text/javascript"), mtype.Is("application/javascript"):
		return KindScript
	default:
		return KindUnknown
	}
}
