package webhooks

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/carenet/escrow/internal/models"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

// Schemas holds one compiled payload schema per provider.
type Schemas struct {
	byProvider map[string]*jsonschema.Schema
}

// LoadSchemas compiles every schemas/<provider>.json embedded in the binary.
func LoadSchemas() (*Schemas, error) {
	sub, err := fs.Sub(schemaFiles, "schemas")
	if err != nil {
		return nil, err
	}
	return loadSchemas(sub)
}

func loadSchemas(fsys fs.FS) (*Schemas, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	out := &Schemas{byProvider: make(map[string]*jsonschema.Schema)}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".json" {
			continue
		}
		provider := strings.TrimSuffix(e.Name(), ".json")
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		id := "https://escrow.carenet.dev/schemas/webhooks/" + provider + ".json"
		out.byProvider[provider], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", provider, err)
		}
	}
	return out, nil
}

// Validate rejects malformed JSON and payloads that do not match the
// provider's schema. Providers without a schema pass through.
func (s *Schemas) Validate(provider string, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", models.ErrValidation, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON document", models.ErrValidation)
	}
	schema, ok := s.byProvider[provider]
	if !ok {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}
