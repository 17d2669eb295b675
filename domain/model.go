package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Inference providers.
const (
	ProviderReplicate = "replicate"
	ProviderGemini    = "gemini"
)

type Model struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
	Provider   string `json:"provider"`
}

// Models offered by the model selector. Replicate identifiers follow the
// owner/name:version form.
var Models = []Model{
	{Name: "llama2-7b", Identifier: "a16z-infra/llama7b-v2-chat:4f0a4744c7295c024a1de15e1a63c880d3da035fa1f49bfd344fe076074c8eea", Provider: ProviderReplicate},
	{Name: "llama2-13b", Identifier: "a16z-infra/llama13b-v2-chat:df7690f1994d94e96ad9d568eac121aecf50684a0b0963b25a41cc40061269e5", Provider: ProviderReplicate},
	{Name: "llama2-70b", Identifier: "replicate/llama70b-v2-chat:e951f18578850b652510200860fc4ea62b3b16fac280f83ff32282f87bbd2e48", Provider: ProviderReplicate},
	{Name: "gemini-2.0-flash", Identifier: "gemini-2.0-flash-001", Provider: ProviderGemini},
	{Name: "gemini-2.0-flash-lite", Identifier: "gemini-2.0-flash-lite-001", Provider: ProviderGemini},
}

const DefaultModel = "llama2-13b"

// ModelsFor returns the catalog entries served by provider.
func ModelsFor(provider string) []Model {
	var out []Model
	for _, m := range Models {
		if m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

// ResolveModel maps a catalog name to its identifier. Anything that is not a
// catalog name is passed through for the provider to validate.
func ResolveModel(name string) string {
	for _, m := range Models {
		if m.Name == name {
			return m.Identifier
		}
	}
	return name
}

// ValidateModel reports whether identifier can be sent to provider.
func ValidateModel(provider, identifier string) error {
	switch provider {
	case ProviderGemini:
		if !strings.HasPrefix(identifier, "gemini") {
			return fmt.Errorf("%w: %q is not a Gemini model", ErrInvalidModel, identifier)
		}
		return nil
	case ProviderReplicate:
		_, err := ParseModelIdentifier(identifier)
		return err
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidModel, provider)
	}
}

var modelIdentifierPattern = regexp.MustCompile(`^([a-zA-Z0-9][a-zA-Z0-9._-]*)/([a-zA-Z0-9][a-zA-Z0-9._-]*)(?::([a-f0-9]{64}))?$`)

// ModelRef is a parsed owner/name[:version] identifier.
type ModelRef struct {
	Owner   string
	Name    string
	Version string
}

func ParseModelIdentifier(id string) (ModelRef, error) {
	m := modelIdentifierPattern.FindStringSubmatch(id)
	if m == nil {
		return ModelRef{}, fmt.Errorf("%w: %q", ErrInvalidModel, id)
	}
	return ModelRef{Owner: m[1], Name: m[2], Version: m[3]}, nil
}
