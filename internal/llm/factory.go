package llm

import "fmt"

// Settings selects and authenticates one provider.
type Settings struct {
	Name    string
	Model   string
	APIKey  string
	BaseURL string
}

// FromSettings builds a provider. It returns nil and no error when the
// settings name no provider or carry no key.
func FromSettings(s Settings) (Provider, error) {
	if s.Name == "" || s.APIKey == "" {
		return nil, nil
	}
	switch s.Name {
	case "anthropic":
		c, err := NewAnthropicCompleter(s.APIKey, s.Model, s.BaseURL)
		if err != nil {
			return nil, err
		}
		return NewProvider(c), nil
	case "openai":
		c, err := NewOpenAICompleter(s.APIKey, s.Model, s.BaseURL)
		if err != nil {
			return nil, err
		}
		return NewProvider(c), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", s.Name)
	}
}
