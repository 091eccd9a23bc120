package llm

import "context"

// MockProvider is a scripted provider for tests: it replays queued
// responses in order and records the prompts it received.
type MockProvider struct {
	Responses []string
	Errs      []error
	Prompts   []string
	calls     int
}

func (m *MockProvider) Name() ProviderName { return ProviderMock }

func (m *MockProvider) Close() error { return nil }

func (m *MockProvider) Complete(_ context.Context, prompt string) (string, error) {
	m.Prompts = append(m.Prompts, prompt)

	i := m.calls
	m.calls++

	if i < len(m.Errs) && m.Errs[i] != nil {
		return "", m.Errs[i]
	}

	if i < len(m.Responses) {
		return m.Responses[i], nil
	}

	if len(m.Responses) > 0 {
		return m.Responses[len(m.Responses)-1], nil
	}

	return "[]", nil
}

// Calls returns how many completions were requested.
func (m *MockProvider) Calls() int { return m.calls }

var _ Provider = (*MockProvider)(nil)
