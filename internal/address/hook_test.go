package address

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"carepro-cli/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeProvider struct {
	mu       sync.Mutex
	inputs   []string
	gates    map[string]chan struct{}
	suggests map[string][]Suggestion
	geocode  func(string) (*Place, error)
	details  map[string]*Place
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		gates:    map[string]chan struct{}{},
		suggests: map[string][]Suggestion{},
		details:  map[string]*Place{},
	}
}

func (f *fakeProvider) Suggest(ctx context.Context, input string) ([]Suggestion, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	gate := f.gates[input]
	out := f.suggests[input]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (f *fakeProvider) Geocode(_ context.Context, address string) (*Place, error) {
	if f.geocode == nil {
		return nil, errors.New("not configured")
	}
	return f.geocode(address)
}

func (f *fakeProvider) PlaceDetails(_ context.Context, placeID string) (*Place, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.details[placeID]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func (f *fakeProvider) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

func testConfig() config.AddressConfig {
	return config.AddressConfig{Debounce: 30 * time.Millisecond, MinInputLength: 3}
}

func TestHandleAddressChange_EmptyAndShortInput(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := newFakeProvider()
	h := NewHook(provider, testConfig(), nil)
	defer h.Close()

	h.HandleAddressChange("")
	h.HandleAddressChange("")
	st := h.State()
	assert.False(t, st.ShowSuggestions)
	assert.Empty(t, st.Suggestions)
	assert.False(t, st.Loading)

	h.HandleAddressChange("12")
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, provider.calls())
	assert.False(t, h.State().Loading)
}

func TestHandleAddressChange_Debounces(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := newFakeProvider()
	provider.suggests["123 Main"] = []Suggestion{{PlaceID: "p1", Description: "123 Main St, Springfield, IL, USA"}}
	h := NewHook(provider, testConfig(), nil)
	defer h.Close()

	for _, v := range []string{"123", "123 ", "123 M", "123 Ma", "123 Main"} {
		h.HandleAddressChange(v)
	}
	assert.True(t, h.State().Loading)

	require.Eventually(t, func() bool { return h.State().ShowSuggestions }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"123 Main"}, provider.calls())

	st := h.State()
	assert.False(t, st.Loading)
	require.Len(t, st.Suggestions, 1)
	assert.Equal(t, "p1", st.Suggestions[0].PlaceID)
}

func TestHandleAddressChange_DropsStaleResponses(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := newFakeProvider()
	slow := make(chan struct{})
	provider.gates["111 Oak"] = slow
	provider.suggests["111 Oak"] = []Suggestion{{PlaceID: "old"}}
	provider.suggests["222 Elm"] = []Suggestion{{PlaceID: "new"}}

	h := NewHook(provider, testConfig(), nil)
	defer h.Close()

	h.HandleAddressChange("111 Oak")
	require.Eventually(t, func() bool { return len(provider.calls()) == 1 }, time.Second, 5*time.Millisecond)

	h.HandleAddressChange("222 Elm")
	require.Eventually(t, func() bool { return h.State().ShowSuggestions }, time.Second, 5*time.Millisecond)

	close(slow)
	require.Eventually(t, func() bool { return len(provider.calls()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	st := h.State()
	require.Len(t, st.Suggestions, 1)
	assert.Equal(t, "new", st.Suggestions[0].PlaceID)
	assert.Equal(t, "222 Elm", st.Input)
}

func TestHandleAddressChange_EmptyCancelsPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := newFakeProvider()
	h := NewHook(provider, testConfig(), nil)
	defer h.Close()

	h.HandleAddressChange("500 Pine")
	h.HandleAddressChange("")
	time.Sleep(80 * time.Millisecond)

	assert.Empty(t, provider.calls())
	assert.False(t, h.State().Loading)
}

func TestSelectSuggestion(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := newFakeProvider()
	provider.details["p1"] = &Place{
		PlaceID:          "p1",
		FormattedAddress: "123 Main St, Springfield, IL 62701, USA",
		Components:       map[string]string{"street_number": "123", "route": "Main St"},
	}
	h := NewHook(provider, testConfig(), nil)
	defer h.Close()

	h.HandleAddressChange("123 Mai")
	res := h.SelectSuggestion(context.Background(), Suggestion{PlaceID: "p1", Description: "123 Main St, Springfield, IL, USA"})
	time.Sleep(60 * time.Millisecond)

	assert.Empty(t, provider.calls())
	assert.True(t, res.IsValid)
	assert.Equal(t, SourceProvider, res.Source)
	assert.Empty(t, res.Warnings)

	st := h.State()
	assert.False(t, st.ShowSuggestions)
	assert.Equal(t, "123 Main St, Springfield, IL 62701, USA", st.Input)
	require.NotNil(t, st.Validation)
}

func TestValidate_ProviderAndFallback(t *testing.T) {
	provider := newFakeProvider()
	h := NewHook(provider, testConfig(), nil)
	defer h.Close()

	provider.geocode = func(string) (*Place, error) { return nil, errors.New("quota exceeded") }
	res := h.Validate(context.Background(), "12 Elm Street, Austin, TX 78701")
	assert.Equal(t, SourceLocal, res.Source)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Warnings)

	provider.geocode = func(string) (*Place, error) { return nil, ErrNotFound }
	res = h.Validate(context.Background(), "99999 Nowhere")
	assert.Equal(t, SourceProvider, res.Source)
	assert.False(t, res.IsValid)

	provider.geocode = func(string) (*Place, error) {
		return &Place{FormattedAddress: "Elm St, Austin, TX, USA", PartialMatch: true, Components: map[string]string{}}, nil
	}
	res = h.Validate(context.Background(), "Elm Street Austin")
	assert.True(t, res.IsValid)
	assert.Len(t, res.Warnings, 2)
}

func TestLocalValidate(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		valid    bool
		errors   int
		warnings int
	}{
		{name: "complete", address: "123 Main St, Springfield, IL 62701", valid: true},
		{name: "empty", address: "   ", errors: 1},
		{name: "too short", address: "1 A", errors: 1, warnings: 3},
		{name: "no digits", address: "Main Street, Springfield, IL", errors: 1, warnings: 2},
		{name: "no letters", address: "12345, 678", errors: 1, warnings: 1},
		{name: "no commas", address: "123 Main St Springfield IL 62701", valid: true, warnings: 1},
		{name: "lowercase state no zip", address: "123 Main St, Springfield, il", valid: true, warnings: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := LocalValidate(tt.address)
			assert.Equal(t, tt.valid, res.IsValid)
			assert.Len(t, res.Errors, tt.errors, "errors: %v", res.Errors)
			assert.Len(t, res.Warnings, tt.warnings, "warnings: %v", res.Warnings)
			assert.Equal(t, SourceLocal, res.Source)
		})
	}
}
