package core

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	DefaultModel = "gpt-4o-mini"
)

type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Tier        string `json:"tier"`
	Provider    string `json:"provider"`
	// Reasoning models only accept their default sampling temperature.
	FixedTemperature bool `json:"-"`
}

var Models = []Model{
	{ID: "gpt-4o-mini", Name: "GPT-4o Mini", Description: "Fast and efficient", Tier: "mini", Provider: ProviderOpenAI},
	{ID: "gpt-4o", Name: "GPT-4o", Description: "Most capable multimodal", Tier: "standard", Provider: ProviderOpenAI},
	{ID: "gpt-5", Name: "GPT-5", Description: "Next-generation model", Tier: "latest", Provider: ProviderOpenAI, FixedTemperature: true},
	{ID: "gpt-5-mini", Name: "GPT-5 Mini", Description: "Efficient next-gen", Tier: "mini", Provider: ProviderOpenAI, FixedTemperature: true},
	{ID: "gpt-5-nano", Name: "GPT-5 Nano", Description: "Ultra-fast next-gen", Tier: "nano", Provider: ProviderOpenAI, FixedTemperature: true},
	{ID: "o3", Name: "o3", Description: "Advanced reasoning", Tier: "reasoning", Provider: ProviderOpenAI, FixedTemperature: true},
	{ID: "o4-mini", Name: "o4 Mini", Description: "Fast reasoning", Tier: "reasoning", Provider: ProviderOpenAI, FixedTemperature: true},
	{ID: "gpt-4.1", Name: "GPT-4.1", Description: "Enhanced capabilities", Tier: "standard", Provider: ProviderOpenAI},
	{ID: "gpt-4.1-mini", Name: "GPT-4.1 Mini", Description: "Efficient enhanced", Tier: "mini", Provider: ProviderOpenAI},
	{ID: "gpt-4.1-nano", Name: "GPT-4.1 Nano", Description: "Ultra-fast enhanced", Tier: "nano", Provider: ProviderOpenAI},
	{ID: "gemini-1.5-flash-latest", Name: "Gemini 1.5 Flash", Description: "Fast Google model", Tier: "mini", Provider: ProviderGemini},
	{ID: "gemini-1.5-pro-latest", Name: "Gemini 1.5 Pro", Description: "Capable Google model", Tier: "standard", Provider: ProviderGemini},
}

func LookupModel(id string) (Model, bool) {
	for _, m := range Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}
