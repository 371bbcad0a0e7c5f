package types

// Example is one record of the test set after context construction.
type Example struct {
	// Zero-based line index of the record within its source file.
	// example: 12
	Index int `json:"index" example:"12"`
	// Prompt text handed to the model.
	// example: Translate to French: good morning
	Context string `json:"context" example:"Translate to French: good morning"`
	// Reference answer, if the record carries one.
	// example: bonjour
	Label string `json:"label,omitempty" example:"bonjour"`
	// Raw decoded record.
	Fields map[string]any `json:"fields,omitempty"`
}

// Batch is a collated group of examples handed to one predict step.
type Batch struct {
	// Position of the batch in the loader sequence.
	// example: 0
	Index int `json:"index" example:"0"`
	// Prompt text per example, in dataset order.
	Contexts []string `json:"contexts"`
	// Reference answers per example; empty strings when absent.
	Labels []string `json:"labels"`
	// Source record indices per example.
	ExampleIndices []int `json:"example_indices"`
}

// Len reports the number of examples in the batch.
func (b Batch) Len() int { return len(b.Contexts) }

// Usage contains token accounting for one batch.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the result of one predict step.
type Response struct {
	// Position of the batch this response belongs to.
	// example: 0
	BatchIndex int `json:"batch_index" example:"0"`
	// Full decoded text per example: context followed by the completion.
	// example: ["Translate to French: good morning bonjour"]
	Sentences []string `json:"sentences"`
	// Generated text only, per example.
	// example: [" bonjour"]
	Completions []string `json:"completions"`
	// Prompt text per example.
	Contexts []string `json:"contexts"`
	// Reference answers per example.
	Labels []string `json:"labels,omitempty"`
	// Why generation stopped, per example (stop, length).
	// example: ["stop"]
	FinishReasons []string `json:"finish_reasons,omitempty"`
	// Aggregated token usage for the batch.
	Usage Usage `json:"usage"`
}
