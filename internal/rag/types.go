package rag

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects the engine's retrieval strategy.
type Mode string

const (
	// ModeLocal retrieves from entity-level context.
	ModeLocal Mode = "local"
	// ModeGlobal retrieves from community-level context.
	ModeGlobal Mode = "global"
	// ModeHybrid combines local and global retrieval.
	ModeHybrid Mode = "hybrid"
	// ModeNaive is plain vector search without graph context.
	ModeNaive Mode = "naive"
	// ModeMix blends graph and vector retrieval.
	ModeMix Mode = "mix"
	// ModeBypass sends the query to the model without retrieval.
	ModeBypass Mode = "bypass"
)

// ValidMode reports whether m is a known retrieval mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeLocal, ModeGlobal, ModeHybrid, ModeNaive, ModeMix, ModeBypass:
		return true
	}
	return false
}

// Message is one turn of conversation history sent with a query.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueryRequest is the typed query contract with the engine.
type QueryRequest struct {
	Query               string    `json:"query"`
	Mode                Mode      `json:"mode,omitempty"`
	TopK                int       `json:"top_k,omitempty"`
	OnlyNeedContext     bool      `json:"only_need_context,omitempty"`
	OnlyNeedPrompt      bool      `json:"only_need_prompt,omitempty"`
	ResponseType        string    `json:"response_type,omitempty"`
	ConversationHistory []Message `json:"conversation_history,omitempty"`
	IDs                 []string  `json:"ids,omitempty"`
}

// Validate rejects requests the engine would refuse. An empty mode is
// allowed; the client fills in ModeHybrid.
func (r QueryRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return errors.New("query must not be empty")
	}
	if r.Mode != "" && !ValidMode(r.Mode) {
		return fmt.Errorf("unknown query mode %q", r.Mode)
	}
	if r.TopK < 0 {
		return errors.New("top_k must not be negative")
	}
	for _, m := range r.ConversationHistory {
		if m.Role != "user" && m.Role != "assistant" {
			return fmt.Errorf("unknown conversation role %q", m.Role)
		}
	}
	return nil
}

// QueryResponse carries the engine's answer, or the retrieved context or
// prompt when the request asked for those only.
type QueryResponse struct {
	Response string `json:"response"`
}

// InsertResponse reports how the engine took a text insert.
type InsertResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PipelineStatus is the subset of the engine's indexing state we care
// about.
type PipelineStatus struct {
	Busy          bool   `json:"busy"`
	JobName       string `json:"job_name"`
	LatestMessage string `json:"latest_message"`
}
