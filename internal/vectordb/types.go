package vectordb

import (
	"errors"
	"time"
)

var (
	// ErrRetrievalUnavailable indicates a transport-level failure talking
	// to the retrieval service. Transient; retried by the backoff executor.
	ErrRetrievalUnavailable = errors.New("retrieval service unavailable")

	// ErrRetrievalMalformed indicates the service answered with a payload
	// we cannot parse. Permanent; surfaced to the caller immediately.
	ErrRetrievalMalformed = errors.New("retrieval response malformed")

	// ErrEmptyQuery indicates a caller bug: queries must be non-empty.
	ErrEmptyQuery = errors.New("retrieval query must not be empty")
)

// Config holds retrieval service connection settings.
type Config struct {
	// BaseURL overrides Host and Port when set.
	BaseURL string        `mapstructure:"base_url"`
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	TopK    int           `mapstructure:"top_k"`
	MaxTopK int           `mapstructure:"max_top_k"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Filter narrows a semantic query by passage metadata.
type Filter struct {
	Sex string `json:"sex,omitempty"` // "m", "f", or empty for no filter
}

// queryRequest is the wire request for the /query endpoint.
type queryRequest struct {
	Query  string  `json:"query"`
	TopK   int     `json:"top_k"`
	Filter *Filter `json:"filter,omitempty"`
}

// queryResult is one scored passage on the wire.
type queryResult struct {
	SourceID  string                 `json:"source_id"`
	Text      string                 `json:"text"`
	Score     float64                `json:"score"`
	Permalink string                 `json:"permalink"`
	CreatedAt time.Time              `json:"created_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// queryResponse is the wire response for the /query endpoint.
type queryResponse struct {
	Results []queryResult `json:"results"`
	Status  string        `json:"status"`
}
