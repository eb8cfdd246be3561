package message

import (
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EnvelopeBuilder helps construct request envelopes
type EnvelopeBuilder struct {
	env    *Envelope
	errors []error
}

// Option represents a functional option for EnvelopeBuilder
type Option func(*EnvelopeBuilder)

// NewEnvelope creates a new envelope builder with a fresh query id
func NewEnvelope(opts ...Option) *EnvelopeBuilder {
	b := &EnvelopeBuilder{
		env: &Envelope{
			Header: &Header{
				ID:              generateQueryID(),
				ProtocolVersion: ProtocolVersion,
			},
			Body: &Body{},
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithClient sets the client identifier
func WithClient(client string) Option {
	return func(b *EnvelopeBuilder) {
		b.env.Header.Client = client
	}
}

// WithService sets the service identifier
func WithService(service string) Option {
	return func(b *EnvelopeBuilder) {
		b.env.Header.Service = service
	}
}

// WithQueryID overrides the generated query id
func WithQueryID(id string) Option {
	return func(b *EnvelopeBuilder) {
		if id == "" {
			b.errors = append(b.errors, errors.New("query id must not be empty"))
			return
		}
		b.env.Header.ID = id
	}
}

// WithUserID sets the optional end-user identifier
func WithUserID(userID string) Option {
	return func(b *EnvelopeBuilder) {
		b.env.Header.UserID = userID
	}
}

// WithBody sets the body content. The content must be well-formed XML.
func WithBody(content []byte) Option {
	return func(b *EnvelopeBuilder) {
		b.env.Body.Content = content
	}
}

// Build validates the envelope and returns its XML encoding
func (b *EnvelopeBuilder) Build() ([]byte, error) {
	if len(b.errors) > 0 {
		return nil, errors.Join(b.errors...)
	}
	if b.env.Header.Client == "" {
		return nil, errors.New("client is required")
	}
	if b.env.Header.Service == "" {
		return nil, errors.New("service is required")
	}

	data, err := xml.Marshal(b.env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

// QueryID returns the query id the envelope will carry
func (b *EnvelopeBuilder) QueryID() string {
	return b.env.Header.ID
}

func generateQueryID() string {
	return uuid.New().String()
}
