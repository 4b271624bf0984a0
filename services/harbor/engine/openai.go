// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// OpenAIEngine is an ExecutionEngine backed by the OpenAI chat API.
//
// # Description
//
// Each handle pins the system instructions composed from the tenant
// configuration at creation time. Process sends a single-turn chat
// completion; conversation context is Harbor's responsibility, not the
// adapter's.
//
// # Thread Safety
//
// Safe for concurrent use. Handle state is guarded by a mutex.
type OpenAIEngine struct {
	client *openai.Client
	model  string

	mu      sync.RWMutex
	handles map[string]openAIHandleState
}

type openAIHandleState struct {
	tenantID     string
	instructions string
	model        string
}

// NewOpenAIEngine creates an OpenAI-backed engine.
//
// Reads OPENAI_API_KEY from the environment, falling back to the Podman
// secret mount. OPENAI_MODEL selects the model, defaulting to gpt-4o-mini.
func NewOpenAIEngine() (*OpenAIEngine, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI execution engine", "model", model)
	return &OpenAIEngine{
		client:  openai.NewClient(apiKey),
		model:   model,
		handles: make(map[string]openAIHandleState),
	}, nil
}

// CreateHandle provisions a chat persona for the tenant.
func (e *OpenAIEngine) CreateHandle(ctx context.Context, tenantID string, config TenantConfig) (Handle, error) {
	if tenantID == "" {
		return Handle{}, NewError(KindValidation, tenantID, errors.New("tenant id must not be empty"))
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, NewError(KindTimeout, tenantID, err)
	}

	model := e.model
	if m, ok := config.Metadata["model"].(string); ok && m != "" {
		model = m
	}

	h := Handle{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
	}

	e.mu.Lock()
	e.handles[h.ID] = openAIHandleState{
		tenantID:     tenantID,
		instructions: ComposeInstructions(tenantID, config),
		model:        model,
	}
	e.mu.Unlock()

	slog.Debug("Created OpenAI handle", "tenant_id", tenantID, "handle_id", h.ID, "model", model)
	return h, nil
}

// Process sends the message as a single-turn chat completion.
func (e *OpenAIEngine) Process(ctx context.Context, handle Handle, message, channel, userID string) (Reply, error) {
	e.mu.RLock()
	state, ok := e.handles[handle.ID]
	e.mu.RUnlock()
	if !ok {
		return Reply{}, NewError(KindNotFound, handle.TenantID, fmt.Errorf("unknown handle %s", handle.ID))
	}

	req := openai.ChatCompletionRequest{
		Model: state.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: state.instructions},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("[%s:%s] %s", channel, userID, message)},
		},
	}

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Reply{}, NewError(classifyOpenAIError(err), state.tenantID, err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, NewError(KindInternal, state.tenantID, errors.New("OpenAI returned no choices"))
	}

	return Reply{
		Text:      resp.Choices[0].Message.Content,
		Timestamp: time.Now().UTC(),
	}, nil
}

// DestroyHandle forgets the persona. Unknown handles are a no-op.
func (e *OpenAIEngine) DestroyHandle(_ context.Context, handle Handle) error {
	e.mu.Lock()
	delete(e.handles, handle.ID)
	e.mu.Unlock()
	return nil
}

// classifyOpenAIError tags a transport error at the throw site.
//
// The classification is structural (error types, status codes), never
// based on message text.
func classifyOpenAIError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 404:
			return KindNotFound
		case apiErr.HTTPStatusCode == 429:
			return KindResource
		case apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500:
			return KindValidation
		}
	}
	return KindInternal
}

var _ ExecutionEngine = (*OpenAIEngine)(nil)
