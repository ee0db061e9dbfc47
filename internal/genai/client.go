// Package genai provides the HTTP client for the external generation
// service and the error taxonomy its failures are classified into.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Message is one turn of prior conversation history.
type Message struct {
	Role string `json:"role"` // "user" or "model"
	Text string `json:"text"`
}

// Attachment is inline binary content sent with the prompt.
type Attachment struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Params describes one generation call against a single model variant.
type Params struct {
	Model             string
	Prompt            string
	SystemInstruction string
	History           []Message
	Attachments       []Attachment
	EnableSearch      bool
}

// Result is a successful generation.
type Result struct {
	Text         string
	FinishReason string
	InputTokens  int64
	OutputTokens int64
}

// Client talks to the generation service. It holds no credential and no
// http.Client: both are supplied per call, so the orchestrator controls the
// credential rotation and the egress transport explicitly.
type Client struct {
	baseURL string
}

// NewClient creates a generation client for the given API base URL.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/")}
}

// Wire format of the generation endpoint.

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text       string    `json:"text,omitempty"`
	InlineData *wireBlob `json:"inlineData,omitempty"`
}

type wireBlob struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"` // encoding/json emits base64
}

type wireTool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type wireRequest struct {
	Contents          []wireContent `json:"contents"`
	SystemInstruction *wireContent  `json:"systemInstruction,omitempty"`
	Tools             []wireTool    `json:"tools,omitempty"`
}

type wireCandidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason"`
}

type wireUsage struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
}

type wireResponse struct {
	Candidates    []wireCandidate `json:"candidates"`
	UsageMetadata *wireUsage      `json:"usageMetadata"`
}

type wireError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// GenerateContent performs one generation call with the given credential
// through the given HTTP client. The request body is rebuilt on every call;
// nothing is shared between attempts. All failures come back classified as
// *Error.
func (c *Client) GenerateContent(ctx context.Context, httpClient *http.Client, credential string, p Params) (*Result, error) {
	if p.Model == "" {
		return nil, newFatal("model variant is required")
	}
	if p.Prompt == "" && len(p.History) == 0 {
		return nil, newFatal("prompt is empty")
	}

	body, err := json.Marshal(buildRequest(p))
	if err != nil {
		return nil, newFatal(fmt.Sprintf("encoding request: %v", err))
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(p.Model), url.QueryEscape(credential))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, newFatal(fmt.Sprintf("building request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr wireError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			return nil, classifyHTTP(resp.StatusCode, apiErr.Error.Status, apiErr.Error.Message)
		}
		return nil, classifyHTTP(resp.StatusCode, "", strings.TrimSpace(string(respBody)))
	}

	var decoded wireResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, &Error{Kind: KindTransportFailure, Message: "malformed response body", Cause: err}
	}

	if len(decoded.Candidates) == 0 {
		return nil, newFatal("response contained no candidates")
	}

	cand := decoded.Candidates[0]
	text := joinTextParts(cand.Content.Parts)
	if text == "" {
		// A finished candidate with no text means the prompt was rejected
		// (safety or recitation), which no other credential will fix.
		return nil, newFatal(fmt.Sprintf("candidate has no text (finish reason %s)", cand.FinishReason))
	}

	result := &Result{Text: text, FinishReason: cand.FinishReason}
	if decoded.UsageMetadata != nil {
		result.InputTokens = decoded.UsageMetadata.PromptTokenCount
		result.OutputTokens = decoded.UsageMetadata.CandidatesTokenCount
	}

	return result, nil
}

func buildRequest(p Params) wireRequest {
	req := wireRequest{}

	for _, m := range p.History {
		req.Contents = append(req.Contents, wireContent{
			Role:  m.Role,
			Parts: []wirePart{{Text: m.Text}},
		})
	}

	parts := make([]wirePart, 0, 1+len(p.Attachments))
	if p.Prompt != "" {
		parts = append(parts, wirePart{Text: p.Prompt})
	}
	for _, a := range p.Attachments {
		parts = append(parts, wirePart{InlineData: &wireBlob{MIMEType: a.MIMEType, Data: a.Data}})
	}
	if len(parts) > 0 {
		req.Contents = append(req.Contents, wireContent{Role: "user", Parts: parts})
	}

	if p.SystemInstruction != "" {
		req.SystemInstruction = &wireContent{Parts: []wirePart{{Text: p.SystemInstruction}}}
	}

	if p.EnableSearch {
		req.Tools = []wireTool{{GoogleSearch: &struct{}{}}}
	}

	return req
}

func joinTextParts(parts []wirePart) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return strings.TrimSpace(b.String())
}
