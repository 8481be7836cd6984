package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-relay/internal/api/dto"
	"github.com/spec-kit/conversation-relay/internal/auth"
)

// Credentials identify the widget's caller: a bearer token for signed-in
// users and admins, otherwise a guest session token.
type Credentials struct {
	BearerToken  string
	GuestSession string
}

// API is the part of the HTTP surface the widget drives.
type API interface {
	ResolveGuest(ctx context.Context, cred Credentials, profile *dto.GuestProfileRequest) (*dto.GuestResponse, error)
	ListConversations(ctx context.Context, cred Credentials) ([]dto.ConversationResponse, error)
	GetConversation(ctx context.Context, cred Credentials, id string) (*dto.ConversationResponse, error)
	SendMessage(ctx context.Context, cred Credentials, req dto.SendMessageRequest) (*dto.SendMessageResponse, error)
	ListMessages(ctx context.Context, cred Credentials, conversationID string) ([]dto.MessageResponse, error)
}

// APIError is a non-2xx answer decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// ErrorCode returns the API error code carried by err, if any.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// HTTPClient talks to the relay service using fiber's client agent.
type HTTPClient struct {
	baseURL string
	timeout time.Duration
}

// NewHTTPClient builds a client for baseURL such as http://localhost:8080.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{baseURL: baseURL, timeout: timeout}
}

func (c *HTTPClient) ResolveGuest(ctx context.Context, cred Credentials, profile *dto.GuestProfileRequest) (*dto.GuestResponse, error) {
	var out dto.GuestResponse
	var body any
	if profile != nil {
		body = profile
	}
	if err := c.do(ctx, fiber.MethodPost, "/guests", cred, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListConversations(ctx context.Context, cred Credentials) ([]dto.ConversationResponse, error) {
	var out []dto.ConversationResponse
	if err := c.do(ctx, fiber.MethodGet, "/conversations", cred, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) GetConversation(ctx context.Context, cred Credentials, id string) (*dto.ConversationResponse, error) {
	var out dto.ConversationResponse
	if err := c.do(ctx, fiber.MethodGet, "/conversations/"+url.PathEscape(id), cred, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, cred Credentials, req dto.SendMessageRequest) (*dto.SendMessageResponse, error) {
	var out dto.SendMessageResponse
	if err := c.do(ctx, fiber.MethodPost, "/messages", cred, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListMessages(ctx context.Context, cred Credentials, conversationID string) ([]dto.MessageResponse, error) {
	var out []dto.MessageResponse
	path := "/messages?conversationId=" + url.QueryEscape(conversationID)
	if err := c.do(ctx, fiber.MethodGet, path, cred, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, cred Credentials, body, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	agent := fiber.AcquireAgent()
	req := agent.Request()
	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	if cred.BearerToken != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+cred.BearerToken)
	} else if cred.GuestSession != "" {
		agent.Set(auth.GuestSessionHeader, cred.GuestSession)
	}
	if body != nil {
		agent.JSON(body)
	}
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	agent.Timeout(timeout)

	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return err
	}
	status, respBody, errs := agent.Bytes()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if status >= fiber.StatusBadRequest {
		return decodeAPIError(status, respBody)
	}
	if out == nil {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = string(body)
	}
	return apiErr
}
