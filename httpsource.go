package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultHTTPTimeout = 30 * time.Second

// CodeNotFound is the error code a directory API uses for an unknown room.
const CodeNotFound = "NOT_FOUND"

// apiResult is the envelope every directory API response is wrapped in.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// HTTPRoomSource reads the room directory from a REST API:
// GET {base}/api/rooms and GET {base}/api/rooms/{id}.
type HTTPRoomSource struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

type HTTPSourceOption func(*HTTPRoomSource)

func WithToken(token string) HTTPSourceOption {
	return func(s *HTTPRoomSource) { s.token = token }
}

func WithTimeout(timeout time.Duration) HTTPSourceOption {
	return func(s *HTTPRoomSource) { s.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) HTTPSourceOption {
	return func(s *HTTPRoomSource) { s.httpClient = client }
}

func WithSourceLogger(log *zap.Logger) HTTPSourceOption {
	return func(s *HTTPRoomSource) { s.log = log }
}

// NewHTTPRoomSource creates a source for the directory API at baseURL.
func NewHTTPRoomSource(baseURL string, opts ...HTTPSourceOption) *HTTPRoomSource {
	s := &HTTPRoomSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPRoomSource) Name() string { return "http:" + s.baseURL }

func (s *HTTPRoomSource) ListRooms(ctx context.Context) ([]Room, error) {
	data, err := s.do(ctx, "/api/rooms")
	if err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rooms: %w", err)
	}
	rooms, errs := decodeRecords[Room](rows)
	for _, err := range errs {
		s.log.Warn("skipping invalid room record", zap.String("source", s.Name()), zap.Error(err))
	}
	return rooms, nil
}

func (s *HTTPRoomSource) GetRoom(ctx context.Context, id string) (Room, error) {
	data, err := s.do(ctx, "/api/rooms/"+url.PathEscape(id))
	if err != nil {
		return Room{}, err
	}
	return decodeRecord[Room](data)
}

// do issues a GET and unwraps the result envelope.
func (s *HTTPRoomSource) do(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrRoomNotFound
	}

	var res apiResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if !res.OK || resp.StatusCode >= 400 {
		if res.Error == nil {
			return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		}
		if res.Error.Code == CodeNotFound {
			return nil, ErrRoomNotFound
		}
		return nil, res.Error
	}
	return res.Data, nil
}
