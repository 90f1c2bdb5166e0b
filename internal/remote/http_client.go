package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/util"
)

// RPCError is a failure reported by the document service.
type RPCError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *RPCError) Error() string {
	if e.StatusCode >= 500 {
		return fmt.Sprintf("RPC Error%d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HTTPService calls the document service's JSON-RPC endpoint once per call.
type HTTPService struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

var _ Service = (*HTTPService)(nil)

func NewHTTPService(endpoint, token string, httpClient *http.Client) *HTTPService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPService{
		endpoint:   strings.TrimSpace(endpoint),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

type rpcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"data"`
	Error  *RPCError       `json:"error,omitempty"`
}

func (s *HTTPService) Fetch(ctx context.Context, conversation keys.Conversation) (Document, error) {
	var doc Document
	params := map[string]string{"waveId": conversation.ID, "waveletId": conversation.SubID}
	if err := s.call(ctx, "robot.fetchWave", params, &doc); err != nil {
		return Document{}, err
	}
	if doc.Conversation == (keys.Conversation{}) {
		doc.Conversation = conversation
	}
	if doc.Items == nil {
		doc.Items = map[string]Item{}
	}
	return doc, nil
}

func (s *HTTPService) Submit(ctx context.Context, doc Document) (SubmitResult, error) {
	var result SubmitResult
	if err := s.call(ctx, "robot.submit", doc, &result); err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

func (s *HTTPService) call(ctx context.Context, method string, params any, out any) error {
	payload, err := json.Marshal(rpcRequest{ID: util.NewRequestID(), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	_ = resp.Body.Close()
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rpcErr := &RPCError{StatusCode: resp.StatusCode, Code: resp.StatusCode}
		var decoded rpcResponse
		if json.Unmarshal(body, &decoded) == nil && decoded.Error != nil {
			rpcErr.Code = decoded.Error.Code
			rpcErr.Message = decoded.Error.Message
		} else {
			rpcErr.Message = strings.TrimSpace(string(body))
		}
		return rpcErr
	}

	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	return json.Unmarshal(decoded.Result, out)
}
