package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
	"github.com/eleven-am/weave/internal/xjson"
)

const maxResponseBytes = 10 << 20

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

var errServerStatus = errors.New("server error status")

type restAPI struct {
	client   *http.Client
	breakers ports.CircuitBreakerProvider
	limiter  ports.RateLimiter
	logger   *slog.Logger
}

// NewRestAPIHandler calls an HTTP endpoint. breakers and limiter are keyed by
// host and may be nil.
func NewRestAPIHandler(client *http.Client, breakers ports.CircuitBreakerProvider, limiter ports.RateLimiter, logger *slog.Logger) *Handler {
	if client == nil {
		client = &http.Client{Timeout: domain.DefaultHandlerConfig().HTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &restAPI{
		client:   client,
		breakers: breakers,
		limiter:  limiter,
		logger:   logger.With("component", "rest-api-handler"),
	}
	return NewHandler(TypeRestAPI, []string{"url", "method"}, h.execute, logger)
}

func (h *restAPI) execute(ctx context.Context, req Request) (map[string]string, error) {
	method := strings.ToUpper(req.Config["method"])
	if !allowedMethods[method] {
		return nil, domain.NewConfigurationError("method", fmt.Sprintf("unsupported HTTP method: %s", method))
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if raw := req.Config["headers"]; raw != "" {
		custom, err := xjson.StringMap([]byte(raw))
		if err != nil {
			return nil, domain.NewConfigurationError("headers", fmt.Sprintf("headers must be a JSON object of strings: %v", err))
		}
		for k, v := range custom {
			headers[k] = v
		}
	}

	target := req.Config["url"]
	body := req.Config["requestBody"]
	usedExtraction := false
	extractedCount := 0

	if document, ok := req.Variables[WorkflowDataVariable]; ok && document != "" && len(req.Task.AttributeMappings) > 0 {
		extracted, err := extractAttributes(document, req.Task.AttributeMappings)
		if err != nil {
			return nil, err
		}
		target, err = applyExtraction(target, extracted)
		if err != nil {
			return nil, err
		}
		for k, v := range extracted.headers {
			headers[k] = v
		}
		if extracted.hasBody() {
			encoded, err := xjson.Marshal(extracted.body)
			if err != nil {
				return nil, err
			}
			body = string(encoded)
		}
		usedExtraction = true
		extractedCount = extracted.count
	}

	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return nil, domain.NewConfigurationError("url", fmt.Sprintf("invalid url %q", target))
	}
	host := parsed.Host

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx, host); err != nil {
			return nil, domain.NewTaskExecutionError(fmt.Sprintf("rate limited calling %s: %v", host, err), err)
		}
	}

	var resp *response
	call := func(ctx context.Context) error {
		r, err := h.do(ctx, method, target, body, headers)
		if err != nil {
			return err
		}
		resp = r
		if r.status >= http.StatusInternalServerError {
			return errServerStatus
		}
		return nil
	}

	if h.breakers != nil {
		err = h.breakers.Get(host).Call(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil && !errors.Is(err, errServerStatus) {
		return nil, domain.NewTaskExecutionError(fmt.Sprintf("HTTP request to %s failed: %v", host, err), err)
	}

	result := resp.toResult()
	result["usedJsonExtraction"] = strconv.FormatBool(usedExtraction)
	if usedExtraction {
		result["extractedAttributeCount"] = strconv.Itoa(extractedCount)
	}

	h.logger.Debug("REST API response",
		"method", method,
		"host", host,
		"status_code", resp.status,
		"used_json_extraction", usedExtraction)
	return result, nil
}

type response struct {
	status  int
	body    []byte
	headers http.Header
}

func (h *restAPI) do(ctx context.Context, method, target, body string, headers map[string]string) (*response, error) {
	var reader io.Reader
	if body != "" && (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch) {
		reader = bytes.NewBufferString(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	return &response{status: httpResp.StatusCode, body: data, headers: httpResp.Header}, nil
}

// toResult shapes the response. Non 2xx statuses report success=false with
// an HTTP error message; top level scalars of a JSON object body are exposed
// as response.<key>.
func (r *response) toResult() map[string]string {
	result := map[string]string{
		"statusCode":   strconv.Itoa(r.status),
		"responseBody": string(r.body),
	}

	flat := make(map[string]string, len(r.headers))
	for name, values := range r.headers {
		if len(values) > 0 {
			flat[name] = strings.Join(values, ", ")
		}
	}
	if encoded, err := xjson.Marshal(flat); err == nil {
		result["responseHeaders"] = string(encoded)
	}

	if r.status >= 200 && r.status < 300 {
		result[domain.ResultKeySuccess] = "true"
	} else {
		result[domain.ResultKeySuccess] = "false"
		result[domain.ResultKeyErrorMessage] = fmt.Sprintf("HTTP error: %d", r.status)
	}

	if len(r.body) > 0 && isJSON(r.headers.Get("Content-Type")) {
		if doc, err := xjson.Decode(r.body); err == nil {
			if obj, ok := doc.(map[string]any); ok {
				for k, v := range obj {
					switch v.(type) {
					case map[string]any, []any:
						continue
					}
					if s, err := xjson.Stringify(v); err == nil {
						result["response."+k] = s
					}
				}
			}
		}
	}
	return result
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return media == "application/json" || strings.HasSuffix(media, "+json")
}

func applyExtraction(target string, extracted *extractedRequest) (string, error) {
	for _, name := range sortedKeys(extracted.pathParams) {
		target = strings.ReplaceAll(target, "{"+name+"}", url.PathEscape(extracted.pathParams[name]))
	}
	if len(extracted.queryParams) == 0 {
		return target, nil
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", domain.NewConfigurationError("url", fmt.Sprintf("invalid url %q", target))
	}
	q := parsed.Query()
	for _, name := range sortedKeys(extracted.queryParams) {
		q.Set(name, extracted.queryParams[name])
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
