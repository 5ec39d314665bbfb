package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/adapters/circuit_breaker"
	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
	"github.com/eleven-am/weave/internal/xjson"
)

func restTask(config map[string]string) domain.TaskDefinition {
	return domain.TaskDefinition{ID: "call", Name: "call", Type: TypeRestAPI, Configuration: config}
}

func TestRestAPIHandlerSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders/42", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"amount": 10}`, string(body))

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 42, "status": "accepted", "items": [1, 2]}`))
	}))
	defer server.Close()

	h := NewRestAPIHandler(server.Client(), nil, nil, nil)
	out, err := h.Execute(context.Background(), restTask(map[string]string{
		"url":         server.URL + "/orders/${orderId}",
		"method":      "post",
		"requestBody": `{"amount": 10}`,
		"headers":     `{"X-Api-Key": "secret"}`,
	}), &ports.ExecutionContext{Variables: map[string]string{"orderId": "42"}})

	require.NoError(t, err)
	assert.Equal(t, "201", out["statusCode"])
	assert.Equal(t, "true", out["success"])
	assert.Equal(t, "42", out["response.id"])
	assert.Equal(t, "accepted", out["response.status"])
	assert.NotContains(t, out, "response.items")
	assert.Equal(t, "false", out["usedJsonExtraction"])

	headers, err := xjson.StringMap([]byte(out["responseHeaders"]))
	require.NoError(t, err)
	assert.Equal(t, "application/json; charset=utf-8", headers["Content-Type"])
}

func TestRestAPIHandlerHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))
	defer server.Close()

	h := NewRestAPIHandler(server.Client(), nil, nil, nil)
	out, err := h.Execute(context.Background(), restTask(map[string]string{"url": server.URL, "method": "GET"}), nil)

	require.Error(t, err)
	assert.True(t, domain.IsTaskExecutionError(err))
	assert.Equal(t, "HTTP error: 404", err.Error())
	assert.Equal(t, "404", out["statusCode"])
	assert.Equal(t, "missing", out["responseBody"])
	assert.Equal(t, "false", out["success"])
}

func TestRestAPIHandlerConfigurationErrors(t *testing.T) {
	h := NewRestAPIHandler(nil, nil, nil, nil)

	tests := []struct {
		name   string
		config map[string]string
	}{
		{"missing url", map[string]string{"method": "GET"}},
		{"missing method", map[string]string{"url": "http://example.test"}},
		{"bad method", map[string]string{"url": "http://example.test", "method": "BREW"}},
		{"bad headers", map[string]string{"url": "http://example.test", "method": "GET", "headers": "not json"}},
		{"bad url", map[string]string{"url": "not a url", "method": "GET"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Execute(context.Background(), restTask(tt.config), nil)
			assert.True(t, domain.IsConfigurationError(err), "got %v", err)
		})
	}
}

func TestRestAPIHandlerBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := domain.DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 2
	breakers := circuit_breaker.NewProvider(cfg, nil)
	h := NewRestAPIHandler(server.Client(), breakers, nil, nil)
	task := restTask(map[string]string{"url": server.URL, "method": "GET"})

	for i := 0; i < 2; i++ {
		out, err := h.Execute(context.Background(), task, nil)
		require.Error(t, err)
		assert.Equal(t, "502", out["statusCode"])
	}

	_, err := h.Execute(context.Background(), task, nil)
	require.Error(t, err)
	assert.True(t, circuit_breaker.IsOpen(err))
	assert.Equal(t, int32(2), hits.Load())
}

func TestRestAPIHandlerAttributeExtraction(t *testing.T) {
	var gotQuery, gotHeader, gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("status")
		gotHeader = r.Header.Get("X-Customer")
		body, _ := io.ReadAll(r.Body)
		_ = xjson.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	task := restTask(map[string]string{"url": server.URL + "/customers/{customerId}/orders", "method": "PUT"})
	task.AttributeMappings = []domain.AttributeMapping{
		{SourcePath: "/customer/id", TargetField: "customerId", Location: domain.LocationPathParam, Required: true},
		{SourcePath: "customer.name", TargetField: "X-Customer", Location: domain.LocationHeader},
		{SourcePath: "/order/state", TargetField: "status", Location: domain.LocationQueryParam,
			Transformation: domain.TransformValueMap, TransformationConfig: `{"mappings": {"ACTIVE": "A"}, "defaultValue": "U"}`},
		{SourcePath: "/order/placed", TargetField: "order.date", Location: domain.LocationBody,
			Transformation: domain.TransformDateFormat, TransformationConfig: `{"inputFormat": "yyyy-MM-dd", "outputFormat": "dd/MM/yyyy"}`},
		{SourcePath: "/order/total", TargetField: "amount", Location: domain.LocationBody},
	}

	data := `{"customer": {"id": 7, "name": "Ada"}, "order": {"state": "ACTIVE", "placed": "2024-03-09", "total": 12.5}}`
	out, err := NewRestAPIHandler(server.Client(), nil, nil, nil).Execute(context.Background(), task,
		&ports.ExecutionContext{Variables: map[string]string{WorkflowDataVariable: data}})

	require.NoError(t, err)
	assert.Equal(t, "true", out["usedJsonExtraction"])
	assert.Equal(t, "5", out["extractedAttributeCount"])
	assert.Equal(t, "/customers/7/orders", gotPath)
	assert.Equal(t, "A", gotQuery)
	assert.Equal(t, "Ada", gotHeader)
	assert.Equal(t, map[string]any{"date": "09/03/2024"}, gotBody["order"])
	assert.Equal(t, 12.5, gotBody["amount"])
}

func TestRestAPIHandlerMissingRequiredAttribute(t *testing.T) {
	task := restTask(map[string]string{"url": "http://example.test", "method": "GET"})
	task.AttributeMappings = []domain.AttributeMapping{
		{SourcePath: "/missing", TargetField: "x", Location: domain.LocationQueryParam, Required: true},
	}

	_, err := NewRestAPIHandler(nil, nil, nil, nil).Execute(context.Background(), task,
		&ports.ExecutionContext{Variables: map[string]string{WorkflowDataVariable: `{}`}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "required attribute not found at /missing")
}
