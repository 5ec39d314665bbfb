package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-openapi/jsonpointer"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/xjson"
)

// WorkflowDataVariable names the run variable holding the JSON document
// attribute mappings read from.
const WorkflowDataVariable = "workflowData"

// extractedRequest collects mapped values by where they go in the request.
type extractedRequest struct {
	body        map[string]any
	queryParams map[string]string
	pathParams  map[string]string
	headers     map[string]string
	count       int
}

func (r *extractedRequest) hasBody() bool {
	return len(r.body) > 0
}

func extractAttributes(document string, mappings []domain.AttributeMapping) (*extractedRequest, error) {
	doc, err := xjson.Decode([]byte(document))
	if err != nil {
		return nil, domain.NewTaskExecutionError(fmt.Sprintf("workflow data is not valid JSON: %v", err), err)
	}

	req := &extractedRequest{
		body:        make(map[string]any),
		queryParams: make(map[string]string),
		pathParams:  make(map[string]string),
		headers:     make(map[string]string),
	}

	for _, m := range mappings {
		value, found, err := lookup(doc, m.SourcePath)
		if err != nil {
			return nil, domain.NewConfigurationError("attribute_mappings.source_path", err.Error())
		}
		if !found || value == nil {
			if m.Required {
				return nil, domain.NewTaskExecutionError(fmt.Sprintf("required attribute not found at %s", m.SourcePath), nil)
			}
			if m.Transformation != domain.TransformValueMap {
				continue
			}
		}

		if m.HasTransformation() {
			value, err = transform(value, m.Transformation, m.TransformationConfig)
			if err != nil {
				return nil, domain.NewTaskExecutionError(fmt.Sprintf("transform %s: %v", m.SourcePath, err), err)
			}
			if value == nil {
				continue
			}
		}

		if err := req.place(m, value); err != nil {
			return nil, err
		}
		req.count++
	}
	return req, nil
}

// lookup resolves a JSON pointer. A path without a leading slash is treated
// as dotted notation, so customer.id and /customer/id are the same.
func lookup(doc any, path string) (any, bool, error) {
	if path == "" {
		return doc, true, nil
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + strings.ReplaceAll(path, ".", "/")
	}

	ptr, err := jsonpointer.New(path)
	if err != nil {
		return nil, false, fmt.Errorf("invalid source path %q: %w", path, err)
	}
	value, _, err := ptr.Get(doc)
	if err != nil {
		return nil, false, nil
	}
	return value, true, nil
}

func (r *extractedRequest) place(m domain.AttributeMapping, value any) error {
	switch m.Location {
	case domain.LocationBody:
		setNested(r.body, m.TargetField, value)
		return nil
	}

	text, err := xjson.Stringify(value)
	if err != nil {
		return domain.NewTaskExecutionError(fmt.Sprintf("render %s: %v", m.SourcePath, err), err)
	}

	switch m.Location {
	case domain.LocationQueryParam:
		r.queryParams[m.TargetField] = text
	case domain.LocationPathParam:
		r.pathParams[m.TargetField] = text
	case domain.LocationHeader:
		r.headers[m.TargetField] = text
	default:
		return domain.NewConfigurationError("attribute_mappings.location", fmt.Sprintf("unsupported location %q", m.Location))
	}
	return nil
}

// setNested writes value under a dotted target, creating objects on the way.
func setNested(root map[string]any, target string, value any) {
	parts := strings.Split(target, ".")
	current := root
	for _, p := range parts[:len(parts)-1] {
		next, ok := current[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[p] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func transform(value any, kind domain.TransformationType, config string) (any, error) {
	switch kind {
	case domain.TransformValueMap:
		return transformValueMap(value, config)
	case domain.TransformDateFormat:
		return transformDate(value, config)
	case domain.TransformStringFormat:
		return transformString(value, config)
	default:
		return value, nil
	}
}

type valueMapConfig struct {
	Mappings     map[string]string `json:"mappings"`
	DefaultValue *string           `json:"defaultValue"`
	StrictMode   bool              `json:"strictMode"`
}

func transformValueMap(value any, config string) (any, error) {
	var cfg valueMapConfig
	if err := xjson.Unmarshal([]byte(config), &cfg); err != nil {
		return nil, fmt.Errorf("invalid value map configuration: %w", err)
	}

	if value == nil {
		if mapped, ok := cfg.Mappings["null"]; ok {
			return mapped, nil
		}
		if cfg.DefaultValue != nil {
			return *cfg.DefaultValue, nil
		}
		return nil, nil
	}

	in, err := xjson.Stringify(value)
	if err != nil {
		return nil, err
	}
	if mapped, ok := cfg.Mappings[in]; ok {
		return mapped, nil
	}
	if cfg.DefaultValue != nil {
		return *cfg.DefaultValue, nil
	}
	if cfg.StrictMode {
		return nil, fmt.Errorf("no mapping for value %q in strict mode", in)
	}
	return in, nil
}

type dateFormatConfig struct {
	InputFormat  string `json:"inputFormat"`
	OutputFormat string `json:"outputFormat"`
}

func transformDate(value any, config string) (any, error) {
	if value == nil {
		return nil, nil
	}

	var cfg dateFormatConfig
	if err := xjson.Unmarshal([]byte(config), &cfg); err != nil {
		return nil, fmt.Errorf("invalid date format configuration: %w", err)
	}
	if cfg.InputFormat == "" || cfg.OutputFormat == "" {
		return nil, fmt.Errorf("both inputFormat and outputFormat are required")
	}

	in, err := xjson.Stringify(value)
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(dateLayout(cfg.InputFormat), in)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", in, err)
	}
	return t.Format(dateLayout(cfg.OutputFormat)), nil
}

// dateLayouts maps pattern letters such as yyyy-MM-dd onto Go reference
// layouts. Longest tokens are listed first so they win.
var dateLayouts = strings.NewReplacer(
	"yyyy", "2006",
	"yy", "06",
	"MMMM", "January",
	"MMM", "Jan",
	"MM", "01",
	"dd", "02",
	"HH", "15",
	"hh", "03",
	"mm", "04",
	"ss", "05",
	"SSS", "000",
	"XXX", "Z07:00",
	"Z", "-0700",
	"a", "PM",
	"'T'", "T",
)

// dateLayout accepts either a Go layout or a pattern in the yyyy-MM-dd style.
func dateLayout(pattern string) string {
	if strings.Contains(pattern, "2006") {
		return pattern
	}
	return dateLayouts.Replace(pattern)
}

type stringFormatConfig struct {
	Format string `json:"format"`
}

// transformString renders value into a template where {value} or %s marks
// the insertion point. The configuration is either {"format": "..."} or the
// template itself.
func transformString(value any, config string) (any, error) {
	template := config
	var cfg stringFormatConfig
	if err := xjson.Unmarshal([]byte(config), &cfg); err == nil && cfg.Format != "" {
		template = cfg.Format
	}
	if template == "" {
		return nil, fmt.Errorf("string format configuration is empty")
	}

	in, err := xjson.Stringify(value)
	if err != nil {
		return nil, err
	}
	out := strings.ReplaceAll(template, "{value}", in)
	return strings.ReplaceAll(out, "%s", in), nil
}
