package domain

import (
	"dario.cat/mergo"
)

// MergeVariables folds each outputs map into vars in order; later maps win.
// The returned map is always non-nil and vars is never modified in place.
func MergeVariables(vars map[string]string, outputs ...map[string]string) (map[string]string, error) {
	merged := CopyStringMap(vars)
	for _, out := range outputs {
		if len(out) == 0 {
			continue
		}
		if err := mergo.Merge(&merged, out, mergo.WithOverride, mergo.WithOverwriteWithEmptyValue); err != nil {
			return nil, NewOrchestrationError("", "merge_variables", err)
		}
	}
	return merged, nil
}

// ResultOutputs drops the result-shaping keys a handler adds so only payload
// keys flow into run variables.
func ResultOutputs(result map[string]string) map[string]string {
	out := make(map[string]string, len(result))
	for k, v := range result {
		if k == ResultKeySuccess || k == ResultKeyErrorMessage {
			continue
		}
		out[k] = v
	}
	return out
}

const (
	ResultKeySuccess      = "success"
	ResultKeyErrorMessage = "errorMessage"
)
