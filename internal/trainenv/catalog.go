package trainenv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// defaultBaseModels is the fallback catalog used when the runtime inside the
// container cannot be queried.
var defaultBaseModels = []string{
	"unsloth/llama-3.1-8b-bnb-4bit",
	"unsloth/mistral-7b-v0.3-bnb-4bit",
	"unsloth/Qwen2.5-7B-bnb-4bit",
	"unsloth/gemma-2-9b-bnb-4bit",
	"unsloth/Phi-3.5-mini-instruct",
	"unsloth/llama-3.2-1b-instruct-bnb-4bit",
	"unsloth/llama-3.2-3b-instruct-bnb-4bit",
}

const catalogProbe = `import json; from unsloth.models.mapper import INT_TO_FLOAT_MAPPER; print(json.dumps(sorted(INT_TO_FLOAT_MAPPER.keys())))`

// BaseModelCatalog returns the base models supported by the training
// runtime, falling back to a built-in list when the container is not
// running or the probe fails.
func (m *Manager) BaseModelCatalog(ctx context.Context) []string {
	models, err := m.queryCatalog(ctx)
	if err != nil {
		m.log.WithError(err).Debug("falling back to built-in model catalog")
		return append([]string(nil), defaultBaseModels...)
	}
	return models
}

func (m *Manager) queryCatalog(ctx context.Context) ([]string, error) {
	stream, err := m.Exec(ctx, []string{"python", "-c", catalogProbe}, nil)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	out, err := io.ReadAll(stream)
	if err != nil {
		return nil, err
	}
	code, err := stream.ExitCode(ctx)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("model probe exited with code %d", code)
	}

	// Imports may print warnings before the JSON array.
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		var models []string
		if err := json.Unmarshal([]byte(line), &models); err == nil && len(models) > 0 {
			return models, nil
		}
	}
	return nil, errors.New("model probe produced no catalog")
}
