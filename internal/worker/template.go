package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/mattjoyce/forkq/internal/protocol"
)

// templateHandler renders an inline text/template per task. Output that is a
// JSON object becomes the result; anything else is returned under "text".
type templateHandler struct {
	tmpl   *template.Template
	config map[string]any
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

func newTemplateHandler(ref protocol.HandlerRef) (Handler, error) {
	tmpl, err := template.New("handler").Funcs(templateFuncs).Option("missingkey=zero").Parse(ref.Text)
	if err != nil {
		return nil, fmt.Errorf("compile inline handler: %w", err)
	}
	return &templateHandler{tmpl: tmpl, config: ref.Config}, nil
}

func (h *templateHandler) Handle(_ context.Context, _ *Env, task *Task) (map[string]any, error) {
	data := map[string]any{
		"ID":       task.ID,
		"Type":     task.Type,
		"WorkerID": task.WorkerID,
		"Payload":  task.Payload,
		"Config":   h.config,
	}

	var buf bytes.Buffer
	if err := h.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	out := bytes.TrimSpace(buf.Bytes())
	if len(out) > 0 && out[0] == '{' {
		var result map[string]any
		if err := json.Unmarshal(out, &result); err == nil {
			return result, nil
		}
	}
	return map[string]any{"text": string(out)}, nil
}
