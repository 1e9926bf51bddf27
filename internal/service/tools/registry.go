package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"finchatgo/internal/config"
	"finchatgo/internal/models"
)

// CallStatus tracks one tool call through its lifecycle:
// pending -> validating (-> rejected) -> executing -> succeeded | failed.
// rejected and failed both come back as structured results the model can
// read and react to; neither aborts the turn.
type CallStatus string

const (
	StatusPending    CallStatus = "pending"
	StatusValidating CallStatus = "validating"
	StatusRejected   CallStatus = "rejected"
	StatusExecuting  CallStatus = "executing"
	StatusSucceeded  CallStatus = "succeeded"
	StatusFailed     CallStatus = "failed"
)

// CallResult is the structured outcome handed back to the model.
type CallResult struct {
	Status CallStatus
	Output string
}

// ArtifactStore persists chart/CSV artifacts created mid-turn. The
// assistant service implements it.
type ArtifactStore interface {
	SaveChart(ctx context.Context, chart *models.Chart) error
	SaveCSV(ctx context.Context, csv *models.CSV) error
}

// Deps carries the registry's collaborators.
type Deps struct {
	Artifacts  ArtifactStore
	CodeRunner config.CollaboratorConfig
}

// Registry holds the named, schema-validated capabilities the model may
// call mid-generation.
type Registry struct {
	ordered []tool.BaseTool
	byName  map[string]tool.InvokableTool
}

// NewRegistry wires every available tool. Search tools that cannot be
// configured (missing keys, unreachable backends) are skipped with a log
// line, matching how optional capabilities degrade elsewhere.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{byName: make(map[string]tool.InvokableTool)}

	search := newSearchChain()
	if ws := initWebSearch(search); ws != nil {
		r.add("web_search", ws)
	}
	if fs := initFinancialSearch(search); fs != nil {
		r.add("financial_search", fs)
	}
	if deps.CodeRunner.Endpoint != "" {
		r.add("run_code", initRunCode(deps.CodeRunner, &http.Client{}))
	} else {
		log.Printf("run_code tool disabled: no code runner endpoint configured")
	}
	if deps.Artifacts != nil {
		r.add("create_chart", initCreateChart(deps.Artifacts))
		r.add("create_csv", initCreateCSV(deps.Artifacts))
	}
	return r
}

func (r *Registry) add(name string, t tool.InvokableTool) {
	r.ordered = append(r.ordered, t)
	r.byName[name] = t
}

// Infos returns the tool declarations passed to the completion engine.
func (r *Registry) Infos(ctx context.Context) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(r.ordered))
	for _, t := range r.ordered {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Len reports how many tools are registered.
func (r *Registry) Len() int { return len(r.ordered) }

// Execute runs one validated tool call. Expected failure modes come back
// as structured results from the executors themselves; anything that
// escapes as an error or panic is an infrastructure failure, converted
// here into a generic tool-error result so the model can attempt
// recovery.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) (result CallResult) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("tool %s panicked: %v", name, rec)
			result = failedResult(name, "tool execution failed unexpectedly")
		}
	}()

	t, ok := r.byName[name]
	if !ok {
		return CallResult{
			Status: StatusRejected,
			Output: errorJSON(fmt.Sprintf("unknown tool %q", name)),
		}
	}
	if argsJSON == "" {
		argsJSON = "{}"
	}
	if !json.Valid([]byte(argsJSON)) {
		return CallResult{
			Status: StatusRejected,
			Output: errorJSON("tool arguments are not valid JSON"),
		}
	}

	out, err := t.InvokableRun(ctx, argsJSON)
	if err != nil {
		log.Printf("tool %s failed: %v", name, err)
		return failedResult(name, "tool execution failed, you may retry with adjusted arguments")
	}
	return CallResult{Status: StatusSucceeded, Output: out}
}

func failedResult(name, msg string) CallResult {
	return CallResult{Status: StatusFailed, Output: errorJSON(msg)}
}

func errorJSON(msg string) string {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"internal"}`
	}
	return string(data)
}
