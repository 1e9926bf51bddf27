package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"finchatgo/internal/config"
)

const defaultRunnerTimeout = 60 * time.Second

type runCodeParams struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// runnerResponse is the sandbox collaborator's contract: stdout plus an
// exit code. A non-zero exit code or sandbox-level error is an expected
// outcome the model reads and corrects, not an infrastructure failure.
type runnerResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

func initRunCode(cfg config.CollaboratorConfig, client *http.Client) tool.InvokableTool {
	timeout := defaultRunnerTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	client.Timeout = timeout

	info := &schema.ToolInfo{
		Name: "run_code",
		Desc: "Execute code in a sandbox and return stdout and the exit code. " +
			"Use for calculations and data transformations. Compile and runtime " +
			"errors come back in the result; fix the code and retry.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"language": {
				Desc:     "Language to run, e.g. python",
				Type:     schema.String,
				Required: true,
			},
			"code": {
				Desc:     "Source code to execute",
				Type:     schema.String,
				Required: true,
			},
		}),
	}

	return utils.NewTool(info, func(ctx context.Context, params *runCodeParams) (string, error) {
		if params == nil || strings.TrimSpace(params.Code) == "" {
			return errorJSON("code is required"), nil
		}
		body, err := json.Marshal(map[string]string{
			"language": params.Language,
			"code":     params.Code,
		})
		if err != nil {
			return "", fmt.Errorf("marshal runner request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("code runner unreachable: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", err
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("code runner: %s", resp.Status)
		}
		var out runnerResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("decode runner response: %w", err)
		}
		result, err := json.Marshal(out)
		if err != nil {
			return "", err
		}
		return string(result), nil
	})
}
