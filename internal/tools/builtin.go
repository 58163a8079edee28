// Package tools provides the builtin transform catalog. Each tool is a pure
// function registered as a static descriptor; anything slow or unsafe runs
// under the queue's deadline harness, never inline.
package tools

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Strob0t/ToolForge/internal/domain"
	"github.com/Strob0t/ToolForge/internal/domain/tool"
)

// RegisterBuiltins adds the builtin catalog to the registry.
func RegisterBuiltins(r *tool.Registry) {
	r.MustRegister(tool.Tool{
		ID:       "base64.encode",
		Title:    "Base64 encode",
		Deadline: tool.DeadlineStandard,
		Inputs:   []tool.InputSpec{{Prompt: "Send the text to encode.", Kind: tool.InputText}},
		Run:      base64Encode,
	})
	r.MustRegister(tool.Tool{
		ID:       "base64.decode",
		Title:    "Base64 decode",
		Deadline: tool.DeadlineStandard,
		Inputs:   []tool.InputSpec{{Prompt: "Send the base64 to decode.", Kind: tool.InputText}},
		Run:      base64Decode,
	})
	r.MustRegister(tool.Tool{
		ID:       "hash.digest",
		Title:    "Hash text",
		Deadline: tool.DeadlineStandard,
		Inputs: []tool.InputSpec{
			{Prompt: "Which algorithm? (md5, sha1, sha256)", Kind: tool.InputText},
			{Prompt: "Send the text to hash.", Kind: tool.InputText},
		},
		Run: hashDigest,
	})
	r.MustRegister(tool.Tool{
		ID:       "hash.file",
		Title:    "Hash a file",
		Deadline: tool.DeadlineHeavy,
		Inputs:   []tool.InputSpec{{Prompt: "Upload the file to hash.", Kind: tool.InputFile}},
		Run:      hashFile,
	})
	r.MustRegister(tool.Tool{
		ID:       "hmac.sha256",
		Title:    "HMAC-SHA256",
		Deadline: tool.DeadlineStandard,
		Inputs: []tool.InputSpec{
			{Prompt: "Send the message.", Kind: tool.InputText},
			{Prompt: "Send the secret key.", Kind: tool.InputText},
		},
		Run: hmacSHA256,
	})
	r.MustRegister(tool.Tool{
		ID:       "json.to-yaml",
		Title:    "JSON → YAML",
		Deadline: tool.DeadlineStandard,
		Inputs:   []tool.InputSpec{{Prompt: "Send the JSON document.", Kind: tool.InputText}},
		Run:      jsonToYAML,
	})
	r.MustRegister(tool.Tool{
		ID:       "yaml.to-json",
		Title:    "YAML → JSON",
		Deadline: tool.DeadlineStandard,
		Inputs:   []tool.InputSpec{{Prompt: "Send the YAML document.", Kind: tool.InputText}},
		Run:      yamlToJSON,
	})
	r.MustRegister(tool.Tool{
		ID:       "uuid.generate",
		Title:    "Generate UUIDs",
		Mode:     tool.ModeReentrant, // independent lookups, no shared flow state
		Deadline: tool.DeadlineQuick,
		Inputs:   []tool.InputSpec{{Prompt: "How many? (1-50)", Kind: tool.InputText}},
		Run:      uuidGenerate,
	})
	r.MustRegister(tool.Tool{
		ID:       "text.stats",
		Title:    "Text statistics",
		Mode:     tool.ModeReentrant,
		Deadline: tool.DeadlineQuick,
		Inputs:   []tool.InputSpec{{Prompt: "Send the text to analyze.", Kind: tool.InputText}},
		Run:      textStats,
	})
}

func base64Encode(_ context.Context, inv tool.Invocation) (tool.Result, error) {
	out := base64.StdEncoding.EncodeToString(inv.Inputs[0])
	return tool.Result{Payload: []byte(out)}, nil
}

func base64Decode(_ context.Context, inv tool.Invocation) (tool.Result, error) {
	out, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(inv.Inputs[0])))
	if err != nil {
		return tool.Result{}, &domain.ToolError{
			ToolID: "base64.decode", Msg: "that is not valid base64", Err: err,
		}
	}
	return tool.Result{Payload: out}, nil
}

func hashDigest(_ context.Context, inv tool.Invocation) (tool.Result, error) {
	algo := strings.ToLower(strings.TrimSpace(string(inv.Inputs[0])))
	sum, err := digest(algo, inv.Inputs[1])
	if err != nil {
		return tool.Result{}, err
	}
	return tool.Result{Payload: []byte(fmt.Sprintf("%s: %s", algo, sum))}, nil
}

func hashFile(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
	if len(inv.InputRefs) == 0 {
		return tool.Result{}, &domain.ToolError{ToolID: "hash.file", Msg: "no file uploaded"}
	}
	if err := ctx.Err(); err != nil {
		return tool.Result{}, err
	}
	data, err := inv.Workspace.ReadFile(inv.InputRefs[0])
	if err != nil {
		return tool.Result{}, err // StorageError: queue retries briefly
	}
	sum, _ := digest("sha256", data)
	return tool.Result{Payload: []byte("sha256: " + sum)}, nil
}

func digest(algo string, data []byte) (string, error) {
	switch algo {
	case "md5":
		sum := md5.Sum(data)
		return hex.EncodeToString(sum[:]), nil
	case "sha1":
		sum := sha1.Sum(data)
		return hex.EncodeToString(sum[:]), nil
	case "sha256":
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", domain.Validationf("unknown algorithm %q, use md5, sha1, or sha256", algo)
	}
}

func hmacSHA256(_ context.Context, inv tool.Invocation) (tool.Result, error) {
	mac := hmac.New(sha256.New, inv.Inputs[1])
	mac.Write(inv.Inputs[0])
	return tool.Result{Payload: []byte(hex.EncodeToString(mac.Sum(nil)))}, nil
}

func jsonToYAML(_ context.Context, inv tool.Invocation) (tool.Result, error) {
	var doc any
	if err := json.Unmarshal(inv.Inputs[0], &doc); err != nil {
		return tool.Result{}, &domain.ToolError{
			ToolID: "json.to-yaml", Msg: "that is not valid JSON", Err: err,
		}
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return tool.Result{}, &domain.ToolError{
			ToolID: "json.to-yaml", Msg: "document cannot be represented as YAML", Err: err,
		}
	}
	return tool.Result{Payload: out}, nil
}

func yamlToJSON(_ context.Context, inv tool.Invocation) (tool.Result, error) {
	var doc any
	if err := yaml.Unmarshal(inv.Inputs[0], &doc); err != nil {
		return tool.Result{}, &domain.ToolError{
			ToolID: "yaml.to-json", Msg: "that is not valid YAML", Err: err,
		}
	}
	out, err := json.MarshalIndent(normalizeYAML(doc), "", "  ")
	if err != nil {
		return tool.Result{}, &domain.ToolError{
			ToolID: "yaml.to-json", Msg: "document cannot be represented as JSON", Err: err,
		}
	}
	return tool.Result{Payload: out}, nil
}

// normalizeYAML converts map[any]any trees (yaml.v3 only produces them for
// non-string keys) into JSON-marshalable map[string]any.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return m
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeYAML(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return val
	}
}

func uuidGenerate(_ context.Context, inv tool.Invocation) (tool.Result, error) {
	n, err := strconv.Atoi(strings.TrimSpace(string(inv.Inputs[0])))
	if err != nil || n < 1 || n > 50 {
		return tool.Result{}, domain.Validationf("send a count between 1 and 50")
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteString(uuid.NewString())
		sb.WriteByte('\n')
	}
	return tool.Result{Payload: []byte(sb.String())}, nil
}

func textStats(_ context.Context, inv tool.Invocation) (tool.Result, error) {
	text := string(inv.Inputs[0])
	lines := strings.Count(text, "\n") + 1
	words := len(strings.Fields(text))
	out := fmt.Sprintf("chars: %d\nrunes: %d\nwords: %d\nlines: %d",
		len(text), utf8.RuneCountInString(text), words, lines)
	return tool.Result{Payload: []byte(out)}, nil
}
