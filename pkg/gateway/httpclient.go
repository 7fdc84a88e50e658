package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyvo/modulebuild/pkg/build"
)

// HTTPGateway talks to the build backend's REST proxy. It implements
// Gateway; the pipeline only ever sees the interface.
type HTTPGateway struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPGateway creates a gateway client with sane defaults.
func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type submitRequest struct {
	Artifact string `json:"artifact"`
	Source   string `json:"source"`
}

func (g *HTTPGateway) Submit(ctx context.Context, artifact, source string) (TaskStatus, error) {
	var out TaskStatus
	err := g.post(ctx, "/v1/tasks", submitRequest{Artifact: artifact, Source: source}, &out)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("submit %s: %w", artifact, err)
	}
	return out, nil
}

func (g *HTTPGateway) Cancel(ctx context.Context, taskID int64) error {
	err := g.post(ctx, fmt.Sprintf("/v1/tasks/%d/cancel", taskID), nil, nil)
	if err != nil {
		return fmt.Errorf("cancel task %d: %w", taskID, err)
	}
	return nil
}

type finalizeRequest struct {
	Succeeded bool `json:"succeeded"`
}

func (g *HTTPGateway) Finalize(ctx context.Context, tag string, succeeded bool) error {
	err := g.post(ctx, "/v1/tags/"+url.PathEscape(tag)+"/finalize", finalizeRequest{Succeeded: succeeded}, nil)
	if err != nil {
		return fmt.Errorf("finalize tag %s: %w", tag, err)
	}
	return nil
}

type buildrootRequest struct {
	Dependencies map[string][]string `json:"dependencies"`
}

func (g *HTTPGateway) BuildrootAddDependencies(ctx context.Context, tag string, deps map[string][]string) error {
	err := g.post(ctx, "/v1/tags/"+url.PathEscape(tag)+"/buildroot", buildrootRequest{Dependencies: deps}, nil)
	if err != nil {
		return fmt.Errorf("add buildroot dependencies to %s: %w", tag, err)
	}
	return nil
}

func (g *HTTPGateway) TaskStatus(ctx context.Context, taskID int64) (TaskStatus, error) {
	var out TaskStatus
	err := g.get(ctx, fmt.Sprintf("/v1/tasks/%d", taskID), &out)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("task status %d: %w", taskID, err)
	}
	return out, nil
}

type repoRegenResponse struct {
	TaskID int64 `json:"task_id"`
}

func (g *HTTPGateway) RequestRepoRegeneration(ctx context.Context, tag string) (int64, error) {
	var out repoRegenResponse
	err := g.post(ctx, "/v1/tags/"+url.PathEscape(tag)+"/repo-regen", nil, &out)
	if err != nil {
		return 0, fmt.Errorf("request repo regeneration for %s: %w", tag, err)
	}
	return out.TaskID, nil
}

type untagRequest struct {
	NVRs []string `json:"nvrs"`
}

func (g *HTTPGateway) UntagArtifacts(ctx context.Context, tag string, nvrs []string) error {
	if len(nvrs) == 0 {
		return nil
	}
	err := g.post(ctx, "/v1/tags/"+url.PathEscape(tag)+"/untag", untagRequest{NVRs: nvrs}, nil)
	if err != nil {
		return fmt.Errorf("untag from %s: %w", tag, err)
	}
	return nil
}

type orphanResponse struct {
	Found bool       `json:"found"`
	Task  TaskStatus `json:"task"`
}

func (g *HTTPGateway) RecoverOrphanedArtifact(ctx context.Context, tag, artifact string) (TaskStatus, bool, error) {
	var out orphanResponse
	path := "/v1/tags/" + url.PathEscape(tag) + "/orphans?artifact=" + url.QueryEscape(artifact)
	err := g.get(ctx, path, &out)
	if err != nil {
		return TaskStatus{}, false, fmt.Errorf("recover orphaned artifact %s: %w", artifact, err)
	}
	return out.Task, out.Found, nil
}

type taggedResponse struct {
	NVRs []string `json:"nvrs"`
}

func (g *HTTPGateway) ListTagged(ctx context.Context, tag string) ([]string, error) {
	var out taggedResponse
	err := g.get(ctx, "/v1/tags/"+url.PathEscape(tag)+"/builds", &out)
	if err != nil {
		return nil, fmt.Errorf("list tagged builds of %s: %w", tag, err)
	}
	return out.NVRs, nil
}

func (g *HTTPGateway) DeleteBuildTarget(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.baseURL+"/v1/targets/"+url.PathEscape(name), nil)
	if err != nil {
		return fmt.Errorf("create delete target request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete target %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete target %s failed: %s", name, readError(resp))
	}
	return nil
}

type resolveRequest struct {
	Name    string `json:"name"`
	Stream  string `json:"stream"`
	Version string `json:"version"`
	Context string `json:"context"`
	Strict  bool   `json:"strict"`
}

type resolveResponse struct {
	Dependencies map[string][]string `json:"dependencies"`
}

// Resolve implements Resolver against the backend's resolution endpoint.
// A 422 means the declared dependencies cannot be satisfied.
func (g *HTTPGateway) Resolve(ctx context.Context, name, stream, version, moduleContext string, strict bool) (map[string][]string, error) {
	payload := resolveRequest{Name: name, Stream: stream, Version: version, Context: moduleContext, Strict: strict}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal resolve request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/resolve", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create resolve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvable, readError(resp))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolver returned %d: %s", resp.StatusCode, readError(resp))
	}
	var out resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode resolve response: %w", err)
	}
	return out.Dependencies, nil
}

type gatingResponse struct {
	Passed bool `json:"passed"`
}

// Check implements Gating against the backend's gating endpoint.
func (g *HTTPGateway) Check(ctx context.Context, mb *build.ModuleBuild) (bool, error) {
	var out gatingResponse
	err := g.get(ctx, "/v1/gating/"+url.PathEscape(mb.NSVC()), &out)
	if err != nil {
		return false, fmt.Errorf("gating check for %s: %w", mb.NSVC(), err)
	}
	return out.Passed, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, readError(resp))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (g *HTTPGateway) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, readError(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readError(resp *http.Response) string {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return strings.TrimSpace(string(payload))
}
