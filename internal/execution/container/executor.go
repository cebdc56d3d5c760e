package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/common/config"
	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/model"
)

const (
	labelOwner     = "owner"
	labelOwnerSelf = "manager"
	labelTaskID    = "task_id"
	labelSubtaskID = "subtask_id"
	labelUser      = "user"
	labelTaskType  = "aigc.weibo.com/task-type"
	labelTeamMode  = "aigc.weibo.com/team-mode"

	executorPort       = "8080/tcp"
	executorVolumeName = "execplane-executor-bin"
	executorEntrypoint = "/app/executor"
	dockerSocketSource = "/var/run/docker.sock"
	dockerSocketTarget = "/var/run/docker.sock"
)

// dockerBackend is the subset of the Docker client the ContainerExecutor
// needs, narrowed so it can be driven by a fake in tests instead of a live
// daemon.
type dockerBackend interface {
	CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	GetContainerInfo(ctx context.Context, containerID string) (*ContainerInfo, error)
	GetContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
}

// Executor is the ContainerExecutor: it starts, reuses, cancels, and tears
// down the short-lived worker containers that carry out http_callback-mode
// ExecutionRequests.
type Executor struct {
	docker       dockerBackend
	cfg          config.DockerConfig
	transport    config.TransportConfig
	http         *http.Client
	log          *logger.Logger
	startupGrace time.Duration
}

var _ dockerBackend = (*Client)(nil)

// New builds a ContainerExecutor bound to a Docker client.
func New(docker *Client, cfg config.DockerConfig, transport config.TransportConfig, log *logger.Logger) *Executor {
	timeout := time.Duration(transport.CallbackTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		docker:       docker,
		cfg:          cfg,
		transport:    transport,
		http:         &http.Client{Timeout: timeout},
		log:          log.WithFields(zap.String("component", "container-executor")),
		startupGrace: 2 * time.Second,
	}
}

// RunningCount implements queue.RunningCounter: the number of worker
// containers this executor currently owns.
func (e *Executor) RunningCount(ctx context.Context) (int, error) {
	return e.GetExecutorCount(ctx, map[string]string{labelOwner: labelOwnerSelf})
}

// GetExecutorCount counts containers matching the given label selector,
// defaulting to every container this executor owns.
func (e *Executor) GetExecutorCount(ctx context.Context, labelSelector map[string]string) (int, error) {
	if labelSelector == nil {
		labelSelector = map[string]string{labelOwner: labelOwnerSelf}
	}
	containers, err := e.docker.ListContainers(ctx, labelSelector)
	if err != nil {
		return 0, fmt.Errorf("container executor: list for count: %w", err)
	}
	running := 0
	for _, c := range containers {
		if c.State == "running" {
			running++
		}
	}
	return running, nil
}

// GetCurrentTaskIDs returns the task_id label of every container this
// executor owns.
func (e *Executor) GetCurrentTaskIDs(ctx context.Context) ([]string, error) {
	containers, err := e.docker.ListContainers(ctx, map[string]string{labelOwner: labelOwnerSelf})
	if err != nil {
		return nil, fmt.Errorf("container executor: list for task ids: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		if id := c.Labels[labelTaskID]; id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// SubmitExecutor runs (or reuses) the worker container for req and POSTs
// the execution request to its /api/tasks/execute endpoint.
func (e *Executor) SubmitExecutor(ctx context.Context, req *model.ExecutionRequest) (executorName string, err error) {
	if req.ExecutorName != "" {
		port, err := e.findExecutorPort(ctx, req.ExecutorName)
		if err != nil {
			return "", err
		}
		return req.ExecutorName, e.postExecute(ctx, port, req)
	}

	name := deterministicExecutorName(req)
	port, err := e.allocatePort(ctx)
	if err != nil {
		return "", fmt.Errorf("container executor: allocate port: %w", err)
	}

	baseImage := ""
	if len(req.Bot) > 0 {
		baseImage = req.Bot[0].BaseImage
	}

	containerID, err := e.runContainer(ctx, name, port, baseImage, req)
	if err != nil {
		return "", err
	}

	if err := e.verifyStarted(ctx, containerID, name); err != nil {
		return "", err
	}

	return name, e.postExecute(ctx, port, req)
}

func deterministicExecutorName(req *model.ExecutionRequest) string {
	return fmt.Sprintf("task-%s-%s-%s", req.User.ID, req.TaskID, req.SubtaskID)
}

func (e *Executor) runContainer(ctx context.Context, name string, port int, baseImage string, req *model.ExecutionRequest) (string, error) {
	image := "execplane/executor:latest"

	var cmd []string
	var entrypoint []string
	mounts := []MountConfig{
		{Source: dockerSocketSource, Target: dockerSocketTarget},
	}
	if e.cfg.VolumeBasePath != "" {
		mounts = append(mounts, MountConfig{
			Source: e.cfg.VolumeBasePath,
			Target: "/workspace",
		})
	}

	if baseImage != "" {
		// Init-container pattern: run the caller's base image, with the
		// executor binary supplied from a named volume and the entrypoint
		// overridden so the executor (not the image's own process) starts.
		image = baseImage
		entrypoint = []string{executorEntrypoint}
		mounts = append(mounts, MountConfig{Source: executorVolumeName, Target: "/app", Volume: true, ReadOnly: true})
	}

	ports := map[string]string{}
	networkMode := e.cfg.DefaultNetwork
	if networkMode == "" {
		networkMode = "bridge"
	}
	if e.cfg.NetworkHostMode {
		networkMode = "host"
	} else {
		ports[executorPort] = fmt.Sprintf("%d", port)
	}

	containerID, err := e.docker.CreateContainer(ctx, ContainerConfig{
		Name:        name,
		Image:       image,
		Cmd:         cmd,
		Entrypoint:  entrypoint,
		Env:         e.buildEnv(port, name, req),
		Mounts:      mounts,
		NetworkMode: networkMode,
		Ports:       ports,
		Labels:      e.buildLabels(req),
		AutoRemove:  false,
	})
	if err != nil {
		return "", fmt.Errorf("container executor: create container: %w", err)
	}

	if err := e.docker.StartContainer(ctx, containerID); err != nil {
		return "", fmt.Errorf("container executor: start container: %w", err)
	}

	return containerID, nil
}

func (e *Executor) buildEnv(port int, executorName string, req *model.ExecutionRequest) []string {
	taskInfo, err := json.Marshal(req)
	if err != nil {
		taskInfo = []byte("{}")
	}
	env := []string{
		fmt.Sprintf("TASK_INFO=%s", taskInfo),
		fmt.Sprintf("EXECUTOR_NAME=%s", executorName),
		fmt.Sprintf("PORT=%d", port),
		fmt.Sprintf("CALLBACK_URL=%s/internal/callback", e.transport.CallbackBaseURL),
		fmt.Sprintf("TASK_API_DOMAIN=%s", e.transport.CallbackBaseURL),
	}
	if req.TraceContext != nil {
		env = append(env,
			fmt.Sprintf("TRACE_ID=%s", req.TraceContext.TraceID),
			fmt.Sprintf("SPAN_ID=%s", req.TraceContext.SpanID),
		)
	}
	return env
}

func (e *Executor) buildLabels(req *model.ExecutionRequest) map[string]string {
	labels := map[string]string{
		labelOwner:     labelOwnerSelf,
		labelTaskID:    req.TaskID,
		labelSubtaskID: req.SubtaskID,
		labelUser:      req.User.ID,
		labelTaskType:  req.ShellType(),
	}
	if req.TeamID != "" {
		labels[labelTeamMode] = req.TeamNamespace
	}
	return labels
}

// verifyStarted waits briefly then checks the container didn't exit
// immediately; on a fast exit it reads recent logs and synthesizes a
// readable cause before returning an error.
func (e *Executor) verifyStarted(ctx context.Context, containerID, name string) error {
	select {
	case <-time.After(e.startupGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	info, err := e.docker.GetContainerInfo(ctx, containerID)
	if err != nil {
		return fmt.Errorf("container executor: inspect %s after start: %w", name, err)
	}
	if info.State == "running" {
		return nil
	}

	logs, logErr := e.docker.GetContainerLogs(ctx, containerID, false, "50")
	var tail string
	if logErr == nil {
		defer logs.Close()
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(logs)
		tail = buf.String()
	}

	return fmt.Errorf("container executor: %s exited immediately (state=%s): %s", name, info.State, diagnoseStartupFailure(tail))
}

// diagnoseStartupFailure pattern-matches common container startup log
// signatures into a short human-readable cause.
func diagnoseStartupFailure(tail string) string {
	switch {
	case strings.Contains(tail, "no such file or directory") && strings.Contains(tail, "exec"):
		return "executor binary incompatible with base image (likely glibc/musl mismatch): " + truncateTail(tail)
	case strings.Contains(tail, "OCI runtime create failed"):
		return "OCI runtime failed to create the container: " + truncateTail(tail)
	case strings.Contains(tail, "permission denied"):
		return "executor binary is not executable in this image: " + truncateTail(tail)
	case tail == "":
		return "no logs were produced before exit"
	default:
		return truncateTail(tail)
	}
}

func truncateTail(tail string) string {
	const maxLen = 500
	if len(tail) > maxLen {
		return tail[len(tail)-maxLen:]
	}
	return tail
}

// allocatePort scans containers this executor owns for ports already in
// use and returns the first free port in the configured range.
func (e *Executor) allocatePort(ctx context.Context) (int, error) {
	start, end := e.cfg.PortRangeStart, e.cfg.PortRangeEnd
	if start <= 0 || end < start {
		start, end = 20000, 40000
	}

	containers, err := e.docker.ListContainers(ctx, map[string]string{labelOwner: labelOwnerSelf})
	if err != nil {
		return 0, fmt.Errorf("list containers for port scan: %w", err)
	}
	used := make(map[int]struct{}, len(containers))
	for _, c := range containers {
		for _, hostPort := range c.HostPorts {
			used[hostPort] = struct{}{}
		}
	}

	for port := start; port <= end; port++ {
		if _, taken := used[port]; !taken {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func (e *Executor) findExecutorPort(ctx context.Context, executorName string) (int, error) {
	containers, err := e.docker.ListContainers(ctx, map[string]string{})
	if err != nil {
		return 0, fmt.Errorf("container executor: list for reuse: %w", err)
	}
	for _, c := range containers {
		if c.Name == executorName {
			if port, ok := c.HostPorts[executorPort]; ok {
				return port, nil
			}
			return 0, fmt.Errorf("container executor: %s has no published port", executorName)
		}
	}
	return 0, fmt.Errorf("container executor: no running container named %s", executorName)
}

func (e *Executor) postExecute(ctx context.Context, port int, req *model.ExecutionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("container executor: marshal execution request: %w", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/api/tasks/execute", port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("container executor: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("container executor: submit to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("container executor: %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// CancelTask locates the owning container by its task_id label and asks
// it to cancel in place.
func (e *Executor) CancelTask(ctx context.Context, taskID string) error {
	containers, err := e.docker.ListContainers(ctx, map[string]string{labelTaskID: taskID})
	if err != nil {
		return fmt.Errorf("container executor: list for cancel: %w", err)
	}
	if len(containers) == 0 {
		return fmt.Errorf("container executor: no container found for task %s", taskID)
	}

	port, ok := containers[0].HostPorts[executorPort]
	if !ok {
		return fmt.Errorf("container executor: container for task %s has no published port", taskID)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/api/tasks/cancel?task_id=%s", port, taskID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("container executor: build cancel request: %w", err)
	}

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("container executor: cancel %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("container executor: cancel %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// DeleteExecutor removes a container by name after confirming it is
// actually one this executor owns.
func (e *Executor) DeleteExecutor(ctx context.Context, name string) error {
	containers, err := e.docker.ListContainers(ctx, map[string]string{})
	if err != nil {
		return fmt.Errorf("container executor: list for delete: %w", err)
	}
	for _, c := range containers {
		if c.Name != name {
			continue
		}
		if c.Labels[labelOwner] != labelOwnerSelf {
			return fmt.Errorf("container executor: refusing to delete %s: not owned by this executor", name)
		}
		return e.docker.RemoveContainer(ctx, c.ID, true)
	}
	return fmt.Errorf("container executor: no container named %s", name)
}
