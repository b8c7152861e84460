package orchestration

import (
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// K8sJobConfig names the image, resource shape, and shared-volume mount for
// one agent type's Job template.
type K8sJobConfig struct {
	Namespace      string
	Image          string
	CPURequest     string
	MemoryRequest  string
	TimeoutSeconds int

	// PVCClaimName is the PersistentVolumeClaim carrying the codebase and
	// .jervis/ staging area, shared between this process and every agent
	// Job it dispatches.
	PVCClaimName string
	// MountPath is where that PVC is mounted inside the agent container.
	// WorkspaceManager.DataRoot must point at the same volume's local
	// mount so staged files and .jervis/result.json are visible on both
	// sides.
	MountPath string
}

// K8sDispatcher creates and tears down Kubernetes Jobs that run one coding
// agent invocation each, stages/cleans up their workspace on the shared
// PVC, and reports their terminal status back to the Agent Pool.
type K8sDispatcher struct {
	Client    kubernetes.Interface
	Pool      *AgentPool
	Jobs      map[AgentType]K8sJobConfig
	Workspace *WorkspaceManager

	// PollInterval bounds how often WatchAndReap checks a Job's status.
	PollInterval time.Duration
}

// NewK8sDispatcher constructs a dispatcher bound to one cluster client and
// workspace manager.
func NewK8sDispatcher(client kubernetes.Interface, pool *AgentPool, jobs map[AgentType]K8sJobConfig, workspace *WorkspaceManager) *K8sDispatcher {
	return &K8sDispatcher{Client: client, Pool: pool, Jobs: jobs, Workspace: workspace, PollInterval: 5 * time.Second}
}

// Dispatch stages the workspace and creates a Kubernetes Job to run task via
// the given agent type, acquiring a pool slot first. The pool slot and Job
// are released by WatchAndReap once the Job reaches a terminal state —
// callers must follow a successful Dispatch with a WatchAndReap call (or
// their own equivalent) or the slot leaks. jobName must be unique within
// the namespace.
func (d *K8sDispatcher) Dispatch(ctx context.Context, jobName string, agentType AgentType, task CodingTask, priority Priority, acquireTimeout int) error {
	cfg, ok := d.Jobs[agentType]
	if !ok {
		return fmt.Errorf("no job template configured for agent type %q", agentType)
	}

	if err := d.Pool.Acquire(agentType, priority, secondsToDuration(acquireTimeout)); err != nil {
		return fmt.Errorf("acquiring agent pool slot for %s: %w", agentType, err)
	}

	if _, err := d.Workspace.Prepare(task, task.Query, agentType); err != nil {
		d.Pool.Release(agentType)
		return fmt.Errorf("staging workspace for job %s: %w", jobName, err)
	}

	job := d.buildJob(jobName, agentType, task, cfg)
	if _, err := d.Client.BatchV1().Jobs(cfg.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		d.Pool.Release(agentType)
		return fmt.Errorf("creating job %s: %w", jobName, err)
	}

	d.Pool.MarkStarted(jobName, agentType, task.ID, task.ID, cfg.TimeoutSeconds)
	return nil
}

// buildJob constructs the Job spec: single pod, no retries (the graph layer
// owns retry/escalation decisions, not Kubernetes), env vars carrying the
// task's workspace path and query, and a mount of the shared PVC so the
// container sees the same .jervis/ staging area Dispatch just wrote.
func (d *K8sDispatcher) buildJob(jobName string, agentType AgentType, task CodingTask, cfg K8sJobConfig) *batchv1.Job {
	backoffLimit := int32(0)
	env := []corev1.EnvVar{
		{Name: "JERVIS_TASK_ID", Value: task.ID},
		{Name: "JERVIS_WORKSPACE_PATH", Value: cfg.MountPath + "/" + task.WorkspacePath},
		{Name: "JERVIS_QUERY", Value: task.Query},
		{Name: "JERVIS_AGENT_TYPE", Value: string(agentType)},
	}
	for k, v := range task.Environment {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: cfg.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/part-of": "jervis",
				"jervis.ai/agent-type":      string(agentType),
				"jervis.ai/task-id":         task.ID,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			ActiveDeadlineSeconds:   int64Ptr(int64(cfg.TimeoutSeconds)),
			TTLSecondsAfterFinished: int32Ptr(3600),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"jervis.ai/task-id": task.ID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  "agent",
							Image: cfg.Image,
							Env:   env,
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    mustQuantity(cfg.CPURequest),
									corev1.ResourceMemory: mustQuantity(cfg.MemoryRequest),
								},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "jervis-data", MountPath: cfg.MountPath},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "jervis-data",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: cfg.PVCClaimName,
								},
							},
						},
					},
				},
			},
		},
	}
}

// Status reports the terminal status of a dispatched Job ("", "Succeeded",
// or "Failed"); empty means still running.
func (d *K8sDispatcher) Status(ctx context.Context, namespace, jobName string) (string, error) {
	job, err := d.Client.BatchV1().Jobs(namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "NotFound", nil
		}
		return "", fmt.Errorf("fetching job %s status: %w", jobName, err)
	}
	switch {
	case job.Status.Succeeded > 0:
		return "Succeeded", nil
	case job.Status.Failed > 0:
		return "Failed", nil
	default:
		return "", nil
	}
}

// Reap releases the agent-pool slot and deletes the Job once it has
// reached a terminal state.
func (d *K8sDispatcher) Reap(ctx context.Context, namespace, jobName string, agentType AgentType) error {
	d.Pool.MarkCompleted(jobName, "reaped")
	d.Pool.Release(agentType)

	policy := metav1.DeletePropagationBackground
	err := d.Client.BatchV1().Jobs(namespace).Delete(ctx, jobName, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting job %s: %w", jobName, err)
	}
	return nil
}

// WatchAndReap polls a dispatched Job until it reaches a terminal state (or
// ctx is cancelled), reads back .jervis/result.json, reaps the Job and its
// pool slot, and cleans the staged workspace metadata. This is the single
// follow-up every successful Dispatch needs — without it the pool slot
// acquired in Dispatch is never released.
func (d *K8sDispatcher) WatchAndReap(ctx context.Context, jobName string, agentType AgentType, task CodingTask) (*AgentResult, error) {
	cfg, ok := d.Jobs[agentType]
	if !ok {
		return nil, fmt.Errorf("no job template configured for agent type %q", agentType)
	}

	interval := d.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	status, err := d.pollUntilTerminal(ctx, cfg.Namespace, jobName, interval)
	if err != nil {
		// The watch itself failed (context cancelled, API error) — still
		// release the slot and delete the Job so it doesn't linger; the
		// result is unknown.
		_ = d.Reap(ctx, cfg.Namespace, jobName, agentType)
		return nil, err
	}

	result := d.Workspace.ReadResult(task, status)
	d.Workspace.Cleanup(task)

	if rerr := d.Reap(ctx, cfg.Namespace, jobName, agentType); rerr != nil {
		return &result, rerr
	}
	return &result, nil
}

func (d *K8sDispatcher) pollUntilTerminal(ctx context.Context, namespace, jobName string, interval time.Duration) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := d.Status(ctx, namespace, jobName)
		if err != nil {
			return "", err
		}
		switch status {
		case "Succeeded", "Failed", "NotFound":
			return status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
