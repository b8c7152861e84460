package orchestration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func testDispatcher(t *testing.T) (*K8sDispatcher, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proj"), 0o755))

	pool := NewAgentPool(map[AgentType]int{AgentAider: 1}, 1.5)
	jobs := map[AgentType]K8sJobConfig{
		AgentAider: {
			Namespace:     "jervis-agents",
			Image:         "jervis-agent-aider:latest",
			CPURequest:    "1",
			MemoryRequest: "1Gi",
			PVCClaimName:  "jervis-data-pvc",
			MountPath:     "/opt/jervis/data",
		},
	}
	dispatcher := NewK8sDispatcher(fake.NewSimpleClientset(), pool, jobs, NewWorkspaceManager(root))
	dispatcher.PollInterval = 10 * time.Millisecond
	return dispatcher, root
}

func TestK8sDispatcher_Dispatch_StagesWorkspaceAndMountsPVC(t *testing.T) {
	dispatcher, _ := testDispatcher(t)
	task := CodingTask{ID: "t1", WorkspacePath: "proj", Query: "fix the thing"}

	err := dispatcher.Dispatch(context.Background(), "job-t1", AgentAider, task, PriorityBackground, 5)
	require.NoError(t, err)

	job, err := dispatcher.Client.BatchV1().Jobs("jervis-agents").Get(context.Background(), "job-t1", metav1.GetOptions{})
	require.NoError(t, err)

	volumes := job.Spec.Template.Spec.Volumes
	require.Len(t, volumes, 1)
	assert.Equal(t, "jervis-data-pvc", volumes[0].PersistentVolumeClaim.ClaimName)

	mounts := job.Spec.Template.Spec.Containers[0].VolumeMounts
	require.Len(t, mounts, 1)
	assert.Equal(t, "/opt/jervis/data", mounts[0].MountPath)

	assert.Equal(t, 1, dispatcher.Pool.InUse(AgentAider))
}

func TestK8sDispatcher_Dispatch_ReleasesSlotWhenWorkspaceMissing(t *testing.T) {
	dispatcher, _ := testDispatcher(t)
	task := CodingTask{ID: "t2", WorkspacePath: "does-not-exist", Query: "q"}

	err := dispatcher.Dispatch(context.Background(), "job-t2", AgentAider, task, PriorityBackground, 5)
	require.Error(t, err)
	assert.Equal(t, 0, dispatcher.Pool.InUse(AgentAider))
}

func TestK8sDispatcher_WatchAndReap_ReadsResultAndReleasesSlot(t *testing.T) {
	dispatcher, root := testDispatcher(t)
	task := CodingTask{ID: "t3", WorkspacePath: "proj", Query: "q"}

	require.NoError(t, dispatcher.Dispatch(context.Background(), "job-t3", AgentAider, task, PriorityBackground, 5))
	require.Equal(t, 1, dispatcher.Pool.InUse(AgentAider))

	// Simulate the agent writing its result before the job is marked done.
	resultPath := filepath.Join(root, "proj", ".jervis", "result.json")
	require.NoError(t, os.WriteFile(resultPath, []byte(`{"taskId":"t3","success":true,"summary":"ok","branch":"jervis/t3"}`), 0o644))

	job, err := dispatcher.Client.BatchV1().Jobs("jervis-agents").Get(context.Background(), "job-t3", metav1.GetOptions{})
	require.NoError(t, err)
	job.Status.Succeeded = 1
	_, err = dispatcher.Client.BatchV1().Jobs("jervis-agents").UpdateStatus(context.Background(), job, metav1.UpdateOptions{})
	require.NoError(t, err)

	result, err := dispatcher.WatchAndReap(context.Background(), "job-t3", AgentAider, task)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "jervis/t3", result.Branch)

	assert.Equal(t, 0, dispatcher.Pool.InUse(AgentAider))

	_, err = os.Stat(filepath.Join(root, "proj", ".jervis"))
	assert.True(t, os.IsNotExist(err))

	_, err = dispatcher.Client.BatchV1().Jobs("jervis-agents").Get(context.Background(), "job-t3", metav1.GetOptions{})
	assert.Error(t, err)
}

func TestK8sDispatcher_WatchAndReap_FallsBackWhenResultMissing(t *testing.T) {
	dispatcher, _ := testDispatcher(t)
	task := CodingTask{ID: "t4", WorkspacePath: "proj", Query: "q"}

	require.NoError(t, dispatcher.Dispatch(context.Background(), "job-t4", AgentAider, task, PriorityBackground, 5))

	job, err := dispatcher.Client.BatchV1().Jobs("jervis-agents").Get(context.Background(), "job-t4", metav1.GetOptions{})
	require.NoError(t, err)
	job.Status.Failed = 1
	_, err = dispatcher.Client.BatchV1().Jobs("jervis-agents").UpdateStatus(context.Background(), job, metav1.UpdateOptions{})
	require.NoError(t, err)

	result, err := dispatcher.WatchAndReap(context.Background(), "job-t4", AgentAider, task)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Summary, "Failed")
}

func TestK8sDispatcher_Status_ReportsNotFound(t *testing.T) {
	dispatcher, _ := testDispatcher(t)
	status, err := dispatcher.Status(context.Background(), "jervis-agents", "no-such-job")
	require.NoError(t, err)
	assert.Equal(t, "NotFound", status)
}

func TestK8sDispatcher_Reap_DeletesJobAndReleasesSlot(t *testing.T) {
	dispatcher, _ := testDispatcher(t)
	task := CodingTask{ID: "t5", WorkspacePath: "proj", Query: "q"}
	require.NoError(t, dispatcher.Dispatch(context.Background(), "job-t5", AgentAider, task, PriorityBackground, 5))

	require.NoError(t, dispatcher.Reap(context.Background(), "jervis-agents", "job-t5", AgentAider))
	assert.Equal(t, 0, dispatcher.Pool.InUse(AgentAider))

	_, err := dispatcher.Client.BatchV1().Jobs("jervis-agents").Get(context.Background(), "job-t5", metav1.GetOptions{})
	assert.Error(t, err)
}
