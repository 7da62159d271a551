package training

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/tsawler/go-seg/checkpoints"
	"github.com/tsawler/go-seg/datasets"
	"github.com/tsawler/go-seg/models"
	"github.com/tsawler/go-seg/tracker"
)

type orchestratorParts struct {
	orch    *Orchestrator
	model   models.Model
	manager *checkpoints.Manager
}

// newTestOrchestrator builds an orchestrator over synthetic data with 20
// batches per training epoch unless trainSize says otherwise.
func newTestOrchestrator(t *testing.T, cfg Config, dir string, trainSize int, track *tracker.Client) orchestratorParts {
	t.Helper()
	models.Seed(7)
	model, err := models.NewPixelLinear(3, 16)
	if err != nil {
		t.Fatalf("failed to create model: %v", err)
	}

	trainSet := datasets.NewSyntheticDataset(trainSize, 2, 2, 3, 31)
	valSet := datasets.NewSyntheticDataset(4, 2, 2, 3, 32)
	trainLoader, err := NewLoader(trainSet, LoaderConfig{BatchSize: 2, Shuffle: true, DropLast: true, Seed: 1})
	if err != nil {
		t.Fatalf("failed to create train loader: %v", err)
	}
	valLoader, err := NewLoader(valSet, LoaderConfig{BatchSize: 2})
	if err != nil {
		t.Fatalf("failed to create val loader: %v", err)
	}

	optimizer := NewSGDOptimizer(model.Parameters(), 0.01, 0.9, 1e-4)
	scheduler := NewPolyLRScheduler(0.01, cfg.TotalIters, 0.9)
	loss, err := NewLoss("cross_entropy")
	if err != nil {
		t.Fatalf("failed to create loss: %v", err)
	}

	manager := checkpoints.NewManager(dir, model.Name(), "voc", 16, nil)
	runner := NewValidationRunner(3, nil)

	orch := NewOrchestrator(cfg, model, optimizer, scheduler, loss,
		trainLoader, valLoader, manager, runner, track, nil)
	return orchestratorParts{orch: orch, model: model, manager: manager}
}

func TestRunStopsAtIterationBudget(t *testing.T) {
	dir := t.TempDir()
	parts := newTestOrchestrator(t, Config{
		TotalIters:    20,
		PrintInterval: 10,
		ValInterval:   5,
	}, dir, 40, tracker.Disabled())

	if err := parts.orch.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	state := parts.orch.State()
	if state.Iteration != 20 {
		t.Errorf("expected 20 iterations, got %d", state.Iteration)
	}
	if state.Epoch != 1 {
		t.Errorf("expected 1 epoch, got %d", state.Epoch)
	}

	saved, err := checkpoints.NewSaver().Load(parts.manager.LatestPath())
	if err != nil {
		t.Fatalf("latest checkpoint missing: %v", err)
	}
	if saved.Iteration != 20 {
		t.Errorf("latest checkpoint records iteration %d, expected 20", saved.Iteration)
	}
}

func TestRunStopsAtEpochBudget(t *testing.T) {
	dir := t.TempDir()
	parts := newTestOrchestrator(t, Config{
		TotalIters:    1000,
		EpochBudget:   2,
		PrintInterval: 10,
		ValInterval:   1000,
	}, dir, 40, tracker.Disabled())

	if err := parts.orch.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	state := parts.orch.State()
	if state.Epoch != 2 {
		t.Errorf("expected 2 epochs, got %d", state.Epoch)
	}
	if state.Iteration != 40 {
		t.Errorf("expected 40 iterations across 2 epochs, got %d", state.Iteration)
	}
}

// scalarRecorder is a fake tracking sidecar that records logged steps.
type scalarRecorder struct {
	mux  *http.ServeMux
	logs []map[string]interface{}
}

func newScalarRecorder() *scalarRecorder {
	r := &scalarRecorder{mux: http.NewServeMux()}
	ok := func(w http.ResponseWriter, extra string) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true` + extra + `}`))
	}
	r.mux.HandleFunc("/api/login", func(w http.ResponseWriter, req *http.Request) { ok(w, "") })
	r.mux.HandleFunc("/api/runs", func(w http.ResponseWriter, req *http.Request) { ok(w, `,"run_id":"r1"`) })
	r.mux.HandleFunc("/api/runs/r1/log", func(w http.ResponseWriter, req *http.Request) {
		var payload map[string]interface{}
		if err := json.NewDecoder(req.Body).Decode(&payload); err == nil {
			r.logs = append(r.logs, payload)
		}
		ok(w, "")
	})
	r.mux.HandleFunc("/api/runs/r1/tables", func(w http.ResponseWriter, req *http.Request) { ok(w, "") })
	r.mux.HandleFunc("/api/runs/r1/finish", func(w http.ResponseWriter, req *http.Request) { ok(w, "") })
	return r
}

// validationSteps extracts the iteration numbers at which validation metrics
// were logged.
func (r *scalarRecorder) validationSteps() []int {
	var steps []int
	for _, payload := range r.logs {
		metrics, _ := payload["metrics"].(map[string]interface{})
		if _, isVal := metrics["val_mean_iou"]; isVal {
			steps = append(steps, int(payload["step"].(float64)))
		}
	}
	return steps
}

func trackerForServer(t *testing.T, url string) *tracker.Client {
	t.Helper()
	cfg := tracker.DefaultConfig()
	cfg.BaseURL = url
	client := tracker.NewClient(cfg)
	if err := client.Login("test-token"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := client.InitRun("proj", "team", "run", nil); err != nil {
		t.Fatalf("init run failed: %v", err)
	}
	return client
}

func TestValidationCadence(t *testing.T) {
	tests := []struct {
		name        string
		trainSize   int // batches per epoch = trainSize / 2
		totalIters  int
		valInterval int
		wantSteps   []int
	}{
		// interval divides the epoch: validate every 5 iterations
		{"within epoch", 40, 20, 5, []int{5, 10, 15, 20}},
		// epoch shorter than the interval: the position wraps at the epoch
		// boundary, so every boundary validates
		{"short epoch wraps", 6, 6, 5, []int{3, 6}},
		// interval 0 defaults to once per training pass
		{"default once per pass", 12, 12, 0, []int{6, 12}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := newScalarRecorder()
			server := httptest.NewServer(recorder.mux)
			defer server.Close()

			client := trackerForServer(t, server.URL)
			parts := newTestOrchestrator(t, Config{
				TotalIters:    tt.totalIters,
				PrintInterval: 1000,
				ValInterval:   tt.valInterval,
			}, t.TempDir(), tt.trainSize, client)

			if err := parts.orch.Run(); err != nil {
				t.Fatalf("run failed: %v", err)
			}

			steps := recorder.validationSteps()
			if len(steps) != len(tt.wantSteps) {
				t.Fatalf("expected validations at %v, got %v", tt.wantSteps, steps)
			}
			for i, want := range tt.wantSteps {
				if steps[i] != want {
					t.Errorf("validation %d at iteration %d, expected %d", i, steps[i], want)
				}
			}
		})
	}
}

// An eval-only pass must leave both checkpoint slots and the best score
// alone, no matter what it scores.
func TestEvaluateLeavesCheckpointsUntouched(t *testing.T) {
	dir := t.TempDir()
	parts := newTestOrchestrator(t, Config{
		TotalIters:    10,
		PrintInterval: 10,
		ValInterval:   5,
	}, dir, 40, tracker.Disabled())

	if _, err := parts.orch.Evaluate(); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if _, err := os.Stat(parts.manager.BestPath()); !os.IsNotExist(err) {
		t.Error("eval-only pass wrote a best checkpoint")
	}
	if _, err := os.Stat(parts.manager.LatestPath()); !os.IsNotExist(err) {
		t.Error("eval-only pass wrote a latest checkpoint")
	}
	if best := parts.orch.State().BestScore; best != 0 {
		t.Errorf("eval-only pass changed the best score to %f", best)
	}
}

func TestTrainingMetricsLoggedPerIteration(t *testing.T) {
	recorder := newScalarRecorder()
	server := httptest.NewServer(recorder.mux)
	defer server.Close()

	client := trackerForServer(t, server.URL)
	parts := newTestOrchestrator(t, Config{
		TotalIters:    8,
		PrintInterval: 4,
		ValInterval:   1000,
	}, t.TempDir(), 40, client)

	if err := parts.orch.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var steps []int
	for _, payload := range recorder.logs {
		metrics, _ := payload["metrics"].(map[string]interface{})
		if _, ok := metrics["train_loss"]; ok {
			steps = append(steps, int(payload["step"].(float64)))
		}
	}
	if len(steps) != 8 {
		t.Fatalf("expected train_loss at every iteration, got %d logs", len(steps))
	}
	for i, step := range steps {
		if step != i+1 {
			t.Errorf("train_loss log %d at iteration %d, expected %d", i, step, i+1)
		}
	}
}

func TestIterationMonotonic(t *testing.T) {
	recorder := newScalarRecorder()
	server := httptest.NewServer(recorder.mux)
	defer server.Close()

	client := trackerForServer(t, server.URL)
	parts := newTestOrchestrator(t, Config{
		TotalIters:    12,
		PrintInterval: 2,
		ValInterval:   1000,
	}, t.TempDir(), 40, client)

	if err := parts.orch.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	prev := -1
	for _, payload := range recorder.logs {
		step := int(payload["step"].(float64))
		if step <= prev {
			t.Fatalf("logged steps not strictly increasing: %d after %d", step, prev)
		}
		prev = step
	}
}

func TestSnapshotRestoreFidelity(t *testing.T) {
	dir := t.TempDir()
	first := newTestOrchestrator(t, Config{
		TotalIters:    10,
		PrintInterval: 10,
		ValInterval:   1000,
	}, dir, 40, tracker.Disabled())

	if err := first.orch.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	trainedWeights := checkpoints.ExtractWeights(first.model)

	second := newTestOrchestrator(t, Config{
		TotalIters:    20,
		PrintInterval: 10,
		ValInterval:   1000,
	}, dir, 40, tracker.Disabled())
	// perturb so a successful restore is observable
	second.model.Parameters()[0].Data[0] = 99

	err := second.orch.Restore(checkpoints.RestoreOptions{
		LocalPath:        first.manager.LatestPath(),
		ContinueTraining: true,
	}, nil)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if got := second.orch.State().Iteration; got != 10 {
		t.Errorf("expected restored iteration 10, got %d", got)
	}
	restoredWeights := checkpoints.ExtractWeights(second.model)
	for i := range trainedWeights {
		for j := range trainedWeights[i].Data {
			if trainedWeights[i].Data[j] != restoredWeights[i].Data[j] {
				t.Fatalf("weight %s[%d] differs after restore", trainedWeights[i].Name, j)
			}
		}
	}
}

func TestRestoreWithoutSourceStartsFresh(t *testing.T) {
	parts := newTestOrchestrator(t, Config{
		TotalIters:    10,
		PrintInterval: 10,
		ValInterval:   1000,
	}, t.TempDir(), 40, tracker.Disabled())

	if err := parts.orch.Restore(checkpoints.RestoreOptions{}, nil); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	state := parts.orch.State()
	if state.Iteration != 0 || state.Epoch != 0 || state.BestScore != 0 {
		t.Errorf("expected zeroed state, got %+v", state)
	}
}
