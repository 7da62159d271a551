package tracker

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrSweepDone is returned by NextTrial when the sweep has no more trials.
var ErrSweepDone = errors.New("sweep has no more trials")

// SweepConfig describes a hyperparameter sweep, loaded from YAML.
type SweepConfig struct {
	Name   string `yaml:"name" json:"name"`
	Method string `yaml:"method" json:"method"`
	Metric struct {
		Name string `yaml:"name" json:"name"`
		Goal string `yaml:"goal" json:"goal"`
	} `yaml:"metric" json:"metric"`
	Parameters map[string]SweepParameter `yaml:"parameters" json:"parameters"`
}

// SweepParameter is one swept hyperparameter, either a discrete value list or
// a continuous range.
type SweepParameter struct {
	Values []interface{} `yaml:"values,omitempty" json:"values,omitempty"`
	Min    *float64      `yaml:"min,omitempty" json:"min,omitempty"`
	Max    *float64      `yaml:"max,omitempty" json:"max,omitempty"`
}

// LoadSweepConfig reads and parses a sweep definition from a YAML file.
func LoadSweepConfig(path string) (*SweepConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sweep config %s: %v", path, err)
	}

	var cfg SweepConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse sweep config %s: %v", path, err)
	}
	if len(cfg.Parameters) == 0 {
		return nil, fmt.Errorf("sweep config %s defines no parameters", path)
	}
	return &cfg, nil
}

// CreateSweep registers a sweep with the sidecar and returns its id.
func (c *Client) CreateSweep(cfg *SweepConfig, project, team string) (string, error) {
	if !c.Enabled() {
		return "", ErrNotLoggedIn
	}
	payload := map[string]interface{}{
		"project": project,
		"entity":  team,
		"config":  cfg,
	}
	resp, err := c.postJSON("/api/sweeps", payload)
	if err != nil {
		return "", errors.Wrap(err, "failed to create sweep")
	}
	logrus.Infof("Created sweep %s", resp.SweepID)
	return resp.SweepID, nil
}

// NextTrial asks the sidecar for the next trial's hyperparameters. It returns
// ErrSweepDone when the sweep is exhausted.
func (c *Client) NextTrial(sweepID string) (map[string]interface{}, error) {
	if !c.Enabled() {
		return nil, ErrNotLoggedIn
	}

	req, err := http.NewRequest("GET", fmt.Sprintf("%s/api/sweeps/%s/next", c.baseURL, sweepID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create trial request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request next trial: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusGone {
		return nil, ErrSweepDone
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("next trial request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read trial response: %v", err)
	}
	var trial struct {
		Done   bool                   `json:"done"`
		Params map[string]interface{} `json:"params"`
	}
	if err := json.Unmarshal(body, &trial); err != nil {
		return nil, fmt.Errorf("failed to parse trial response: %v", err)
	}
	if trial.Done {
		return nil, ErrSweepDone
	}
	return trial.Params, nil
}

// TrialFunc runs one sweep trial with the given hyperparameters.
type TrialFunc func(params map[string]interface{}) error

// RunAgent executes trials sequentially until the sweep is exhausted. A trial
// that fails is logged and the agent moves on to the next one, so a single
// diverged configuration never kills the sweep.
func (c *Client) RunAgent(sweepID string, trial TrialFunc) error {
	if !c.Enabled() {
		return ErrNotLoggedIn
	}

	for trialNum := 1; ; trialNum++ {
		params, err := c.NextTrial(sweepID)
		if errors.Is(err, ErrSweepDone) {
			logrus.Infof("Sweep %s complete after %d trials", sweepID, trialNum-1)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "sweep %s agent stopped at trial %d", sweepID, trialNum)
		}

		logrus.Infof("Sweep trial %d: %v", trialNum, params)
		if err := trial(params); err != nil {
			logrus.Errorf("Sweep trial %d failed: %v", trialNum, err)
		}
	}
}
