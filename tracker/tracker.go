// Package tracker is the HTTP client for the experiment tracking sidecar. It
// records run metadata, scalar metrics, result tables and sample images, and
// stores checkpoint files so later runs can restore them.
package tracker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// ErrNotLoggedIn is returned when an operation needs an authenticated session.
var ErrNotLoggedIn = errors.New("tracker client is not logged in")

// Config contains configuration for the tracker client.
type Config struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultConfig returns default configuration for the tracker client.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// Client talks to the tracking sidecar. The zero-value client is disabled and
// every method is a no-op, so callers never need to branch on tracking.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	retryDelay time.Duration

	enabled bool
	token   string
	runID   string
}

// apiResponse is the common envelope returned by the sidecar.
type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
	SweepID string `json:"sweep_id,omitempty"`
	FileURL string `json:"file_url,omitempty"`
}

// NewClient creates a tracker client. A nil config uses defaults.
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config = DefaultConfig()
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &Client{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retries:    config.RetryAttempts,
		retryDelay: config.RetryDelay,
	}
}

// Disabled returns a client whose every method is a no-op.
func Disabled() *Client {
	return &Client{}
}

// Enabled reports whether the client will talk to the sidecar.
func (c *Client) Enabled() bool {
	return c != nil && c.enabled
}

// Login authenticates against the sidecar with the secret token. It must be
// called before any run is started.
func (c *Client) Login(token string) error {
	if c.httpClient == nil {
		return nil
	}
	payload := map[string]string{"token": token}
	if _, err := c.postJSON("/api/login", payload); err != nil {
		return errors.Wrap(err, "tracker login failed")
	}
	c.token = token
	c.enabled = true
	return nil
}

// InitRun starts a new tracked run and makes it the client's current run.
func (c *Client) InitRun(project, team, runName string, meta map[string]interface{}) error {
	if !c.Enabled() {
		return nil
	}
	payload := map[string]interface{}{
		"project": project,
		"entity":  team,
		"name":    runName,
		"config":  meta,
	}
	resp, err := c.postJSON("/api/runs", payload)
	if err != nil {
		return errors.Wrapf(err, "failed to start run %q", runName)
	}
	c.runID = resp.RunID
	logrus.Infof("Tracking run %s (%s/%s)", runName, team, project)
	return nil
}

// LogScalars records named scalar metrics at the given step.
func (c *Client) LogScalars(step int, metrics map[string]float64) error {
	if !c.Enabled() || c.runID == "" {
		return nil
	}
	payload := map[string]interface{}{
		"step":    step,
		"metrics": metrics,
	}
	_, err := c.postJSON(fmt.Sprintf("/api/runs/%s/log", c.runID), payload)
	return err
}

// LogTable records a named table of string rows, e.g. per-class IoU.
func (c *Client) LogTable(name string, columns []string, rows [][]string) error {
	if !c.Enabled() || c.runID == "" {
		return nil
	}
	payload := map[string]interface{}{
		"name":    name,
		"columns": columns,
		"rows":    rows,
	}
	_, err := c.postJSON(fmt.Sprintf("/api/runs/%s/tables", c.runID), payload)
	return err
}

// LogImage uploads an encoded image under the given key.
func (c *Client) LogImage(key string, png []byte, caption string) error {
	if !c.Enabled() || c.runID == "" {
		return nil
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("key", key); err != nil {
		return fmt.Errorf("failed to build image upload: %v", err)
	}
	if err := writer.WriteField("caption", caption); err != nil {
		return fmt.Errorf("failed to build image upload: %v", err)
	}
	part, err := writer.CreateFormFile("file", key+".png")
	if err != nil {
		return fmt.Errorf("failed to build image upload: %v", err)
	}
	if _, err := part.Write(png); err != nil {
		return fmt.Errorf("failed to build image upload: %v", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to build image upload: %v", err)
	}

	return c.postMultipart(fmt.Sprintf("/api/runs/%s/images", c.runID), body, writer.FormDataContentType())
}

// SaveFile uploads a file (typically a checkpoint) to the current run's
// durable storage.
func (c *Client) SaveFile(path string) error {
	if !c.Enabled() || c.runID == "" {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for upload: %v", path, err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to build file upload: %v", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to read %s for upload: %v", path, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to build file upload: %v", err)
	}

	if err := c.postMultipart(fmt.Sprintf("/api/runs/%s/files", c.runID), body, writer.FormDataContentType()); err != nil {
		return err
	}
	logrus.Debugf("Uploaded %s to tracker", filepath.Base(path))
	return nil
}

// RestoreFile downloads a named file from a previous run into destDir and
// returns the local path it was written to.
func (c *Client) RestoreFile(name, runPath, destDir string) (string, error) {
	if !c.Enabled() {
		return "", ErrNotLoggedIn
	}

	endpoint := fmt.Sprintf("%s/api/files/%s?run_path=%s",
		c.baseURL, url.PathEscape(name), url.QueryEscape(runPath))
	req, err := http.NewRequest("GET", endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create restore request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %v", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("restore of %s failed with status %d", name, resp.StatusCode)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create restore directory: %v", err)
	}
	dest := filepath.Join(destDir, filepath.Base(name))
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %v", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("failed to write %s: %v", dest, err)
	}
	return dest, nil
}

// Finish marks the current run complete. Errors are logged, not returned,
// since nothing actionable remains at this point.
func (c *Client) Finish() {
	if !c.Enabled() || c.runID == "" {
		return
	}
	if _, err := c.postJSON(fmt.Sprintf("/api/runs/%s/finish", c.runID), nil); err != nil {
		logrus.Warnf("Failed to finish tracked run: %v", err)
	}
	c.runID = ""
}

// postJSON sends a JSON payload and decodes the common response envelope,
// retrying transient failures.
func (c *Client) postJSON(path string, payload interface{}) (*apiResponse, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		resp, err := c.doPost(path, bytes.NewReader(jsonData), "application/json")
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt < c.retries-1 {
			time.Sleep(c.retryDelay)
		}
	}
	return nil, fmt.Errorf("request to %s failed after %d attempts: %v", path, c.retries, lastErr)
}

func (c *Client) postMultipart(path string, body io.Reader, contentType string) error {
	_, err := c.doPost(path, body, contentType)
	return err
}

func (c *Client) doPost(path string, body io.Reader, contentType string) (*apiResponse, error) {
	req, err := http.NewRequest("POST", c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "go-seg")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %v", err)
	}

	var apiResp apiResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &apiResp); err != nil {
			return nil, fmt.Errorf("failed to parse response JSON: %v", err)
		}
	}
	if resp.StatusCode != http.StatusOK {
		return &apiResp, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, apiResp.Message)
	}
	return &apiResp, nil
}
