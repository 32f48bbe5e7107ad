// The fleet agent runs on each managed firewall. It holds no open inbound
// port: all work arrives by polling the controller, executing what was
// queued, and posting the results back.
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opnfleet/controller/pkg/config"
)

var (
	configPath = flag.String("config", "/etc/opnfleet/agent.yaml", "Config file path")
	serverURL  = flag.String("server", "", "Controller URL (overrides config)")
	interval   = flag.Duration("interval", 0, "Check-in interval (overrides config)")
	Version    = "dev"
)

type Agent struct {
	config  *config.AgentConfig
	client  *http.Client
	local   *http.Client
	retrier *retrier
}

type queuedCommand struct {
	ID          uint   `json:"id"`
	Command     string `json:"command"`
	Description string `json:"description"`
}

type queuedRequest struct {
	ID      uint   `json:"id"`
	Method  string `json:"method"`
	Path    string `json:"path"`
	Headers string `json:"headers"`
	Body    string `json:"body"`
}

func main() {
	flag.Parse()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("fleet agent starting")

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *interval > 0 {
		cfg.Checkin.Interval = int(interval.Seconds())
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	applyAgentLogging(cfg.Logging)

	agent := &Agent{
		config: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
		},
		local: &http.Client{
			Timeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Local.InsecureTLS},
			},
		},
		retrier: newRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries),
	}

	log.Info().
		Str("agent_id", cfg.Server.AgentID).
		Str("server", cfg.Server.URL).
		Int("interval_s", cfg.Checkin.Interval).
		Msg("configuration loaded")

	// Check in immediately on startup, then on interval with jitter to
	// spread a restarting fleet's load.
	agent.checkin()

	jitter := time.Duration(cfg.Checkin.Jitter) * time.Second
	ticker := time.NewTicker(time.Duration(cfg.Checkin.Interval) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if jitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(jitter))))
		}
		agent.checkin()
	}
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("FLEET_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv("FLEET_AGENT_LOG_FORMAT")))
	log.Logger = newAgentLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}

	format := "console"
	if cfg.JSON {
		format = "json"
	}
	log.Logger = newAgentLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}

// checkin polls the controller once and works through whatever came back.
func (a *Agent) checkin() {
	var work struct {
		Commands []queuedCommand `json:"commands"`
		Requests []queuedRequest `json:"requests"`
	}

	err := a.retrier.do(func() error {
		req, err := a.newControllerRequest(http.MethodPost, "/v1/agents/checkin", nil)
		if err != nil {
			return err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			if isRetryableStatus(resp) {
				return retryableStatusError{status: resp.StatusCode}
			}
			return fmt.Errorf("checkin failed: status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&work)
	}, isRetryableHTTP)
	if err != nil {
		log.Error().Err(err).Msg("check-in failed")
		return
	}

	if len(work.Commands) > 0 || len(work.Requests) > 0 {
		log.Info().
			Int("commands", len(work.Commands)).
			Int("requests", len(work.Requests)).
			Msg("work received")
	}

	for _, cmd := range work.Commands {
		a.runCommand(cmd)
	}
	for _, req := range work.Requests {
		a.relayRequest(req)
	}
}

// runCommand executes one queued shell command and reports its outcome.
func (a *Agent) runCommand(cmd queuedCommand) {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(a.config.Local.CommandTimeout)*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "sh", "-c", cmd.Command).CombinedOutput()
	outcome := "success"
	output := string(out)
	if err != nil {
		outcome = "error"
		if output == "" {
			output = err.Error()
		}
		log.Warn().Err(err).Uint("command_id", cmd.ID).Msg("command failed")
	} else {
		log.Info().Uint("command_id", cmd.ID).Msg("command completed")
	}

	a.postResult(fmt.Sprintf("/v1/agents/commands/%d/result", cmd.ID), map[string]interface{}{
		"outcome": outcome,
		"output":  output,
	})
}

// relayRequest executes one relayed HTTP call against the local web UI and
// posts the response back to the controller.
func (a *Agent) relayRequest(qr queuedRequest) {
	base := strings.TrimRight(a.config.Local.BaseURL, "/")
	req, err := http.NewRequest(qr.Method, base+qr.Path, strings.NewReader(qr.Body))
	if err != nil {
		a.postResult(fmt.Sprintf("/v1/agents/requests/%d/response", qr.ID), map[string]interface{}{
			"status_code": http.StatusBadGateway,
			"body":        err.Error(),
		})
		return
	}
	if qr.Headers != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(qr.Headers), &headers); err == nil {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}
	}

	statusCode := http.StatusBadGateway
	var respHeaders, respBody string
	resp, err := a.local.Do(req)
	if err != nil {
		respBody = err.Error()
		log.Warn().Err(err).Uint("request_id", qr.ID).Msg("local request failed")
	} else {
		defer resp.Body.Close()
		statusCode = resp.StatusCode
		body, _ := io.ReadAll(resp.Body)
		respBody = string(body)
		flat := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			flat[k] = resp.Header.Get(k)
		}
		if data, err := json.Marshal(flat); err == nil {
			respHeaders = string(data)
		}
	}

	a.postResult(fmt.Sprintf("/v1/agents/requests/%d/response", qr.ID), map[string]interface{}{
		"status_code": statusCode,
		"headers":     respHeaders,
		"body":        respBody,
	})
}

func (a *Agent) postResult(path string, payload map[string]interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to encode result")
		return
	}

	err = a.retrier.do(func() error {
		req, err := a.newControllerRequest(http.MethodPost, path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			if isRetryableStatus(resp) {
				return retryableStatusError{status: resp.StatusCode}
			}
			data, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("result rejected: %d %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return nil
	}, isRetryableHTTP)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to deliver result")
	}
}

func (a *Agent) newControllerRequest(method, path string, body io.Reader) (*http.Request, error) {
	base := strings.TrimRight(a.config.Server.URL, "/")
	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-ID", a.config.Server.AgentID)
	req.Header.Set("X-Agent-Fingerprint", a.config.Server.Fingerprint)
	return req, nil
}
