package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/datallboy/usenetd/internal/domain"
)

// Event is the webhook payload.
type Event struct {
	ID          uint64           `json:"id"`
	Name        string           `json:"name"`
	Category    string           `json:"category"`
	Status      string           `json:"status"`
	Destination string           `json:"destination,omitempty"`
	Error       *domain.JobError `json:"error,omitempty"`
	At          time.Time        `json:"at"`
}

// notify runs the job script and the webhook. Failures are only logged;
// the job is already final.
func (p *Pipeline) notify(ctx context.Context, w *work, state domain.JobState, dest string, cause error) {
	cfg := p.cfg.Current().Notify
	timeout := cfg.Timeout
	if t := p.cfg.Current().PostProcess.Timeouts.Notify; t > 0 {
		timeout = t
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ev := Event{ID: w.id, Name: w.name, Category: w.category, Status: state.String(), Destination: dest, At: time.Now().UTC()}
	if cause != nil {
		je := domain.AsJobError(cause)
		ev.Error = &je
	}

	script := w.script
	if script == "" {
		script = w.rule.Script
	}
	if script == "" {
		script = cfg.Script
	}
	if script != "" {
		if err := p.runScript(ctx, script, w, ev); err != nil {
			p.log.Warn("Job %d: notification failed: %v", w.id, err)
		}
	}
	if cfg.WebhookURL != "" {
		if err := p.postWebhook(ctx, cfg.WebhookURL, ev); err != nil {
			p.log.Warn("Job %d: notification failed: %v", w.id, err)
		}
	}
}

func (p *Pipeline) runScript(ctx context.Context, script string, w *work, ev Event) error {
	dir := ev.Destination
	if dir == "" {
		dir = w.dir
	}
	if _, err := os.Stat(dir); err != nil {
		dir = ""
	}
	env := []string{
		"USENETD_JOB_ID=" + strconv.FormatUint(ev.ID, 10),
		"USENETD_JOB_NAME=" + ev.Name,
		"USENETD_CATEGORY=" + ev.Category,
		"USENETD_STATUS=" + ev.Status,
		"USENETD_DESTINATION=" + ev.Destination,
		"USENETD_PP=" + strconv.Itoa(int(w.pp)),
	}
	if ev.Error != nil {
		env = append(env, "USENETD_ERROR="+ev.Error.Msg, "USENETD_ERROR_CODE="+ev.Error.Code)
	}
	if _, err := p.run.Run(ctx, dir, env, script); err != nil {
		return fmt.Errorf("script %s: %w", script, err)
	}
	p.log.Debug("Job %d: script %s finished", w.id, script)
	return nil
}

func (p *Pipeline) postWebhook(ctx context.Context, url string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: %s returned %s", url, resp.Status)
	}
	return nil
}
