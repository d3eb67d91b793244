// Package backend is the JSON-over-HTTP client for the SPYNNERS API.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spynners/setcapture/internal/analyzer"
	"github.com/spynners/setcapture/internal/outbox"
	"github.com/spynners/setcapture/internal/storage"
)

var ErrUnauthorized = errors.New("backend rejected credentials")

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.Code, e.Body)
}

type Timeouts struct {
	Recognize   time.Duration
	Concatenate time.Duration
	Convert     time.Duration
	Sync        time.Duration
	Notify      time.Duration
	Health      time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Recognize <= 0 {
		t.Recognize = 30 * time.Second
	}
	if t.Concatenate <= 0 {
		t.Concatenate = 3 * time.Minute
	}
	if t.Convert <= 0 {
		t.Convert = 2 * time.Minute
	}
	if t.Sync <= 0 {
		t.Sync = 2 * time.Minute
	}
	if t.Notify <= 0 {
		t.Notify = 10 * time.Second
	}
	if t.Health <= 0 {
		t.Health = 5 * time.Second
	}
	return t
}

type Client struct {
	baseURL  string
	timeouts Timeouts
	http     *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL, token string, timeouts Timeouts) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		timeouts: timeouts.withDefaults(),
		// Per-call deadlines come from the context.
		http: &http.Client{},
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type recognizeRequest struct {
	AudioBase64 string `json:"audio_base64"`
}

type recognizeResponse struct {
	Success         bool   `json:"success"`
	Title           string `json:"title"`
	Artist          string `json:"artist"`
	CoverImage      string `json:"cover_image"`
	SpynnersTrackID string `json:"spynners_track_id"`
	ProducerID      string `json:"producer_id"`
	Message         string `json:"message"`
}

// Recognize sends one audio slice for identification.
func (c *Client) Recognize(ctx context.Context, audio []byte) (analyzer.Recognition, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Recognize)
	defer cancel()

	var resp recognizeResponse
	if err := c.postJSON(ctx, "/api/recognize-audio", recognizeRequest{
		AudioBase64: base64.StdEncoding.EncodeToString(audio),
	}, &resp); err != nil {
		return analyzer.Recognition{}, fmt.Errorf("recognize audio: %w", err)
	}

	return analyzer.Recognition{
		Success:         resp.Success,
		Title:           resp.Title,
		Artist:          resp.Artist,
		CoverImage:      resp.CoverImage,
		ExternalTrackID: resp.SpynnersTrackID,
		ProducerID:      resp.ProducerID,
		Message:         resp.Message,
	}, nil
}

type audioRequest struct {
	AudioFiles   []string `json:"audio_files,omitempty"`
	AudioBase64  string   `json:"audio_base64,omitempty"`
	OutputFormat string   `json:"output_format"`
}

type audioResponse struct {
	Success     bool   `json:"success"`
	AudioBase64 string `json:"audio_base64"`
	Size        int    `json:"size"`
	Message     string `json:"message"`
	Error       string `json:"error"`
}

// Join merges ordered payloads server-side.
func (c *Client) Join(ctx context.Context, payloads [][]byte, format string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Concatenate)
	defer cancel()

	files := make([]string, 0, len(payloads))
	for _, p := range payloads {
		files = append(files, base64.StdEncoding.EncodeToString(p))
	}

	var resp audioResponse
	if err := c.postJSON(ctx, "/api/concatenate-audio", audioRequest{AudioFiles: files, OutputFormat: format}, &resp); err != nil {
		return nil, fmt.Errorf("concatenate audio: %w", err)
	}
	return decodeAudio(resp)
}

// Convert transcodes a single payload server-side.
func (c *Client) Convert(ctx context.Context, audio []byte, format string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Convert)
	defer cancel()

	var resp audioResponse
	if err := c.postJSON(ctx, "/api/convert-audio", audioRequest{
		AudioBase64:  base64.StdEncoding.EncodeToString(audio),
		OutputFormat: format,
	}, &resp); err != nil {
		return nil, fmt.Errorf("convert audio: %w", err)
	}
	return decodeAudio(resp)
}

func decodeAudio(resp audioResponse) ([]byte, error) {
	if !resp.Success {
		return nil, fmt.Errorf("backend refused: %s", firstNonEmpty(resp.Error, resp.Message, "no reason given"))
	}
	data, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	return data, nil
}

type syncRecording struct {
	AudioBase64 string           `json:"audio_base64"`
	Timestamp   time.Time        `json:"timestamp"`
	DurationMS  int64            `json:"duration_ms"`
	Metadata    storage.Metadata `json:"metadata"`
}

type syncTrack struct {
	Title           string `json:"title"`
	Artist          string `json:"artist"`
	OffsetSeconds   int64  `json:"offset_seconds"`
	SpynnersTrackID string `json:"spynners_track_id,omitempty"`
	ProducerID      string `json:"producer_id,omitempty"`
}

type syncRequest struct {
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	DJName     string          `json:"dj_name"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    *time.Time      `json:"end_time,omitempty"`
	Recordings []syncRecording `json:"recordings"`
	Tracks     []syncTrack     `json:"tracks"`
	Recap      string          `json:"recap,omitempty"`
}

type syncResponse struct {
	Success bool                      `json:"success"`
	Results []storage.RecordingResult `json:"results"`
	Message string                    `json:"message"`
}

// SyncSession uploads a finished session with all of its recordings.
func (c *Client) SyncSession(ctx context.Context, cred outbox.Credential, session storage.RecordingSession) ([]storage.RecordingResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Sync)
	defer cancel()

	req := syncRequest{
		SessionID: session.ID,
		UserID:    cred.UserID,
		DJName:    session.Metadata.DJName,
		StartTime: session.StartedAt,
		EndTime:   session.EndedAt,
		Recap:     session.Recap,
	}
	for _, rec := range session.Recordings {
		audio, err := rec.Payload()
		if err != nil {
			return nil, err
		}
		req.Recordings = append(req.Recordings, syncRecording{
			AudioBase64: base64.StdEncoding.EncodeToString(audio),
			Timestamp:   rec.Timestamp,
			DurationMS:  rec.Duration.Milliseconds(),
			Metadata:    session.Metadata,
		})
	}
	for _, t := range session.Tracks {
		req.Tracks = append(req.Tracks, syncTrack{
			Title:           t.Title,
			Artist:          t.Artist,
			OffsetSeconds:   int64(t.Offset.Seconds()),
			SpynnersTrackID: t.ExternalTrackID,
			ProducerID:      t.ProducerID,
		})
	}

	token := cred.Token
	if token == "" {
		c.mu.RLock()
		token = c.token
		c.mu.RUnlock()
	}

	var resp syncResponse
	if err := c.postJSONAs(ctx, token, "/api/offline-sessions/sync", req, &resp); err != nil {
		return nil, fmt.Errorf("sync session %s: %w", session.ID, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("sync session %s: %s", session.ID, firstNonEmpty(resp.Message, "backend reported failure"))
	}
	return resp.Results, nil
}

type notifyRequest struct {
	SessionID       string `json:"session_id"`
	SpynnersTrackID string `json:"spynners_track_id"`
	ProducerID      string `json:"producer_id"`
	TrackTitle      string `json:"track_title"`
	TrackArtist     string `json:"track_artist"`
	PlayedAt        string `json:"played_at"`
}

// NotifyProducer tells the backend a producer's track was played. The
// response body is ignored.
func (c *Client) NotifyProducer(ctx context.Context, sessionID string, track storage.IdentifiedTrack) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Notify)
	defer cancel()

	err := c.postJSON(ctx, "/api/notify-producer", notifyRequest{
		SessionID:       sessionID,
		SpynnersTrackID: track.ExternalTrackID,
		ProducerID:      track.ProducerID,
		TrackTitle:      track.Title,
		TrackArtist:     track.Artist,
		PlayedAt:        track.IdentifiedAt.UTC().Format(time.RFC3339),
	}, nil)
	if err != nil {
		return fmt.Errorf("notify producer: %w", err)
	}
	return nil
}

// HealthStatus mirrors GET /api/health.
type HealthStatus struct {
	Status             string `json:"status"`
	Service            string `json:"service"`
	Version            string `json:"version"`
	ACRCloudConfigured bool   `json:"acrcloud_configured"`
	Timestamp          string `json:"timestamp"`
}

func (c *Client) HealthStatus(ctx context.Context) (HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Health)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return HealthStatus{}, fmt.Errorf("build health request: %w", err)
	}

	var status HealthStatus
	if err := c.do(req, &status); err != nil {
		return HealthStatus{}, fmt.Errorf("health check: %w", err)
	}
	return status, nil
}

// Health satisfies connectivity.Prober.
func (c *Client) Health(ctx context.Context) error {
	status, err := c.HealthStatus(ctx)
	if err != nil {
		return err
	}
	if status.Status != "" && status.Status != "healthy" && status.Status != "ok" {
		return fmt.Errorf("backend unhealthy: %s", status.Status)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	return c.postJSONAs(ctx, token, path, body, out)
}

func (c *Client) postJSONAs(ctx context.Context, token, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
